package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/hearthsync/hearthsync/internal/logging"
	"github.com/hearthsync/hearthsync/pkg/client"
	"github.com/hearthsync/hearthsync/pkg/envelope"
)

func main() {
	addr := flag.String("addr", "localhost:3000", "server address")
	principal := flag.String("principal", "demo-user", "principal identity")
	scope := flag.String("scope", "family-demo", "scope identity")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "debug", Format: "text"})

	kinds := envelope.NewKinds()
	kinds.Register("chat_message", "expense_added", "memory_created", "presence_changed")

	opts := client.DefaultOptions()
	opts.Logger = logger
	opts.Codec = envelope.NewCodec(kinds)
	opts.HeartbeatInterval = 10 * time.Second

	c := client.New(url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}, opts)

	statusSub := c.OnStatus(func(ev client.StatusEvent) {
		switch ev.Status {
		case client.StatusConnected:
			logger.Info("status: connected", "connection_id", c.ConnectionID())
		case client.StatusDisconnected:
			logger.Info("status: disconnected")
		case client.StatusReconnecting:
			logger.Info("status: reconnecting", "attempt", ev.Attempt)
		case client.StatusLatencyUpdated:
			logger.Debug("status: latency", "rtt", ev.Latency)
		case client.StatusGaveUp:
			logger.Error("status: gave up", "error", ev.Err)
		}
	})
	defer statusSub.Cancel()

	chatSub := c.On("chat_message", func(env *envelope.Envelope) {
		fmt.Printf("[%s] %s: %s\n", env.Timestamp.Format(time.Kitchen), env.SenderID, string(env.Data))
	})
	defer chatSub.Cancel()

	if err := c.Connect(context.Background(), *principal, *scope); err != nil {
		logger.Warn("initial connect failed, retrying in background", "error", err)
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	for {
		select {
		case t := <-ticker.C:
			env, err := envelope.New("chat_message", map[string]string{
				"text": "hello at " + t.Format(time.RFC3339),
			})
			if err != nil {
				continue
			}
			if err := c.Send(env); err != nil {
				logger.Warn("send failed", "error", err)
			}
		case <-interrupt:
			logger.Info("interrupt")
			c.Disconnect()
			return
		}
	}
}
