package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hearthsync/hearthsync/internal/config"
	"github.com/hearthsync/hearthsync/internal/eventbus"
	"github.com/hearthsync/hearthsync/internal/logging"
	"github.com/hearthsync/hearthsync/pkg/broker"
	"github.com/hearthsync/hearthsync/pkg/envelope"
	"github.com/hearthsync/hearthsync/pkg/errors"
	"github.com/hearthsync/hearthsync/pkg/liveness"
	"github.com/hearthsync/hearthsync/pkg/registry"
	"github.com/hearthsync/hearthsync/pkg/router"
	"github.com/hearthsync/hearthsync/pkg/transport/websocket"
)

// Domain event kinds emitted by the application's collaborators. The
// synchronization layer only routes them; payload semantics live
// upstream.
var domainKinds = []envelope.Type{
	"expense_added",
	"memory_created",
	"presence_changed",
	"chat_message",
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.LoadOptions{Path: *configPath})
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	logger.Info("starting hearthsync server")

	errHandler := errors.NewDefaultHandler(logger.Logger)

	bus := eventbus.NewInMemoryBus(256)
	bus.Start(ctx)
	defer bus.Stop()

	busSub := bus.SubscribeAll(func(event *eventbus.Event) {
		logger.Debug("event",
			"event_type", string(event.Type),
			"source", event.Source,
			"data", event.Data,
		)
	})
	defer bus.Unsubscribe(busSub)

	kinds := envelope.NewKinds()
	kinds.Register(domainKinds...)
	codec := envelope.NewCodec(kinds)

	var brk broker.Broker
	if cfg.Redis.URL != "" {
		rdb, err := broker.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			errHandler.Handle(ctx, err)
			os.Exit(1)
		}
		brk = broker.NewRedis(rdb, logger)
		logger.Info("redis broker connected")
	} else {
		brk = broker.NewMemory()
		logger.Warn("no redis url configured, cross-process fan-out disabled")
	}
	defer brk.Close()

	reg := registry.New(logger.WithComponent("registry"))

	rtr := router.New(reg, brk, codec, logger.WithComponent("router"), router.Options{
		SendTimeout: cfg.Sync.SendTimeout.Std(),
		Bus:         bus,
	})
	if err := rtr.Start(ctx); err != nil {
		errHandler.Handle(ctx, err)
		os.Exit(1)
	}
	defer rtr.Stop()

	// A dead connection is evicted from the registry and its transport
	// released.
	supervisor := liveness.New(liveness.Config{
		Interval:      cfg.Sync.HeartbeatInterval.Std(),
		MissThreshold: cfg.Sync.MissThreshold,
	}, logger.WithComponent("liveness"), func(connID string) {
		conn, ok := reg.Conn(connID)
		reg.Drop(connID)
		if ok {
			conn.Close()
		}
		bus.PublishAsync(eventbus.NewEvent(
			eventbus.EventConnectionDead,
			"liveness",
			map[string]string{"connection_id": connID},
		))
	})
	supervisor.Start(ctx)
	defer supervisor.Stop()

	connOpts := websocket.DefaultConnOptions()
	connOpts.ReadTimeout = cfg.Sync.HeartbeatInterval.Std() * time.Duration(cfg.Sync.MissThreshold+1)

	wsServer := websocket.NewServer(
		websocket.WithLogger(logger),
		websocket.WithCodec(codec),
		websocket.WithRegistry(reg),
		websocket.WithLiveness(supervisor),
		websocket.WithPublisher(rtr),
		websocket.WithBus(bus),
		websocket.WithConnOptions(connOpts),
	)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Get("/ws", wsServer.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
