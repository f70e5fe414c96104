// Package liveness tracks heartbeat freshness per connection and
// declares connections dead after consecutive missed windows. The
// transport may look open while the remote end is unresponsive; the
// heartbeat is the only trusted liveness signal.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/hearthsync/hearthsync/internal/logging"
)

// State represents the liveness of one connection
type State int

const (
	// StateAlive means heartbeats are arriving within the window
	StateAlive State = iota
	// StateSuspect means at least one heartbeat window was missed
	StateSuspect
	// StateDead means the miss threshold was reached
	StateDead
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config represents supervisor configuration
type Config struct {
	// Interval is the expected heartbeat period
	Interval time.Duration

	// MissThreshold is the number of consecutive missed windows after
	// which a connection is declared dead
	MissThreshold int
}

// DefaultConfig returns default supervisor configuration
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		MissThreshold: 3,
	}
}

type watch struct {
	lastBeat time.Time
	misses   int
	state    State
}

// Supervisor watches heartbeat timestamps for a set of connections
type Supervisor struct {
	cfg    Config
	logger *logging.Logger
	onDead func(connID string)

	mu      sync.Mutex
	watches map[string]*watch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. onDead is invoked, outside the supervisor
// lock, for every connection that reaches StateDead; the callback owns
// registry eviction and transport release.
func New(cfg Config, logger *logging.Logger, onDead func(connID string)) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MissThreshold < 1 {
		cfg.MissThreshold = DefaultConfig().MissThreshold
	}

	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		onDead:  onDead,
		watches: make(map[string]*watch),
	}
}

// Start begins the periodic sweep
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Stop cancels the sweep loop and waits for it to exit
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Watch starts tracking a connection, initially alive
func (s *Supervisor) Watch(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watches[connID] = &watch{
		lastBeat: time.Now(),
		state:    StateAlive,
	}
}

// Beat records a heartbeat. A suspect connection returns to alive on
// the next successful beat.
func (s *Supervisor) Beat(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[connID]
	if !ok || w.state == StateDead {
		return
	}

	if w.state == StateSuspect {
		s.logger.Debug("connection recovered", "connection_id", connID)
	}

	w.lastBeat = time.Now()
	w.misses = 0
	w.state = StateAlive
}

// Forget stops tracking a connection
func (s *Supervisor) Forget(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watches, connID)
}

// StateOf returns the tracked state of a connection
func (s *Supervisor) StateOf(connID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[connID]
	if !ok {
		return StateDead, false
	}
	return w.state, true
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep advances the state machine of every watched connection for one
// heartbeat window.
func (s *Supervisor) sweep(now time.Time) {
	var dead []string

	s.mu.Lock()
	for connID, w := range s.watches {
		if now.Sub(w.lastBeat) < s.cfg.Interval {
			continue
		}

		w.misses++
		if w.misses >= s.cfg.MissThreshold {
			w.state = StateDead
			dead = append(dead, connID)
			s.logger.Warn("connection declared dead",
				"connection_id", connID,
				"misses", w.misses,
			)
		} else if w.state == StateAlive {
			w.state = StateSuspect
			s.logger.Debug("connection suspect", "connection_id", connID)
		}
	}
	for _, connID := range dead {
		delete(s.watches, connID)
	}
	s.mu.Unlock()

	if s.onDead != nil {
		for _, connID := range dead {
			s.onDead(connID)
		}
	}
}
