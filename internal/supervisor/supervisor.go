// Package supervisor owns the set of running app processes. Commands for the
// same app name are serialized through a per-name control channel while
// distinct names proceed concurrently, which preserves the at-most-one
// process per name invariant without a global lock.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tri2510/uda-deployment-agent/internal/executor"
	"github.com/tri2510/uda-deployment-agent/internal/history"
	"github.com/tri2510/uda-deployment-agent/internal/logger"
	"github.com/tri2510/uda-deployment-agent/internal/metrics"
	"github.com/tri2510/uda-deployment-agent/internal/process"
	"github.com/tri2510/uda-deployment-agent/internal/registry"
)

// Config assembles the supervisor's collaborators.
type Config struct {
	Executor executor.Executor
	Registry *registry.Registry
	AppLogs  logger.AppLogConfig
	Grace    time.Duration // stop grace window before SIGKILL
	ExtraEnv []string      // KEY=VALUE pairs added to every app
	Logger   *slog.Logger
	Sinks    []history.Sink
}

// Supervisor starts, stops, and reaps app processes and publishes their
// lifecycle and output as events.
type Supervisor struct {
	cfg    Config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	events chan Event
	lines  chan process.Line

	mu      sync.Mutex
	entries map[string]*handler
	closed  bool

	wg     sync.WaitGroup // handler goroutines
	pumpWG sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = process.DefaultGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan Event, 256),
		lines:   make(chan process.Line, 256),
		entries: make(map[string]*handler),
	}
	s.pumpWG.Add(1)
	go s.pumpLines()
	return s
}

// Events returns the stream of output and status events. The channel is
// closed by Shutdown once all handlers have drained.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Deploy starts source under name, stopping any prior instance of the same
// name first. progress, when non-nil, receives human-readable stage messages
// before the call returns.
func (s *Supervisor) Deploy(name, source string, progress func(stage string)) error {
	h, err := s.ensureHandler(name)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	h.ctrl <- ctrlMsg{kind: ctrlStart, source: source, progress: progress, reply: reply}
	return <-reply
}

// Stop gracefully stops the named app, escalating after grace. Stopping a
// name with no active process is a successful no-op.
func (s *Supervisor) Stop(name string, grace time.Duration) error {
	s.mu.Lock()
	h := s.entries[name]
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	if grace <= 0 {
		grace = s.cfg.Grace
	}
	reply := make(chan error, 1)
	h.ctrl <- ctrlMsg{kind: ctrlStop, grace: grace, reply: reply}
	return <-reply
}

// StatusOf returns the registry snapshot for name.
func (s *Supervisor) StatusOf(name string) (registry.Record, bool) {
	return s.cfg.Registry.Get(name)
}

// Inventory returns all deployment records in insertion order.
func (s *Supervisor) Inventory() []registry.Record {
	return s.cfg.Registry.List()
}

// RunningCount returns the number of apps currently running.
func (s *Supervisor) RunningCount() int {
	return s.cfg.Registry.RunningCount()
}

// Shutdown stops all apps and closes the event stream. Safe to call once.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handlers := make([]*handler, 0, len(s.entries))
	for _, h := range s.entries {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	// Drain events for the rest of the shutdown: handlers and reapers must
	// never block on a full event buffer once the consumer is gone.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range s.events {
		}
	}()

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h *handler) {
			defer wg.Done()
			reply := make(chan error, 1)
			select {
			case h.ctrl <- ctrlMsg{kind: ctrlShutdown, grace: s.cfg.Grace, reply: reply}:
				<-reply
			case <-time.After(2 * s.cfg.Grace):
			}
		}(h)
	}
	wg.Wait()

	s.cancel()
	s.wg.Wait()
	close(s.lines)
	s.pumpWG.Wait()
	close(s.events)
	<-drained
}

// pumpLines lifts raw process output into the event stream.
func (s *Supervisor) pumpLines() {
	defer s.pumpWG.Done()
	for l := range s.lines {
		metrics.AddOutputLines(l.App, 1)
		s.events <- Event{
			Type:   EventOutput,
			App:    l.App,
			At:     l.At,
			Stream: l.Stream,
			Text:   l.Text,
		}
	}
}

func (s *Supervisor) ensureHandler(name string) (*handler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errShutdown
	}
	h := s.entries[name]
	if h == nil {
		h = newHandler(s, name)
		s.entries[name] = h
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			h.run(s.ctx)
		}()
	}
	return h, nil
}

func (s *Supervisor) emitStatus(name string, st registry.Status, pid int, exit *registry.ExitInfo) {
	s.events <- Event{
		Type:   EventStatus,
		App:    name,
		At:     time.Now(),
		Status: st,
		PID:    pid,
		Exit:   exit,
	}
	metrics.SetAppsRunning(s.cfg.Registry.RunningCount())
}

func (s *Supervisor) recordHistory(e history.Event) {
	if len(s.cfg.Sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, sink := range s.cfg.Sinks {
		if err := sink.Send(ctx, e); err != nil {
			s.log.Warn("history sink send failed", "app", e.App, "event", string(e.Type), "error", err)
		}
	}
}
