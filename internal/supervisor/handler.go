package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tri2510/uda-deployment-agent/internal/history"
	"github.com/tri2510/uda-deployment-agent/internal/metrics"
	"github.com/tri2510/uda-deployment-agent/internal/process"
	"github.com/tri2510/uda-deployment-agent/internal/registry"
)

var errShutdown = errors.New("supervisor is shut down")

type ctrlKind int

const (
	ctrlStart ctrlKind = iota
	ctrlStop
	ctrlShutdown
)

// ctrlMsg serializes lifecycle operations for one app name.
type ctrlMsg struct {
	kind     ctrlKind
	source   string
	progress func(stage string)
	grace    time.Duration
	reply    chan error
}

// handler owns the control path for a single app name. All starts and stops
// for the name flow through its ctrl channel, one at a time.
type handler struct {
	name string
	s    *Supervisor
	ctrl chan ctrlMsg

	// current run; both are nil/stale once the reaper finishes
	proc   *process.Process
	reaped chan struct{}
}

func newHandler(s *Supervisor, name string) *handler {
	return &handler{name: name, s: s, ctrl: make(chan ctrlMsg, 16)}
}

func (h *handler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.stopCurrent(h.s.cfg.Grace)
			return
		case msg := <-h.ctrl:
			var err error
			switch msg.kind {
			case ctrlStart:
				err = h.startOp(msg.source, msg.progress)
			case ctrlStop:
				h.stopCurrent(msg.grace)
			case ctrlShutdown:
				h.stopCurrent(msg.grace)
				if msg.reply != nil {
					msg.reply <- nil
				}
				return
			}
			if msg.reply != nil {
				msg.reply <- err
			}
		}
	}
}

// startOp performs one deployment: replace any live instance, materialize the
// payload, launch, and attach the reaper. Registry bookkeeping never leaves a
// record in deploying on failure.
func (h *handler) startOp(source string, progress func(string)) error {
	reg := h.s.cfg.Registry

	if h.proc != nil {
		if h.proc.Alive() {
			emit(progress, "Stopping previous instance")
		}
		h.stopCurrent(h.s.cfg.Grace)
	}

	reg.Upsert(registry.Record{Name: h.name, Source: source, Status: registry.StatusPending})
	emit(progress, "Starting deployment")
	reg.Update(h.name, func(r *registry.Record) { r.Status = registry.StatusDeploying })

	workFile, err := h.s.cfg.Executor.Prepare(h.name, source)
	if err != nil {
		h.markFailed(0, fmt.Sprintf("prepare payload: %v", err))
		return &process.LaunchError{Name: h.name, Err: err}
	}

	sink, logPath, err := h.s.cfg.AppLogs.Writer(h.name)
	if err != nil {
		h.markFailed(0, fmt.Sprintf("open log sink: %v", err))
		return &process.LaunchError{Name: h.name, Err: err}
	}

	cmd := h.s.cfg.Executor.Command(workFile, h.s.cfg.ExtraEnv)
	p := process.New(h.name)
	if err := p.Start(cmd, sink, h.s.lines); err != nil {
		h.markFailed(0, err.Error())
		return err
	}

	st := p.Snapshot()
	reg.Update(h.name, func(r *registry.Record) {
		r.Status = registry.StatusRunning
		r.PID = st.PID
		r.StartedAt = st.StartedAt
		r.EndedAt = time.Time{}
		r.Exit = nil
		r.LogPath = logPath
		r.WorkFile = workFile
	})
	emit(progress, fmt.Sprintf("Process started (PID: %d)", st.PID))

	h.proc = p
	h.reaped = make(chan struct{})
	go h.reap(p, h.reaped)

	metrics.IncDeploy(h.name)
	h.s.emitStatus(h.name, registry.StatusRunning, st.PID, nil)
	h.s.recordHistory(history.Event{
		Type: history.EventStarted, OccurredAt: st.StartedAt, App: h.name, PID: st.PID,
	})
	h.s.log.Info("app started", "app", h.name, "pid", st.PID, "log", logPath)
	return nil
}

// reap waits for the run to end and publishes exactly one terminal
// status-changed event, commanded stop or not.
func (h *handler) reap(p *process.Process, done chan struct{}) {
	defer close(done)
	st := p.Reap()

	exit := &registry.ExitInfo{Code: st.ExitCode}
	if st.ExitErr != nil {
		exit.Message = st.ExitErr.Error()
	}

	var final registry.Status
	var histType history.EventType
	switch {
	case p.StopRequested():
		final = registry.StatusStopped
		histType = history.EventStopped
		metrics.IncStop(h.name)
	case st.ExitCode == 0:
		final = registry.StatusStopped
		histType = history.EventStopped
		metrics.IncStop(h.name)
	default:
		final = registry.StatusFailed
		histType = history.EventCrashed
		metrics.IncCrash(h.name)
	}

	h.s.cfg.Registry.Update(h.name, func(r *registry.Record) {
		r.Status = final
		r.EndedAt = st.StoppedAt
		r.Exit = exit
		r.PID = 0
	})
	h.s.emitStatus(h.name, final, st.PID, exit)
	h.s.recordHistory(history.Event{
		Type: histType, OccurredAt: st.StoppedAt, App: h.name,
		PID: st.PID, ExitCode: st.ExitCode, Detail: exit.Message,
	})
	h.s.log.Info("app exited", "app", h.name, "pid", st.PID, "code", st.ExitCode, "status", string(final))
}

// stopCurrent terminates the live run, if any, and always waits for the
// reaper to finish its bookkeeping so a subsequent start for this name
// observes the terminal state. The wait matters even when the process has
// already exited on its own: the reaper may still be between Reap returning
// and its registry update, and that stale terminal update must not land
// after a new run is marked running.
func (h *handler) stopCurrent(grace time.Duration) {
	p := h.proc
	done := h.reaped
	if p == nil {
		return
	}
	if p.Alive() {
		_ = p.Stop(grace)
	}
	if done != nil {
		<-done
	}
	h.proc = nil
	h.reaped = nil
}

// markFailed resolves a failed deployment; a record never stays deploying.
func (h *handler) markFailed(pid int, msg string) {
	exit := &registry.ExitInfo{Code: -1, Message: msg}
	h.s.cfg.Registry.Update(h.name, func(r *registry.Record) {
		r.Status = registry.StatusFailed
		r.EndedAt = time.Now()
		r.Exit = exit
	})
	h.s.emitStatus(h.name, registry.StatusFailed, pid, exit)
	h.s.recordHistory(history.Event{
		Type: history.EventFailed, OccurredAt: time.Now(), App: h.name, Detail: msg,
	})
	h.s.log.Warn("deployment failed", "app", h.name, "error", msg)
}

func emit(progress func(string), stage string) {
	if progress != nil {
		progress(stage)
	}
}
