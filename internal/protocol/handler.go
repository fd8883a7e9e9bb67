package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tri2510/uda-deployment-agent/internal/identity"
	"github.com/tri2510/uda-deployment-agent/internal/metrics"
	"github.com/tri2510/uda-deployment-agent/internal/registry"
	"github.com/tri2510/uda-deployment-agent/internal/supervisor"
)

// Version is announced in the registration event.
const Version = "1.0.0-sdv"

// DefaultPendingTimeout bounds how long an in-flight correlation entry lives.
const DefaultPendingTimeout = 60 * time.Second

// Sender delivers one named event with a JSON payload to the kit server.
// Implementations serialize concurrent sends at the transport boundary.
type Sender interface {
	Send(event string, payload any) error
}

// AppManager is the supervisor surface the handler dispatches to.
type AppManager interface {
	Deploy(name, source string, progress func(stage string)) error
	Stop(name string, grace time.Duration) error
	Inventory() []registry.Record
	RunningCount() int
}

// Config assembles a Handler. Sender may be left nil and wired later with
// SetSender, which breaks the construction cycle with the transport.
type Config struct {
	Identity       identity.Identity
	Apps           AppManager
	Sender         Sender
	Logger         *slog.Logger
	Grace          time.Duration // stop grace timeout passed to the supervisor
	Capabilities   []string
	PendingTimeout time.Duration
}

// Handler drives the inbound command state machine
// (received -> validated -> dispatched -> terminal) and forwards supervisor
// events upstream.
type Handler struct {
	id      identity.Identity
	apps    AppManager
	send    Sender
	log     *slog.Logger
	grace   time.Duration
	caps    []string
	pending *pendingTable
	timeout time.Duration

	qmu    sync.Mutex
	queues map[string]chan *Command
}

func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []string{"python", "velocitas-sdk", "kuksa-databroker"}
	}
	return &Handler{
		id:      cfg.Identity,
		apps:    cfg.Apps,
		send:    cfg.Sender,
		log:     cfg.Logger,
		grace:   cfg.Grace,
		caps:    cfg.Capabilities,
		pending: newPendingTable(),
		timeout: cfg.PendingTimeout,
		queues:  make(map[string]chan *Command),
	}
}

// SetSender wires the outbound channel. Must be called before the first
// message is handled.
func (h *Handler) SetSender(s Sender) { h.send = s }

// HandleRaw decodes and dispatches one inbound command payload. Commands
// carrying an app name are enqueued synchronously onto a per-name queue, so
// two commands for the same app always reach the supervisor in receive
// order; nameless queries run on their own goroutine.
func (h *Handler) HandleRaw(raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		// Try to salvage the requester so the failure is not silent.
		var partial struct {
			RequestFrom string `json:"request_from"`
			Cmd         string `json:"cmd"`
		}
		_ = json.Unmarshal(raw, &partial)
		if partial.Cmd == "" {
			partial.Cmd = "unknown"
		}
		h.log.Warn("malformed command payload", "error", err)
		metrics.IncCommand(partial.Cmd, "malformed")
		if partial.RequestFrom != "" {
			h.reply(partial.RequestFrom, partial.Cmd, "malformed command payload", true, 1, "")
		}
		return
	}
	if cmd.ToKitID != "" && cmd.ToKitID != BroadcastKitID && cmd.ToKitID != h.id.KitID {
		h.log.Debug("ignoring command addressed elsewhere", "to", cmd.ToKitID, "cmd", cmd.Cmd)
		return
	}
	if cmd.Name == "" {
		go h.dispatch(&cmd)
		return
	}
	h.queueFor(cmd.Name) <- &cmd
}

// queueFor returns the ordered command queue for name, starting its worker
// on first use. The worker serializes all commands for one app while
// different apps proceed concurrently, mirroring the supervisor's per-name
// handler.
func (h *Handler) queueFor(name string) chan<- *Command {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	q, ok := h.queues[name]
	if !ok {
		q = make(chan *Command, 16)
		h.queues[name] = q
		go func() {
			for c := range q {
				h.dispatch(c)
			}
		}()
	}
	return q
}

// dispatch runs the command to its single terminal reply.
func (h *Handler) dispatch(cmd *Command) {
	reqID := h.pending.add(cmd.RequestFrom, cmd.Cmd)
	defer h.pending.complete(reqID)

	if err := Validate(cmd); err != nil {
		metrics.IncCommand(cmd.Cmd, "rejected")
		h.replyFor(reqID, cmd.RequestFrom, cmd.Cmd, err.Error(), true, 1, "")
		return
	}

	switch cmd.Cmd {
	case CmdGetRuntimeInfo:
		h.handleRuntimeInfo(reqID, cmd)
	case CmdDeployRequest, CmdDeployAndRun:
		h.handleDeploy(reqID, cmd, true)
	case CmdRunPythonApp:
		h.handleDeploy(reqID, cmd, false)
	case CmdStopPythonApp:
		h.handleStop(reqID, cmd)
	}
}

func (h *Handler) handleRuntimeInfo(reqID string, cmd *Command) {
	info := RuntimeInfo{
		RuntimeID:   h.id.KitID,
		RuntimeName: h.id.RuntimeID,
		Status:      "online",
		Apps:        appInfos(h.apps.Inventory()),
	}
	b, err := json.Marshal(info)
	if err != nil {
		metrics.IncCommand(cmd.Cmd, "error")
		h.replyFor(reqID, cmd.RequestFrom, cmd.Cmd, err.Error(), true, 1, "")
		return
	}
	metrics.IncCommand(cmd.Cmd, "ok")
	h.replyFor(reqID, cmd.RequestFrom, cmd.Cmd, string(b), true, 0, "")
}

// handleDeploy serves both registry-tracked deploys (with progress replies
// and a deployment token) and direct runs (terminal reply only).
func (h *Handler) handleDeploy(reqID string, cmd *Command, tracked bool) {
	var token string
	var progress func(string)
	if tracked {
		token = uuid.NewString()[:8]
		progress = func(stage string) {
			msg := fmt.Sprintf("Deploying %s: %s", cmd.Name, stage)
			h.replyFor(reqID, cmd.RequestFrom, cmd.Cmd, msg, false, 0, token)
		}
	}

	if err := h.apps.Deploy(cmd.Name, cmd.Payload(), progress); err != nil {
		metrics.IncCommand(cmd.Cmd, "failed")
		h.replyFor(reqID, cmd.RequestFrom, cmd.Cmd, err.Error(), true, 1, token)
		return
	}
	h.announceState()
	metrics.IncCommand(cmd.Cmd, "ok")
	if tracked {
		h.replyFor(reqID, cmd.RequestFrom, cmd.Cmd, "App deployed successfully", true, 0, token)
	} else {
		h.replyFor(reqID, cmd.RequestFrom, cmd.Cmd, "App started successfully", true, 0, "")
	}
}

func (h *Handler) handleStop(reqID string, cmd *Command) {
	if err := h.apps.Stop(cmd.Name, h.grace); err != nil {
		metrics.IncCommand(cmd.Cmd, "failed")
		h.replyFor(reqID, cmd.RequestFrom, cmd.Cmd, err.Error(), true, 1, "")
		return
	}
	h.announceState()
	metrics.IncCommand(cmd.Cmd, "ok")
	h.replyFor(reqID, cmd.RequestFrom, cmd.Cmd, fmt.Sprintf("App %s stopped", cmd.Name), true, 0, "")
}

// replyFor sends a reply only while the originating request is still pending;
// once the sweeper has dropped it, nothing further goes out.
func (h *Handler) replyFor(reqID, requestFrom, cmd, result string, isDone bool, code int, token string) {
	if !h.pending.has(reqID) {
		h.log.Warn("dropping reply for swept request", "cmd", cmd, "request_from", requestFrom)
		return
	}
	h.reply(requestFrom, cmd, result, isDone, code, token)
}

func (h *Handler) reply(requestFrom, cmd, result string, isDone bool, code int, token string) {
	r := Reply{
		KitID:       h.id.KitID,
		RequestFrom: requestFrom,
		Cmd:         cmd,
		Result:      result,
		IsDone:      isDone,
		Code:        code,
		Token:       token,
	}
	if err := h.send.Send(EventKitReply, r); err != nil {
		h.log.Warn("reply send failed", "cmd", cmd, "error", err)
	}
}

// announceState pushes the runtime state after every mutation so the remote
// side does not have to wait for the next heartbeat.
func (h *Handler) announceState() {
	if err := h.send.Send(EventRuntimeState, h.HeartbeatPayload()); err != nil {
		h.log.Debug("runtime state push failed", "error", err)
	}
}

// RegistrationPayload builds the register_kit announcement.
func (h *Handler) RegistrationPayload() RegisterKit {
	return RegisterKit{
		KitID:        h.id.KitID,
		Name:         h.id.RuntimeID,
		Type:         "uda-agent",
		Platform:     runtime.GOOS,
		Capabilities: h.caps,
		SupportAPIs:  h.caps,
		Version:      Version,
		Desc:         "Universal Deployment Agent for SDV applications",
		Apps:         appInfos(h.apps.Inventory()),
	}
}

// HeartbeatPayload builds the periodic liveness announcement.
func (h *Handler) HeartbeatPayload() Heartbeat {
	return Heartbeat{
		KitID:      h.id.KitID,
		Timestamp:  time.Now(),
		NoOfRunner: h.apps.RunningCount(),
		Apps:       appInfos(h.apps.Inventory()),
	}
}

// PumpEvents forwards supervisor events upstream until events is closed or
// ctx is canceled. It also sweeps stale pending entries.
func (h *Handler) PumpEvents(done <-chan struct{}, events <-chan supervisor.Event) {
	sweep := time.NewTicker(h.timeout / 2)
	defer sweep.Stop()
	for {
		select {
		case <-done:
			return
		case <-sweep.C:
			if n := h.pending.sweep(h.timeout); n > 0 {
				h.log.Warn("dropped stale pending requests", "count", n)
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			h.forward(e)
		}
	}
}

func (h *Handler) forward(e supervisor.Event) {
	switch e.Type {
	case supervisor.EventOutput:
		out := OutputEvent{
			KitID:     h.id.KitID,
			App:       e.App,
			Stream:    e.Stream,
			Text:      e.Text,
			Timestamp: e.At,
		}
		if err := h.send.Send(EventAppOutput, out); err != nil {
			h.log.Debug("output event send failed", "app", e.App, "error", err)
		}
	case supervisor.EventStatus:
		st := StatusEvent{
			KitID:     h.id.KitID,
			App:       e.App,
			Status:    string(e.Status),
			PID:       e.PID,
			Exit:      e.Exit,
			Timestamp: e.At,
		}
		if err := h.send.Send(EventAppStatus, st); err != nil {
			h.log.Debug("status event send failed", "app", e.App, "error", err)
		}
	}
}

// PendingCount reports in-flight commands; used by the HTTP API.
func (h *Handler) PendingCount() int { return h.pending.len() }
