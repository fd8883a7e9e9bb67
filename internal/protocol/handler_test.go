package protocol

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tri2510/uda-deployment-agent/internal/identity"
	"github.com/tri2510/uda-deployment-agent/internal/registry"
	"github.com/tri2510/uda-deployment-agent/internal/supervisor"
)

type sentEvent struct {
	Event   string
	Payload any
}

type captureSender struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (c *captureSender) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentEvent{Event: event, Payload: payload})
	return nil
}

func (c *captureSender) replies() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Reply
	for _, s := range c.sent {
		if s.Event == EventKitReply {
			out = append(out, s.Payload.(Reply))
		}
	}
	return out
}

// waitReplies polls until at least n kit replies arrived.
func (c *captureSender) waitReplies(t *testing.T, n int) []Reply {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rs := c.replies(); len(rs) >= n {
			return rs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d replies, got %d", n, len(c.replies()))
	return nil
}

type fakeApps struct {
	mu        sync.Mutex
	deployed  map[string]string
	stops     []string
	ops       []string
	deployErr error
	stopErr   error
	stages    []string
	running   int
}

func newFakeApps() *fakeApps {
	return &fakeApps{deployed: make(map[string]string)}
}

func (f *fakeApps) Deploy(name, source string, progress func(stage string)) error {
	if progress != nil {
		for _, st := range f.stages {
			progress(st)
		}
	}
	if f.deployErr != nil {
		return f.deployErr
	}
	f.mu.Lock()
	f.deployed[name] = source
	f.ops = append(f.ops, "deploy "+name)
	f.running++
	f.mu.Unlock()
	return nil
}

func (f *fakeApps) Stop(name string, grace time.Duration) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.mu.Lock()
	f.stops = append(f.stops, name)
	f.ops = append(f.ops, "stop "+name)
	f.mu.Unlock()
	return nil
}

func (f *fakeApps) opsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeApps) Inventory() []registry.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.Record, 0, len(f.deployed))
	for name := range f.deployed {
		out = append(out, registry.Record{Name: name, Status: registry.StatusRunning, PID: 111})
	}
	return out
}

func (f *fakeApps) RunningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func newTestHandler(apps AppManager, sender Sender) *Handler {
	return NewHandler(Config{
		Identity: identity.Identity{RuntimeID: "UDA-test", KitID: "Runtime-UDA-test"},
		Apps:     apps,
		Sender:   sender,
	})
}

func rawCommand(t *testing.T, c Command) []byte {
	t.Helper()
	b, err := json.Marshal(c)
	require.NoError(t, err)
	return b
}

func terminalOf(rs []Reply) []Reply {
	var out []Reply
	for _, r := range rs {
		if r.IsDone {
			out = append(out, r)
		}
	}
	return out
}

func TestRuntimeInfoReply(t *testing.T) {
	apps := newFakeApps()
	require.NoError(t, apps.Deploy("speed-watch", "print(1)", nil))
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	h.HandleRaw(rawCommand(t, Command{Cmd: CmdGetRuntimeInfo, RequestFrom: "client-1"}))

	rs := sender.waitReplies(t, 1)
	r := rs[0]
	require.True(t, r.IsDone)
	require.Equal(t, 0, r.Code)
	require.Equal(t, "Runtime-UDA-test", r.KitID)
	require.Equal(t, "client-1", r.RequestFrom)

	var info RuntimeInfo
	require.NoError(t, json.Unmarshal([]byte(r.Result), &info))
	require.Equal(t, "online", info.Status)
	require.Len(t, info.Apps, 1)
	require.Equal(t, "speed-watch", info.Apps[0].Name)
}

func TestDeployProgressAndTerminal(t *testing.T) {
	apps := newFakeApps()
	apps.stages = []string{"Starting deployment", "Process started (PID: 42)"}
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	h.HandleRaw(rawCommand(t, Command{
		Cmd:         CmdDeployRequest,
		RequestFrom: "client-1",
		Name:        "speed-watch",
		Code:        "print('hi')",
	}))

	rs := sender.waitReplies(t, 3)
	term := terminalOf(rs)
	require.Len(t, term, 1, "exactly one terminal reply")
	require.Equal(t, 0, term[0].Code)
	require.Equal(t, "App deployed successfully", term[0].Result)
	require.NotEmpty(t, term[0].Token)

	for _, r := range rs {
		if !r.IsDone {
			require.Contains(t, r.Result, "Deploying speed-watch:")
			require.Equal(t, term[0].Token, r.Token, "progress shares the deploy token")
		}
	}
	require.Equal(t, "print('hi')", apps.deployed["speed-watch"])
}

func TestDeployPrefersConvertedCode(t *testing.T) {
	apps := newFakeApps()
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	h.HandleRaw(rawCommand(t, Command{
		Cmd:           CmdDeployAndRun,
		RequestFrom:   "client-1",
		Name:          "lights",
		Code:          "original",
		ConvertedCode: "converted",
	}))

	sender.waitReplies(t, 1)
	require.Equal(t, "converted", apps.deployed["lights"])
}

func TestRunPythonAppNoProgress(t *testing.T) {
	apps := newFakeApps()
	apps.stages = []string{"would-be-progress"}
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	h.HandleRaw(rawCommand(t, Command{
		Cmd:         CmdRunPythonApp,
		RequestFrom: "client-1",
		Name:        "lights",
		Code:        "print(2)",
	}))

	rs := sender.waitReplies(t, 1)
	require.Len(t, rs, 1, "run replies only with the terminal")
	require.True(t, rs[0].IsDone)
	require.Equal(t, "App started successfully", rs[0].Result)
	require.Empty(t, rs[0].Token)
}

func TestStopUnknownAppSucceeds(t *testing.T) {
	apps := newFakeApps()
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	h.HandleRaw(rawCommand(t, Command{
		Cmd:         CmdStopPythonApp,
		RequestFrom: "client-1",
		Name:        "never-deployed",
	}))

	rs := sender.waitReplies(t, 1)
	require.True(t, rs[0].IsDone)
	require.Equal(t, 0, rs[0].Code)
	require.Equal(t, []string{"never-deployed"}, apps.stops)
}

func TestUnknownCommandRejected(t *testing.T) {
	apps := newFakeApps()
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	h.HandleRaw(rawCommand(t, Command{Cmd: "reboot_vehicle", RequestFrom: "client-1"}))

	rs := sender.waitReplies(t, 1)
	require.True(t, rs[0].IsDone)
	require.Equal(t, 1, rs[0].Code)
	require.Empty(t, apps.deployed)
}

func TestDeployWithoutCodeRejected(t *testing.T) {
	apps := newFakeApps()
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	h.HandleRaw(rawCommand(t, Command{
		Cmd:         CmdDeployRequest,
		RequestFrom: "client-1",
		Name:        "speed-watch",
	}))

	rs := sender.waitReplies(t, 1)
	require.True(t, rs[0].IsDone)
	require.Equal(t, 1, rs[0].Code)
	require.Empty(t, apps.deployed, "nothing deployed on a rejected command")
}

func TestKitIDFiltering(t *testing.T) {
	apps := newFakeApps()
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	h.HandleRaw(rawCommand(t, Command{
		Cmd:         CmdGetRuntimeInfo,
		RequestFrom: "client-1",
		ToKitID:     "Runtime-someone-else",
	}))
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sender.replies(), "commands for other runtimes are ignored")

	h.HandleRaw(rawCommand(t, Command{
		Cmd:         CmdGetRuntimeInfo,
		RequestFrom: "client-1",
		ToKitID:     BroadcastKitID,
	}))
	sender.waitReplies(t, 1)

	h.HandleRaw(rawCommand(t, Command{
		Cmd:         CmdGetRuntimeInfo,
		RequestFrom: "client-1",
		ToKitID:     "Runtime-UDA-test",
	}))
	sender.waitReplies(t, 2)
}

func TestMalformedPayloadReply(t *testing.T) {
	apps := newFakeApps()
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	h.HandleRaw([]byte(`{"cmd": "deploy_request", "request_from": "client-1", "name": 7}`))

	rs := sender.waitReplies(t, 1)
	require.True(t, rs[0].IsDone)
	require.Equal(t, 1, rs[0].Code)
	require.Equal(t, CmdDeployRequest, rs[0].Cmd)
}

func TestMalformedPayloadWithoutCmdGetsPlaceholder(t *testing.T) {
	apps := newFakeApps()
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	h.HandleRaw([]byte(`{"request_from": "client-1", "name": 7}`))

	rs := sender.waitReplies(t, 1)
	require.True(t, rs[0].IsDone)
	require.Equal(t, 1, rs[0].Code)
	require.Equal(t, "unknown", rs[0].Cmd, "requester can classify the failure")
}

func TestDeployFailureTerminal(t *testing.T) {
	apps := newFakeApps()
	apps.deployErr = errDeploy{}
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	h.HandleRaw(rawCommand(t, Command{
		Cmd:         CmdDeployRequest,
		RequestFrom: "client-1",
		Name:        "speed-watch",
		Code:        "print(1)",
	}))

	rs := sender.waitReplies(t, 1)
	term := terminalOf(rs)
	require.Len(t, term, 1)
	require.Equal(t, 1, term[0].Code)
	require.Contains(t, term[0].Result, "python interpreter missing")
}

type errDeploy struct{}

func (errDeploy) Error() string { return "python interpreter missing" }

func TestRegistrationAndHeartbeatPayloads(t *testing.T) {
	apps := newFakeApps()
	require.NoError(t, apps.Deploy("speed-watch", "print(1)", nil))
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	reg := h.RegistrationPayload()
	require.Equal(t, "Runtime-UDA-test", reg.KitID)
	require.Equal(t, "UDA-test", reg.Name)
	require.NotEmpty(t, reg.Capabilities)
	require.Len(t, reg.Apps, 1)

	hb := h.HeartbeatPayload()
	require.Equal(t, "Runtime-UDA-test", hb.KitID)
	require.Equal(t, 1, hb.NoOfRunner)
	require.Len(t, hb.Apps, 1)
}

func TestPumpEventsForwardsOutputAndStatus(t *testing.T) {
	apps := newFakeApps()
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	events := make(chan supervisor.Event, 4)
	done := make(chan struct{})
	go h.PumpEvents(done, events)

	events <- supervisor.Event{
		Type:   supervisor.EventOutput,
		App:    "speed-watch",
		Stream: "stdout",
		Text:   "speed=42",
		At:     time.Now(),
	}
	events <- supervisor.Event{
		Type:   supervisor.EventStatus,
		App:    "speed-watch",
		Status: registry.StatusRunning,
		PID:    77,
		At:     time.Now(),
	}
	close(events)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sender.mu.Lock()
		n := len(sender.sent)
		sender.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(done)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 2)
	require.Equal(t, EventAppOutput, sender.sent[0].Event)
	out := sender.sent[0].Payload.(OutputEvent)
	require.Equal(t, "speed=42", out.Text)
	require.Equal(t, "stdout", out.Stream)
	require.Equal(t, EventAppStatus, sender.sent[1].Event)
	st := sender.sent[1].Payload.(StatusEvent)
	require.Equal(t, string(registry.StatusRunning), st.Status)
	require.Equal(t, 77, st.PID)
}

func TestPendingSweep(t *testing.T) {
	tbl := newPendingTable()
	id := tbl.add("client-1", CmdDeployRequest)
	require.Equal(t, 1, tbl.len())

	require.Equal(t, 0, tbl.sweep(time.Minute), "fresh entries survive")

	tbl.mu.Lock()
	pr := tbl.m[id]
	pr.IssuedAt = time.Now().Add(-2 * time.Minute)
	tbl.m[id] = pr
	tbl.mu.Unlock()

	require.Equal(t, 1, tbl.sweep(time.Minute))
	require.Equal(t, 0, tbl.len())

	tbl.complete(id)
	require.Equal(t, 0, tbl.len())
}

func TestSameNameCommandsApplyInReceiveOrder(t *testing.T) {
	apps := newFakeApps()
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	const rounds = 25
	for i := 0; i < rounds; i++ {
		h.HandleRaw(rawCommand(t, Command{
			Cmd:         CmdDeployRequest,
			RequestFrom: "client-1",
			Name:        "flip",
			Code:        "print(1)",
		}))
		h.HandleRaw(rawCommand(t, Command{
			Cmd:         CmdStopPythonApp,
			RequestFrom: "client-1",
			Name:        "flip",
		}))
	}

	sender.waitReplies(t, 2*rounds)
	ops := apps.opsSnapshot()
	require.Len(t, ops, 2*rounds)
	for i, op := range ops {
		if i%2 == 0 {
			require.Equal(t, "deploy flip", op, "op %d out of order", i)
		} else {
			require.Equal(t, "stop flip", op, "op %d out of order", i)
		}
	}
}

func TestDistinctNamesDispatchConcurrently(t *testing.T) {
	apps := newFakeApps()
	sender := &captureSender{}
	h := newTestHandler(apps, sender)

	names := []string{"a", "b", "c", "d"}
	for _, n := range names {
		h.HandleRaw(rawCommand(t, Command{
			Cmd:         CmdRunPythonApp,
			RequestFrom: "client-1",
			Name:        n,
			Code:        "print(1)",
		}))
	}
	sender.waitReplies(t, len(names))
	for _, n := range names {
		require.Contains(t, apps.deployed, n)
	}
}

func TestSweptRequestSilenced(t *testing.T) {
	sender := &captureSender{}
	h := newTestHandler(newFakeApps(), sender)

	id := h.pending.add("client-1", CmdDeployRequest)
	require.True(t, h.pending.has(id))
	h.pending.complete(id)
	require.False(t, h.pending.has(id))

	h.replyFor(id, "client-1", CmdDeployRequest, "late result", true, 0, "")
	require.Empty(t, sender.replies())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
		ok   bool
	}{
		{"runtime info needs nothing", Command{Cmd: CmdGetRuntimeInfo}, true},
		{"deploy ok", Command{Cmd: CmdDeployRequest, Name: "a", Code: "x"}, true},
		{"deploy converted only", Command{Cmd: CmdDeployAndRun, Name: "a", ConvertedCode: "x"}, true},
		{"deploy missing name", Command{Cmd: CmdDeployRequest, Code: "x"}, false},
		{"deploy missing code", Command{Cmd: CmdDeployRequest, Name: "a"}, false},
		{"run ok", Command{Cmd: CmdRunPythonApp, Name: "a", Code: "x"}, true},
		{"stop ok", Command{Cmd: CmdStopPythonApp, Name: "a"}, true},
		{"stop missing name", Command{Cmd: CmdStopPythonApp}, false},
		{"empty cmd", Command{}, false},
		{"unknown cmd", Command{Cmd: "self_destruct"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.cmd)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.True(t, IsProtocolError(err))
			}
		})
	}
}
