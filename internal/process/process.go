// Package process owns a single supervised child process: starting it in its
// own process group, relaying its output line by line, and reaping it with
// graceful-then-forced termination.
package process

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultGrace is the termination grace window when the caller passes none.
const DefaultGrace = 5 * time.Second

// killReapWindow bounds how long Stop/Kill wait for the reaper after SIGKILL.
const killReapWindow = 200 * time.Millisecond

// Line is one captured output line of a supervised app.
type Line struct {
	App    string
	Stream string // "stdout" or "stderr"
	Text   string
	At     time.Time
}

// LaunchError wraps a failure to spawn the interpreter.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string { return "launch " + e.Name + ": " + e.Err.Error() }
func (e *LaunchError) Unwrap() error { return e.Err }

// IsLaunchError reports whether err is (or wraps) a LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// Status is a point-in-time snapshot of the child process state.
type Status struct {
	Name      string
	Running   bool
	PID       int
	StartedAt time.Time
	StoppedAt time.Time
	ExitCode  int
	ExitErr   error
}

// Process supervises one run of one app. A Process is single-use: start it
// once, reap it once. The supervisor creates a fresh Process per run.
type Process struct {
	name string

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   Status
	stopping bool          // Stop requested; reaper classifies exit as stop, not crash
	waitDone chan struct{} // closed by Reap when cmd.Wait returns

	logSink io.WriteCloser
	relayWG sync.WaitGroup
}

func New(name string) *Process {
	return &Process{name: name, status: Status{Name: name}}
}

// Start launches cmd in its own process group and begins relaying its output.
// Every line is written to logSink (when non-nil) and sent to lines. The
// caller must keep draining lines until Reap returns.
func (p *Process) Start(cmd *exec.Cmd, logSink io.WriteCloser, lines chan<- Line) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeIf(logSink)
		return &LaunchError{Name: p.name, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeIf(logSink)
		return &LaunchError{Name: p.name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		closeIf(logSink)
		return &LaunchError{Name: p.name, Err: err}
	}

	p.mu.Lock()
	p.cmd = cmd
	p.logSink = logSink
	p.waitDone = make(chan struct{})
	p.status = Status{
		Name:      p.name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	p.mu.Unlock()

	p.relayWG.Add(2)
	go p.relay(stdout, "stdout", lines)
	go p.relay(stderr, "stderr", lines)
	return nil
}

// relay scans one stream to EOF, mirroring every line into the log sink and
// the lines channel. Per-stream order is preserved.
func (p *Process) relay(r io.Reader, stream string, lines chan<- Line) {
	defer p.relayWG.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		text := sc.Text()
		p.mu.Lock()
		sink := p.logSink
		p.mu.Unlock()
		if sink != nil {
			_, _ = sink.Write([]byte(text + "\n"))
		}
		lines <- Line{App: p.name, Stream: stream, Text: text, At: time.Now()}
	}
}

// Reap waits for the process to exit, finalizes state, and returns the
// terminal snapshot. Must be called exactly once after a successful Start;
// the supervisor runs it on a dedicated goroutine so exits are observed even
// without a stop command.
func (p *Process) Reap() Status {
	// Pipes must be fully drained before Wait per os/exec contract.
	p.relayWG.Wait()

	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	err := cmd.Wait()

	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.status.ExitCode = exitCode(cmd, err)
	sink := p.logSink
	p.logSink = nil
	done := p.waitDone
	p.waitDone = nil
	st := p.status
	p.mu.Unlock()

	closeIf(sink)
	if done != nil {
		close(done)
	}
	return st
}

// Stop requests graceful termination of the process group and escalates to
// SIGKILL when the process has not exited within grace. No-op when the
// process is not running.
func (p *Process) Stop(grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGrace
	}
	p.mu.Lock()
	if !p.status.Running || p.cmd == nil || p.cmd.Process == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	pid := p.cmd.Process.Pid
	done := p.waitDone
	p.mu.Unlock()

	_ = syscall.Kill(-pid, syscall.SIGTERM)
	if done == nil {
		return nil // already reaped concurrently
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-done:
	case <-time.After(killReapWindow):
		// best-effort; reaper will finish shortly
	}
	return nil
}

// Kill force-terminates the process group without a grace window.
func (p *Process) Kill() {
	p.mu.Lock()
	if !p.status.Running || p.cmd == nil || p.cmd.Process == nil {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	pid := p.cmd.Process.Pid
	done := p.waitDone
	p.mu.Unlock()

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	if done != nil {
		select {
		case <-done:
		case <-time.After(killReapWindow):
		}
	}
}

// StopRequested reports whether Stop or Kill was called; the reaper uses it
// to distinguish a commanded stop from a crash.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Alive reports whether the process is running per last observed state.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.Running
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
