// Package supervisor manages the lifecycle of one externally spawned
// long-running process: start, liveness probing, graceful stop with forceful
// escalation, and log tailing. At most one process is supervised per session.
package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateCrashed  State = "CRASHED"
)

// Command describes the long-running process to spawn.
type Command struct {
	Path string
	Args []string
	Dir  string
}

// Record identifies the supervised process. It is owned exclusively by the
// supervisor: absent when nothing has been started, cleared on stop or on a
// detected crash.
type Record struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	LogPath   string    `json:"log_path"`
}

// Options configures a supervisor.
type Options struct {
	// LogPath receives the process's combined stdout/stderr.
	LogPath string
	// PIDPath persists the Record so operators can inspect it; optional.
	PIDPath string
	// GracefulTimeout bounds the SIGTERM wait before escalating to SIGKILL.
	GracefulTimeout time.Duration
}

// Supervisor drives one external process. Callers are expected to serialize
// Start/Stop/Status externally (the single-threaded dispatcher does), but a
// mutex keeps the supervisor itself coherent regardless.
type Supervisor struct {
	mu    sync.Mutex
	opts  Options
	cmd   *Command
	state State
	rec   *Record
}

// New returns a supervisor in the STOPPED state with no configured command.
func New(opts Options) *Supervisor {
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = 5 * time.Second
	}
	return &Supervisor{opts: opts, state: StateStopped}
}

// Configure installs the command to supervise. Calling Start before
// Configure fails with a descriptive error.
func (s *Supervisor) Configure(cmd Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmd = &cmd
}

// Start spawns the configured command detached from the caller (own session,
// output to the log file). RUNNING means the spawn was accepted; readiness
// of the service inside is the capability's concern, not ours.
func (s *Supervisor) Start() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return Record{}, fmt.Errorf("no process has been configured; nothing to start")
	}
	s.reconcileLocked()
	if s.state == StateRunning || s.state == StateStarting {
		return Record{}, fmt.Errorf("process already %s (pid %d)", strings.ToLower(string(s.state)), s.pidLocked())
	}

	logFile, err := os.OpenFile(s.opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Record{}, fmt.Errorf("open process log: %w", err)
	}
	defer logFile.Close()

	s.state = StateStarting
	c := exec.Command(s.cmd.Path, s.cmd.Args...)
	c.Dir = s.cmd.Dir
	c.Stdout = logFile
	c.Stderr = logFile
	c.Stdin = nil
	// New session: the process survives us and SIGTERM can target the whole
	// group (npm spawns node as a child).
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := c.Start(); err != nil {
		s.state = StateStopped
		return Record{}, fmt.Errorf("spawn %s: %w", s.cmd.Path, err)
	}

	rec := Record{PID: c.Process.Pid, StartedAt: time.Now().UTC(), LogPath: s.opts.LogPath}
	s.rec = &rec
	s.state = StateRunning
	s.writePIDFileLocked()

	// Reap in the background so an exited child does not linger as a zombie
	// and confuse liveness probes.
	go func() { _ = c.Wait() }()

	return rec, nil
}

// Status re-probes process liveness by pid on every call; a cached flag is
// never trusted because the process can die independently of us.
func (s *Supervisor) Status() (State, *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked()
	if s.rec == nil {
		return s.state, nil
	}
	rec := *s.rec
	return s.state, &rec
}

// Stop sends SIGTERM to the process group, waits up to the graceful timeout,
// then escalates to SIGKILL. Stopping an already-stopped supervisor is a
// no-op success.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reconcileLocked()
	switch s.state {
	case StateStopped:
		return nil
	case StateCrashed:
		s.state = StateStopped
		return nil
	}

	rec := s.rec
	if rec == nil {
		s.state = StateStopped
		return nil
	}

	s.state = StateStopping
	s.signalGroup(rec.PID, syscall.SIGTERM)

	if waitForExit(rec.PID, s.opts.GracefulTimeout) {
		s.clearLocked()
		return nil
	}

	s.signalGroup(rec.PID, syscall.SIGKILL)
	killWait := s.opts.GracefulTimeout
	if killWait < time.Second {
		killWait = time.Second
	}
	if killWait > 10*time.Second {
		killWait = 10 * time.Second
	}
	if !waitForExit(rec.PID, killWait) {
		s.state = StateRunning
		return fmt.Errorf("process %d did not exit after SIGKILL", rec.PID)
	}
	s.clearLocked()
	return nil
}

// TailLog returns the last n lines of the process log. A missing log file is
// reported through the boolean, never as an error.
func (s *Supervisor) TailLog(n int) ([]string, bool, error) {
	b, err := os.ReadFile(s.opts.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read process log: %w", err)
	}
	text := strings.TrimRight(string(b), "\n")
	if text == "" {
		return []string{}, true, nil
	}
	lines := strings.Split(text, "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, true, nil
}

func (s *Supervisor) pidLocked() int {
	if s.rec == nil {
		return 0
	}
	return s.rec.PID
}

// reconcileLocked detects a process that vanished without an explicit Stop.
func (s *Supervisor) reconcileLocked() {
	if s.state != StateRunning && s.state != StateStarting {
		return
	}
	if s.rec == nil || PIDAlive(s.rec.PID) {
		return
	}
	s.state = StateCrashed
	s.rec = nil
	s.removePIDFileLocked()
}

func (s *Supervisor) clearLocked() {
	s.state = StateStopped
	s.rec = nil
	s.removePIDFileLocked()
}

// signalGroup targets the process group created by Setsid, falling back to
// the single pid when group signaling is not possible.
func (s *Supervisor) signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = syscall.Kill(pid, sig)
	}
}

func (s *Supervisor) writePIDFileLocked() {
	if s.opts.PIDPath == "" || s.rec == nil {
		return
	}
	b, err := json.Marshal(s.rec)
	if err != nil {
		return
	}
	_ = os.WriteFile(s.opts.PIDPath, append(b, '\n'), 0o644)
}

func (s *Supervisor) removePIDFileLocked() {
	if s.opts.PIDPath == "" {
		return
	}
	_ = os.Remove(s.opts.PIDPath)
}

// waitForExit polls liveness with an adaptive interval until the deadline.
func waitForExit(pid int, grace time.Duration) bool {
	if !PIDAlive(pid) {
		return true
	}
	poll := grace / 5
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	if poll > 100*time.Millisecond {
		poll = 100 * time.Millisecond
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		time.Sleep(poll)
		if !PIDAlive(pid) {
			return true
		}
	}
	return !PIDAlive(pid)
}
