package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"speakingbot/core"
)

const (
	// pollInterval is how often graceful termination re-checks liveness.
	pollInterval = 100 * time.Millisecond
	// killWait bounds the wait for SIGKILL to take effect.
	killWait = time.Second
	// scannerBufferSize allows long worker log lines (stack traces, payload dumps).
	scannerBufferSize = 256 * 1024
)

// LaunchSpec describes one worker process launch. The worker receives the
// documented CLI argument set and a copy of the relay's environment, and
// dials back into the relay on WebSocketURL.
type LaunchSpec struct {
	SessionID      string
	MeetingURL     string
	WebSocketURL   string
	PersonaJSON    []byte // opaque persona payload, passed through verbatim
	AudioFrequency string
	EnableTools    bool
	APIKey         string
	ExternalBotID  string
}

// Process is a handle on one spawned worker.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{} // closed when the process has exited

	mu      sync.Mutex
	exitErr error
}

// PID returns the worker's OS process id.
func (p *Process) PID() int {
	return p.pid
}

// Done returns a channel closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the process has not yet exited.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Supervisor launches worker processes and owns the session→process table.
// Teardown is idempotent end to end: stopping a missing or already-exited
// process succeeds immediately.
type Supervisor struct {
	command []string // program plus fixed leading arguments
	logger  *core.Logger

	mu    sync.Mutex
	procs map[string]*Process
}

// New creates a supervisor spawning workers with the given base command.
func New(command []string, logger *core.Logger) *Supervisor {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Supervisor{
		command: command,
		logger:  logger.With(map[string]interface{}{"component": "supervisor"}),
		procs:   make(map[string]*Process),
	}
}

// Start spawns the worker for a session and records it in the process table.
// It returns once the process has been launched, without waiting for the
// worker to reach readiness.
func (s *Supervisor) Start(spec LaunchSpec) error {
	if len(s.command) == 0 {
		return fmt.Errorf("supervisor: no worker command configured")
	}

	args := append(append([]string(nil), s.command[1:]...), buildArgs(spec)...)
	cmd := exec.Command(s.command[0], args...)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start worker for %s: %w", spec.SessionID, err)
	}

	proc := &Process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	log := s.logger.With(map[string]interface{}{"session_id": spec.SessionID, "pid": proc.pid})
	log.Info("worker process started")

	// Worker diagnostics land in the relay's own log stream. Observability
	// only: a worker that logs nothing still relays fine.
	go s.streamOutput(stdout, log.With(map[string]interface{}{"stream": "stdout"}))
	go s.streamOutput(stderr, log.With(map[string]interface{}{"stream": "stderr"}))

	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.exitErr = err
		proc.mu.Unlock()
		close(proc.done)
		if err != nil {
			log.With(map[string]interface{}{"error": err}).Warn("worker process exited")
		} else {
			log.Info("worker process exited")
		}
	}()

	s.mu.Lock()
	s.procs[spec.SessionID] = proc
	s.mu.Unlock()
	return nil
}

// Watch returns the done channel for the session's process, or nil if no
// process is recorded for it.
func (s *Supervisor) Watch(sessionID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[sessionID]
	if !ok {
		return nil
	}
	return proc.done
}

// Lookup returns the session's process handle, or nil.
func (s *Supervisor) Lookup(sessionID string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[sessionID]
}

// Stop terminates the session's worker and removes it from the table. The
// return value reports whether the process exited gracefully (true) or had
// to be force-killed (false); both count as torn down, and a missing or
// already-exited process is graceful. Stop never fails: it runs inside the
// broader teardown sequence, which must complete regardless.
func (s *Supervisor) Stop(sessionID string, timeout time.Duration) bool {
	s.mu.Lock()
	proc, ok := s.procs[sessionID]
	if ok {
		delete(s.procs, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return true
	}
	return s.terminate(sessionID, proc, timeout)
}

// terminate implements the signal, poll-with-timeout, force-kill protocol.
func (s *Supervisor) terminate(sessionID string, proc *Process, timeout time.Duration) bool {
	if !proc.Alive() {
		return true
	}

	log := s.logger.With(map[string]interface{}{"session_id": sessionID, "pid": proc.pid})

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.With(map[string]interface{}{"error": err}).Error("could not signal worker")
		s.lastDitchKill(proc, log)
		return false
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-proc.done:
			log.Info("worker terminated gracefully")
			return true
		case <-time.After(pollInterval):
		}
	}

	log.Warn("worker did not exit in time, force-killing")
	s.lastDitchKill(proc, log)
	return false
}

func (s *Supervisor) lastDitchKill(proc *Process, log *core.Logger) {
	if err := proc.cmd.Process.Kill(); err != nil {
		log.With(map[string]interface{}{"error": err}).Debug("kill failed")
	}
	select {
	case <-proc.done:
	case <-time.After(killWait):
		log.Error("worker still running after kill")
	}
}

func (s *Supervisor) streamOutput(pipe interface{ Read([]byte) (int, error) }, log *core.Logger) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 4096), scannerBufferSize)
	for scanner.Scan() {
		log.Info(scanner.Text())
	}
}

// buildArgs assembles the worker CLI from a launch spec.
func buildArgs(spec LaunchSpec) []string {
	args := []string{
		"--client-id", spec.SessionID,
		"--websocket-url", spec.WebSocketURL,
		"--meeting-url", spec.MeetingURL,
		"--persona-data-json", string(spec.PersonaJSON),
		"--streaming-audio-frequency", spec.AudioFrequency,
	}
	if spec.EnableTools {
		args = append(args, "--enable-tools")
	}
	if spec.APIKey != "" {
		args = append(args, "--api-key", spec.APIKey)
	}
	if spec.ExternalBotID != "" {
		args = append(args, "--external-bot-id", spec.ExternalBotID)
	}
	return args
}
