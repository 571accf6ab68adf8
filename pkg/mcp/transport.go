package mcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/deskwire/deskwire/pkg/log"
)

const (
	// startupGraceWindow is how long the child process must stay alive after
	// spawn before the launch counts as successful.
	startupGraceWindow = 1 * time.Second

	// maxReconnectBackoff caps the exponential reconnect delay.
	maxReconnectBackoff = 30 * time.Second

	stderrTailMax = 64
)

// wireTransport is the byte-oriented channel the client drives. *Transport is
// the production implementation; tests substitute an in-memory fake.
type wireTransport interface {
	Start(ctx context.Context) error
	Write(p []byte) error
	Stop() error
	Pid() int
	Alive() error
	Uptime() time.Duration
}

// Transport owns a single child process speaking the protocol over stdio.
// It spawns the process, exposes its stdin as a write channel, streams stdout
// chunks to the data callback, and reports unexpected exits.
type Transport struct {
	cfg Config

	onData func([]byte)
	onExit func(error)

	mu        sync.Mutex
	cmd       *exec.Cmd
	process   *os.Process
	stdin     io.WriteCloser
	cancel    context.CancelFunc
	started   bool
	stopped   bool
	confirmed bool // grace window elapsed; exits from now on are unexpected
	startTime time.Time
	waitDone  chan struct{}
	waitErr   error
	stderrLog []string
}

// NewTransport creates a transport. onData receives raw stdout chunks; onExit
// is invoked once when the process exits without Stop being called.
func NewTransport(cfg Config, onData func([]byte), onExit func(error)) *Transport {
	return &Transport{
		cfg:    cfg,
		onData: onData,
		onExit: onExit,
	}
}

// buildCommand resolves the direct or container-indirect launch argv.
func (t *Transport) buildCommand(ctx context.Context) *exec.Cmd {
	if t.cfg.ContainerName == "" {
		cmd := exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range t.cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		return cmd
	}

	// Indirect launch: run the server inside the container through the host
	// docker CLI, as a fixed non-root user, with stdin held open.
	args := []string{"exec", "-i", "-u", t.cfg.ContainerUser}
	for k, v := range t.cfg.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, t.cfg.ContainerName, t.cfg.Command)
	args = append(args, t.cfg.Args...)
	return exec.CommandContext(ctx, "docker", args...)
}

// Start spawns the child process and wires up the data, exit, and stderr
// streams. It fails with ErrSpawn if the process dies inside the startup
// grace window; such an exit is reported only through the returned error,
// never the exit callback.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("transport already started")
	}
	t.mu.Unlock()

	if t.cfg.ContainerName != "" {
		if err := inspectContainer(ctx, t.cfg.ContainerName); err != nil {
			return fmt.Errorf("%w: %v", ErrSpawn, err)
		}
	}

	cmdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := t.buildCommand(cmdCtx)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		_ = stdout.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stdout.Close()
		_ = stderr.Close()
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.process = cmd.Process
	t.stdin = stdin
	t.cancel = cancel
	t.started = true
	t.stopped = false
	t.confirmed = false
	t.startTime = time.Now()
	t.waitDone = make(chan struct{})
	t.waitErr = nil
	t.stderrLog = nil
	waitDone := t.waitDone
	t.mu.Unlock()

	go t.readStdout(stdout)
	go t.readStderr(stderr)

	go func() {
		err := cmd.Wait()
		t.mu.Lock()
		t.waitErr = err
		tail := strings.Join(t.stderrLog, " | ")
		// An exit inside the grace window is a spawn failure owned by Start's
		// return value; reporting it here too would schedule duplicate
		// recovery for one failure.
		unexpected := t.started && !t.stopped && t.confirmed
		if t.started && !t.stopped {
			t.started = false
		}
		t.mu.Unlock()
		close(waitDone)

		if unexpected {
			if tail != "" {
				log.Warn("child process exited unexpectedly", "error", err, "stderr_tail", tail)
			} else {
				log.Warn("child process exited unexpectedly", "error", err)
			}
			if t.onExit != nil {
				t.onExit(exitError(err, tail))
			}
		}
	}()

	log.Info("child process started",
		"pid", cmd.Process.Pid,
		"command", t.cfg.Command,
		"container", t.cfg.ContainerName,
	)

	select {
	case <-waitDone:
		t.mu.Lock()
		waitErr := t.waitErr
		tail := strings.Join(t.stderrLog, " | ")
		t.mu.Unlock()
		if tail != "" {
			return fmt.Errorf("%w: process exited during startup: %v (stderr: %s)", ErrSpawn, waitErr, tail)
		}
		return fmt.Errorf("%w: process exited during startup: %v", ErrSpawn, waitErr)
	case <-time.After(startupGraceWindow):
	}

	t.mu.Lock()
	t.confirmed = true
	t.mu.Unlock()
	return nil
}

func exitError(err error, tail string) error {
	switch {
	case err != nil && tail != "":
		return fmt.Errorf("process exited: %w (stderr: %s)", err, tail)
	case err != nil:
		return fmt.Errorf("process exited: %w", err)
	case tail != "":
		return fmt.Errorf("process exited (stderr: %s)", tail)
	default:
		return fmt.Errorf("process exited")
	}
}

func (t *Transport) readStdout(r io.Reader) {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 && t.onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.onData(chunk)
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("stdout read ended", "error", err)
			}
			return
		}
	}
}

func (t *Transport) readStderr(r io.Reader) {
	buf := make([]byte, 4096)
	var partial string
	for {
		n, err := r.Read(buf)
		if n > 0 {
			partial += string(buf[:n])
			for {
				idx := strings.IndexByte(partial, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimRight(partial[:idx], "\r")
				partial = partial[idx+1:]
				if line == "" {
					continue
				}
				t.mu.Lock()
				t.stderrLog = append(t.stderrLog, line)
				if len(t.stderrLog) > stderrTailMax {
					t.stderrLog = t.stderrLog[len(t.stderrLog)-stderrTailMax:]
				}
				t.mu.Unlock()
				log.Debug("child process stderr", "line", line)
			}
		}
		if err != nil {
			return
		}
	}
}

// Write appends a frame to the child's input stream.
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	stdin := t.stdin
	running := t.started && !t.stopped
	t.mu.Unlock()

	if !running || stdin == nil {
		return ErrNotRunning
	}
	if _, err := stdin.Write(p); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Stop terminates the child process if running. It is idempotent and never
// triggers the exit callback.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.stopped = true
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	pid := 0
	if t.process != nil {
		pid = t.process.Pid
	}
	waitDone := t.waitDone
	cancel := t.cancel
	stdin := t.stdin
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if pid > 0 {
		log.Info("stopping child process", "pid", pid)
		if err := signalProcessGroup(pid, syscall.SIGTERM); err != nil {
			log.Warn("failed to send SIGTERM to child process", "error", err)
		}
	}

	if waitDone != nil {
		select {
		case <-waitDone:
		case <-time.After(5 * time.Second):
			log.Warn("child process did not stop gracefully, forcing")
			if pid > 0 {
				if err := signalProcessGroup(pid, syscall.SIGKILL); err != nil {
					log.Warn("failed to kill child process", "error", err)
				}
			}
			select {
			case <-waitDone:
			case <-time.After(2 * time.Second):
			}
		}
	}

	if cancel != nil {
		cancel()
	}

	t.mu.Lock()
	t.started = false
	t.process = nil
	t.cmd = nil
	t.stdin = nil
	t.cancel = nil
	t.waitDone = nil
	t.mu.Unlock()
	return nil
}

// Pid returns the child process id, or 0 when not running.
func (t *Transport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started && t.process != nil {
		return t.process.Pid
	}
	return 0
}

// Alive probes the child process without disturbing it.
func (t *Transport) Alive() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || t.stopped || t.process == nil {
		return ErrNotRunning
	}
	if err := t.process.Signal(syscall.Signal(0)); err != nil {
		return fmt.Errorf("process liveness check failed: %w", err)
	}
	return nil
}

// Uptime returns how long the current child process has been running.
func (t *Transport) Uptime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return 0
	}
	return time.Since(t.startTime)
}

func signalProcessGroup(pid int, signal syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	if err := syscall.Kill(-pid, signal); err != nil {
		// Process already gone is fine during shutdown.
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}
	return nil
}

// reconnectBackoff returns the delay before reconnect attempt n (1-based):
// base * 2^(n-1), capped at 30s.
func reconnectBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxReconnectBackoff {
			return maxReconnectBackoff
		}
	}
	if delay > maxReconnectBackoff {
		delay = maxReconnectBackoff
	}
	return delay
}
