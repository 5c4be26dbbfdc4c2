package transport

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DefaultGracePeriod is how long Close waits for a spawned server to exit on
// its own after stdin is closed, before killing it.
const DefaultGracePeriod = 5 * time.Second

// ProcessConfig describes a tool server to spawn.
type ProcessConfig struct {
	Path string   // executable to run, e.g. "./toolserver"
	Args []string // arguments, e.g. ["--stdio"]
	Dir  string   // working directory; empty means inherit

	// GracePeriod bounds the wait between closing stdin and killing the
	// process. Zero means DefaultGracePeriod.
	GracePeriod time.Duration

	// Stderr receives the server's stderr; nil means the parent's stderr,
	// so server diagnostics stay visible.
	Stderr io.Writer
}

// StdioTransport runs a tool server as a child process and speaks to it over
// its stdin/stdout pipes. The server's stderr passes through untouched.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	grace  time.Duration

	writeMu   sync.Mutex // serializes frames from concurrent senders
	closeOnce sync.Once
	closeErr  error
}

// SpawnProcess starts the configured server process with both pipes
// connected. On any setup failure the process is not left running.
func SpawnProcess(cfg ProcessConfig) (*StdioTransport, error) {
	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	if cfg.Stderr != nil {
		cmd.Stderr = cfg.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("transport: open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("transport: start %s: %w", cfg.Path, err)
	}

	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &StdioTransport{cmd: cmd, stdin: stdin, stdout: stdout, grace: grace}, nil
}

func (t *StdioTransport) Write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(p); err != nil {
		return fmt.Errorf("transport: write to server stdin: %w", err)
	}
	return nil
}

func (t *StdioTransport) ReadChunk(p []byte) (int, error) {
	return t.stdout.Read(p)
}

// Close ends the session: closing stdin tells the server no more requests
// are coming, which well-behaved servers treat as a shutdown signal. If the
// process has not exited within the grace period it is killed. Close always
// reaps the child, so no zombie is left behind.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.shutdown()
	})
	return t.closeErr
}

func (t *StdioTransport) shutdown() error {
	var result *multierror.Error

	if err := t.stdin.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close server stdin: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("server exit: %w", err))
		}
	case <-time.After(t.grace):
		if err := t.cmd.Process.Kill(); err != nil {
			result = multierror.Append(result, fmt.Errorf("kill server: %w", err))
		}
		<-done // reap; the exit error after a kill is expected
	}
	return result.ErrorOrNil()
}

// Pid reports the child process id, mainly for logs and tests.
func (t *StdioTransport) Pid() int {
	return t.cmd.Process.Pid
}
