// Package ffmpeg wraps the external media tools behind a small Process type
// and a Runner interface so callers can be tested without spawning anything.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrProcessFailed matches every *ExitError via errors.Is.
var ErrProcessFailed = errors.New("external process failed")

// ExitError reports a non-zero exit (or a kill) of an external process.
type ExitError struct {
	Binary string
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Binary, e.Code)
	if last := lastLine(e.Stderr); last != "" {
		msg += ": " + last
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

func (e *ExitError) Is(target error) bool { return target == ErrProcessFailed }

// Options configure a Process before it starts.
type Options struct {
	// Stdin opens a pipe the caller writes to via Process.Stdin.
	Stdin  bool
	Stdout io.Writer
	// KillGrace bounds how long Wait blocks on pipes after the process is killed.
	KillGrace time.Duration
}

// Process is one running external command. It is killed when the context
// passed to Start is done.
type Process struct {
	binary string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer

	once    sync.Once
	done    chan struct{}
	waitErr error
}

// Start launches binary with args.
func Start(ctx context.Context, binary string, args []string, opts Options) (*Process, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	stderr := newTailBuffer(16 * 1024)
	cmd.Stderr = stderr
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}
	grace := opts.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	cmd.WaitDelay = grace

	p := &Process{
		binary: binary,
		cmd:    cmd,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	if opts.Stdin {
		w, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdin for %s: %w", binary, err)
		}
		p.stdin = w
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	go func() {
		err := cmd.Wait()
		p.waitErr = p.wrap(ctx, err)
		close(p.done)
	}()

	return p, nil
}

// Stdin returns the write end of the stdin pipe, or nil if none was requested.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// PID returns the operating-system process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits. It closes stdin first so a process
// reading from the pipe sees EOF. Safe to call more than once.
func (p *Process) Wait() error {
	p.once.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
	})
	<-p.done
	return p.waitErr
}

// Kill terminates the process without waiting for it.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill %s: %w", p.binary, err)
	}
	return nil
}

// ExitCode returns the exit code, or -1 while running or if killed by signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Stderr returns the retained tail of the process's standard error.
func (p *Process) Stderr() string { return p.stderr.String() }

func (p *Process) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return &ExitError{Binary: p.binary, Code: code, Stderr: p.stderr.String(), Err: err}
}

// Runner executes a command to completion and returns its stdout.
type Runner interface {
	Run(ctx context.Context, binary string, args []string) ([]byte, error)
}

// ExecRunner runs commands as real processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, binary string, args []string) ([]byte, error) {
	var stdout bytes.Buffer
	p, err := Start(ctx, binary, args, Options{Stdout: &stdout})
	if err != nil {
		return nil, err
	}
	if err := p.Wait(); err != nil {
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
