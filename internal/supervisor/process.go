package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrProcessDone reports an operation on a process that has already exited.
var ErrProcessDone = errors.New("process already finished")

// PollInterval is how often discovered processes are checked for exit.
const PollInterval = 250 * time.Millisecond

// Process is a supervised process: either the direct child or a process
// discovered through the jailer's pid file.
type Process interface {
	Signal(sig os.Signal) error
	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context) error
	Alive() bool
	// Release frees OS resources held by the handle. It does not signal.
	Release() error
}

// DirectProcess is a child started by Launch.
type DirectProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Launch starts bin with inherited stdio so the guest serial console stays
// attached to the terminal. The child is not tied to ctx: stopping it is the
// escalator's job.
func Launch(ctx context.Context, bin string, args []string) (*DirectProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	p := &DirectProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *DirectProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *DirectProcess) Signal(sig os.Signal) error {
	if !p.Alive() {
		return ErrProcessDone
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessDone
		}
		return err
	}
	return nil
}

// Wait returns nil once the child has exited, whatever its status. Use
// ExitCode for the status.
func (p *DirectProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		var exitErr *exec.ExitError
		if p.err != nil && !errors.As(p.err, &exitErr) {
			return p.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *DirectProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *DirectProcess) Release() error {
	return nil
}

// ExitCode returns the child's exit status, 128+n if it was killed by
// signal n, or -1 while it is still running.
func (p *DirectProcess) ExitCode() int {
	if p.Alive() {
		return -1
	}
	state := p.cmd.ProcessState
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// PIDProcess addresses a process by raw pid. It is the fallback on kernels
// without pidfd support and is subject to pid reuse.
type PIDProcess struct {
	pid int
}

func NewPIDProcess(pid int) *PIDProcess {
	return &PIDProcess{pid: pid}
}

func (p *PIDProcess) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	if err := unix.Kill(p.pid, s); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrProcessDone
		}
		return fmt.Errorf("signal pid %d: %w", p.pid, err)
	}
	return nil
}

func (p *PIDProcess) Wait(ctx context.Context) error {
	return pollUntilExit(ctx, p)
}

func (p *PIDProcess) Alive() bool {
	err := unix.Kill(p.pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (p *PIDProcess) Release() error {
	return nil
}

func pollUntilExit(ctx context.Context, p Process) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for p.Alive() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// ReadPIDFile reads a pid written by the jailer.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %q", path, strings.TrimSpace(string(b)))
	}
	return pid, nil
}
