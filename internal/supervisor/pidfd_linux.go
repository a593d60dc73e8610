//go:build linux

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	pidfdOnce      sync.Once
	pidfdSupported bool
)

// PidfdSupported reports whether the kernel can hand out process file
// descriptors. The probe runs once.
func PidfdSupported() bool {
	pidfdOnce.Do(func() {
		fd, err := unix.PidfdOpen(os.Getpid(), 0)
		if err != nil {
			return
		}
		_ = unix.Close(fd)
		pidfdSupported = true
	})
	return pidfdSupported
}

// PidfdProcess is a discovered process held through a pidfd, so signals
// cannot reach a recycled pid.
type PidfdProcess struct {
	pid int

	mu sync.Mutex
	fd int
}

func OpenPidfd(pid int) (*PidfdProcess, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil, fmt.Errorf("open pidfd for %d: %w", pid, ErrProcessDone)
		}
		return nil, fmt.Errorf("open pidfd for %d: %w", pid, err)
	}
	return &PidfdProcess{pid: pid, fd: fd}, nil
}

func (p *PidfdProcess) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	return p.send(s)
}

func (p *PidfdProcess) send(sig unix.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return ErrProcessDone
	}
	if err := unix.PidfdSendSignal(p.fd, sig, nil, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrProcessDone
		}
		return fmt.Errorf("signal pid %d: %w", p.pid, err)
	}
	return nil
}

func (p *PidfdProcess) Wait(ctx context.Context) error {
	return pollUntilExit(ctx, p)
}

func (p *PidfdProcess) Alive() bool {
	return p.send(0) == nil
}

func (p *PidfdProcess) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}

// Adopt returns a handle for a process this program did not start.
func Adopt(pid int) (Process, error) {
	if PidfdSupported() {
		return OpenPidfd(pid)
	}
	return NewPIDProcess(pid), nil
}
