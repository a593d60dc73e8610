package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
)

// GracePeriod is how long a forwarded signal gets before SIGKILL.
const GracePeriod = 250 * time.Millisecond

// Signals are the signals the escalator reacts to.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP}

type State int

const (
	Idle State = iota
	GracefulRequested
	ForceRequested
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case GracefulRequested:
		return "graceful-requested"
	case ForceRequested:
		return "force-requested"
	default:
		return "unknown"
	}
}

// Escalator turns repeated termination signals into progressively harder
// shutdown steps. The first asks the guest to power off through the API
// socket. The second forwards the signal to the supervised process and
// kills it if it outlives GracePeriod. Anything after that is ignored.
type Escalator struct {
	SocketPath string
	Logger     *log.Logger

	// requestShutdown is replaced in tests.
	requestShutdown func(socketPath string, timeout time.Duration) error

	mu     sync.Mutex
	state  State
	target Process
}

// SetTarget sets the process that forced shutdown acts on. It may be
// called again when supervision moves to a discovered process.
func (e *Escalator) SetTarget(p Process) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.target = p
}

// SetSocketPath sets the API socket path while signals may already be
// arriving.
func (e *Escalator) SetSocketPath(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SocketPath = path
}

func (e *Escalator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Handle advances the shutdown state by one step in response to sig.
func (e *Escalator) Handle(sig os.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := e.logger()
	switch e.state {
	case Idle:
		e.state = GracefulRequested
		logger.Info("received signal, requesting guest shutdown", "signal", sig)
		request := e.requestShutdown
		if request == nil {
			request = RequestShutdown
		}
		if err := request(e.SocketPath, SocketTimeout); err != nil {
			logger.Warn("guest shutdown request failed", "error", err)
		}
	case GracefulRequested:
		e.state = ForceRequested
		logger.Info("received signal again, stopping vm", "signal", sig)
		e.force(sig)
	default:
		logger.Debug("shutdown already forced, ignoring signal", "signal", sig)
	}
}

func (e *Escalator) force(sig os.Signal) {
	logger := e.logger()
	if e.target == nil {
		logger.Warn("no supervised process to stop")
		return
	}
	if err := e.target.Signal(sig); err != nil {
		if errors.Is(err, ErrProcessDone) {
			return
		}
		logger.Warn("forward signal failed", "signal", sig, "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), GracePeriod)
	defer cancel()
	_ = e.target.Wait(ctx)
	if !e.target.Alive() {
		return
	}
	logger.Warn("vm did not stop within grace period, killing it", "grace_period", GracePeriod)
	if err := e.target.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessDone) {
		logger.Warn("kill failed", "error", err)
	}
}

func (e *Escalator) logger() *log.Logger {
	if e.Logger == nil {
		return log.Default()
	}
	return e.Logger
}
