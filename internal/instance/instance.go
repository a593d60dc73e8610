// Package instance runs one jailed Firecracker VM from a config file and
// reclaims every host resource it created once the VM is gone.
package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/s-hamann/firecracker-tools/internal/hosttools"
	"github.com/s-hamann/firecracker-tools/internal/jail"
	"github.com/s-hamann/firecracker-tools/internal/network"
	"github.com/s-hamann/firecracker-tools/internal/supervisor"
	"github.com/s-hamann/firecracker-tools/internal/vmconfig"
)

// DefaultChrootBaseDir is resolved relative to the config file directory.
const DefaultChrootBaseDir = "chroot"

// Options describe how to run one VM. Empty base directories fall back to
// the documented defaults.
type Options struct {
	ConfigPath string

	ChrootBaseDir string
	KernelBaseDir string
	InitrdBaseDir string
	ImageBaseDir  string

	JailerPath      string
	FirecrackerPath string
	User            string

	NewPIDNamespace bool
	NetNS           string
	Cgroups         []string
	ResourceLimits  []string
	NUMANode        *int
	Daemonize       bool
	NoSeccomp       bool
	// SeccompFilter is a host path copied into the chroot.
	SeccompFilter string
}

// Instance holds everything the exit path and the signal path share: the
// identity, the chroot, created tap devices and the supervised process.
type Instance struct {
	ID        string
	Root      *jail.Root
	Network   *network.Provisioner
	Escalator *supervisor.Escalator
	Logger    *log.Logger

	// Links defaults to netlink.
	Links network.Links
	// Signals replaces the process signal channel in tests.
	Signals <-chan os.Signal

	opts Options

	mu      sync.Mutex
	handle  supervisor.Process
	cleaned bool
}

func New(opts Options, logger *log.Logger) *Instance {
	if logger == nil {
		logger = log.Default()
	}
	return &Instance{opts: opts, Logger: logger}
}

// Run prepares the chroot, starts the jailer and blocks until the VM has
// exited. It returns the jailer's exit status. Cleanup always runs before
// Run returns.
func (i *Instance) Run(ctx context.Context) (code int, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := i.handleSignals(cancel)
	defer stop()
	// Signals stay intercepted until cleanup is done.
	defer func() {
		if cerr := i.Cleanup(); cerr != nil {
			i.Logger.Warn("cleanup incomplete", "error", cerr)
		}
	}()

	launch, err := i.prepare(runCtx)
	if err != nil {
		return 1, err
	}

	direct, err := i.start(runCtx, launch)
	if err != nil {
		return 1, err
	}
	i.Logger.Info("vm started", "pid", direct.PID())

	// Once launched the child is always waited for, whatever ctx does.
	if err := direct.Wait(context.Background()); err != nil {
		return 1, fmt.Errorf("wait for jailer: %w", err)
	}
	code = direct.ExitCode()
	if !launch.discover {
		i.Logger.Info("vm exited", "exit_code", code)
		return code, nil
	}
	if err := i.superviseDiscovered(launch.pidFile, code); err != nil {
		return exitCodeOr1(code), err
	}
	return code, nil
}

type launchPlan struct {
	jailer   string
	args     []string
	discover bool
	pidFile  string
}

// prepare runs pre-flight checks and stages the chroot. Every resource it
// allocates is recorded on i before the next step so Cleanup can find it.
func (i *Instance) prepare(ctx context.Context) (launchPlan, error) {
	opts := i.opts

	jailerPath, err := hosttools.ResolveBinary(opts.JailerPath, hosttools.JailerBinary)
	if err != nil {
		return launchPlan{}, fmt.Errorf("jailer binary: %w", err)
	}
	firecrackerPath, err := hosttools.ResolveBinary(opts.FirecrackerPath, hosttools.FirecrackerBinary)
	if err != nil {
		return launchPlan{}, fmt.Errorf("firecracker binary: %w", err)
	}
	account, err := hosttools.LookupAccount(opts.User)
	if err != nil {
		return launchPlan{}, err
	}

	configPath, err := filepath.Abs(opts.ConfigPath)
	if err != nil {
		return launchPlan{}, err
	}
	cfg, err := vmconfig.Load(configPath)
	if err != nil {
		return launchPlan{}, err
	}
	dirs, err := resolveDirs(opts, filepath.Dir(configPath))
	if err != nil {
		return launchPlan{}, err
	}

	i.ID = jail.NewID(vmconfig.Name(configPath))
	i.Logger = i.Logger.With("instance_id", i.ID)
	i.Logger.Debug("resolved host tools", "jailer", jailerPath, "firecracker", firecrackerPath, "uid", account.UID, "gid", account.GID)

	execName := filepath.Base(firecrackerPath)
	i.Root = jail.NewRoot(dirs.chroot, execName, i.ID, account.GID)
	if err := i.Root.Create(); err != nil {
		return launchPlan{}, err
	}

	if _, err := jail.Stage(ctx, i.Root, cfg, dirs.bases, i.Logger.With("component", "stage")); err != nil {
		return launchPlan{}, err
	}

	seccompFilter := false
	if opts.SeccompFilter != "" && !opts.NoSeccomp {
		if err := i.Root.Copy(opts.SeccompFilter, jail.SeccompFilterFileName); err != nil {
			return launchPlan{}, fmt.Errorf("seccomp filter: %w", err)
		}
		seccompFilter = true
	}

	links := i.Links
	if links == nil {
		links = network.NetlinkLinks{}
	}
	i.Network = &network.Provisioner{
		Links:  links,
		UID:    account.UID,
		GID:    account.GID,
		Logger: i.Logger.With("component", "network"),
	}
	if err := i.Network.Provision(ctx, cfg, i.ID); err != nil {
		return launchPlan{}, err
	}

	if err := cfg.WriteFile(i.Root.Join(jail.ConfigFileName)); err != nil {
		return launchPlan{}, err
	}

	args, err := supervisor.JailerArgs(supervisor.JailerOptions{
		ExecFile:        firecrackerPath,
		ID:              i.ID,
		ChrootBaseDir:   dirs.chroot,
		UID:             account.UID,
		GID:             account.GID,
		NewPIDNamespace: opts.NewPIDNamespace,
		NetNS:           opts.NetNS,
		Cgroups:         opts.Cgroups,
		ResourceLimits:  opts.ResourceLimits,
		NUMANode:        opts.NUMANode,
		Daemonize:       opts.Daemonize,
		NoSeccomp:       opts.NoSeccomp,
		SeccompFilter:   seccompFilter,
	})
	if err != nil {
		return launchPlan{}, err
	}

	i.Escalator.SetSocketPath(i.Root.Join(jail.APISocketPath))
	return launchPlan{
		jailer:   jailerPath,
		args:     args,
		discover: opts.NewPIDNamespace,
		pidFile:  supervisor.PIDFilePath(i.Root.Path, execName),
	}, nil
}

// start launches the jailer. Launch and handle registration happen under
// one lock so a signal sees either no process, and cancels, or the process.
func (i *Instance) start(ctx context.Context, launch launchPlan) (*supervisor.DirectProcess, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("interrupted before launch: %w", err)
	}
	i.Logger.Debug("starting jailer", "path", launch.jailer, "args", launch.args)
	direct, err := supervisor.Launch(ctx, launch.jailer, launch.args)
	if err != nil {
		return nil, err
	}
	i.handle = direct
	i.Escalator.SetTarget(direct)
	return direct, nil
}

// superviseDiscovered follows the process the jailer left behind in its
// new PID namespace until it exits.
func (i *Instance) superviseDiscovered(pidFile string, jailerCode int) error {
	pid, err := supervisor.ReadPIDFile(pidFile)
	if err != nil {
		if jailerCode != 0 {
			i.Logger.Warn("jailer failed before writing a pid file", "exit_code", jailerCode)
			return nil
		}
		return fmt.Errorf("read firecracker pid: %w", err)
	}

	proc, err := supervisor.Adopt(pid)
	if err != nil {
		if errors.Is(err, supervisor.ErrProcessDone) {
			i.Logger.Info("vm exited", "pid", pid)
			return nil
		}
		return err
	}
	i.mu.Lock()
	i.handle = proc
	i.mu.Unlock()
	i.Escalator.SetTarget(proc)

	i.Logger.Info("supervising firecracker", "pid", pid, "pidfd", supervisor.PidfdSupported())
	if err := proc.Wait(context.Background()); err != nil {
		return err
	}
	i.Logger.Info("vm exited", "pid", pid)
	return nil
}

// handleSignals routes termination signals to the escalator until the
// returned stop function is called. A signal before launch also cancels
// the run so staging stops early.
func (i *Instance) handleSignals(cancel context.CancelFunc) (stop func()) {
	if i.Escalator == nil {
		i.Escalator = &supervisor.Escalator{}
	}
	i.Escalator.Logger = i.Logger.With("component", "shutdown")

	signals := i.Signals
	var notify chan os.Signal
	if signals == nil {
		notify = make(chan os.Signal, 4)
		signal.Notify(notify, supervisor.Signals...)
		signals = notify
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case sig := <-signals:
				i.mu.Lock()
				launched := i.handle != nil
				i.mu.Unlock()
				if !launched {
					cancel()
				}
				i.Escalator.Handle(sig)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		if notify != nil {
			signal.Stop(notify)
		}
	}
}

// Cleanup deletes tap devices, removes the instance directory and releases
// the process handle. Failures are joined. Only the first call does
// anything.
func (i *Instance) Cleanup() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cleaned {
		return nil
	}
	i.cleaned = true

	var errs []error
	if err := i.Network.Teardown(); err != nil {
		errs = append(errs, err)
	}
	if i.Root != nil {
		if err := i.Root.Remove(); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", i.Root.InstanceDir, err))
		} else {
			i.Logger.Debug("removed instance directory", "path", i.Root.InstanceDir)
		}
	}
	if i.handle != nil {
		if err := i.handle.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release process handle: %w", err))
		}
	}
	return errors.Join(errs...)
}

func exitCodeOr1(code int) int {
	if code > 0 {
		return code
	}
	return 1
}
