package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/s-hamann/firecracker-tools/internal/doctor"
	"github.com/s-hamann/firecracker-tools/internal/instance"
	"github.com/s-hamann/firecracker-tools/internal/runtimeconfig"
)

const defaultUser = "firecracker"

type runtimeContext struct {
	CWD        string
	Stdout     *os.File
	Stderr     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string

	// runInstance is replaced in tests.
	runInstance func(context.Context, instance.Options, *log.Logger) (int, error)
}

type CLI struct {
	Run     RunCommand     `cmd:"" default:"withargs" help:"Run a VM in the Firecracker jailer (default command)"`
	Doctor  DoctorCommand  `cmd:"" help:"Check whether this host can run jailed VMs"`
	Version VersionCommand `cmd:"" help:"Print the version"`
}

type RunCommand struct {
	Config string `arg:"" help:"VM config file in JSON format"`

	ChrootBaseDir string `short:"d" help:"Base of the jailer chroot (default: chroot next to the config file)"`
	KernelBaseDir string `short:"k" help:"Base for relative kernel paths (default: the config file directory)"`
	InitrdBaseDir string `help:"Base for relative initrd paths (default: the kernel base directory)"`
	ImageBaseDir  string `short:"i" help:"Base for relative drive paths (default: the config file directory)"`
	Firecracker   string `short:"f" help:"Path to the firecracker binary (default: search PATH)"`
	Jailer        string `short:"j" help:"Path to the jailer binary (default: search PATH)"`
	User          string `short:"u" help:"Account to run Firecracker as (default: firecracker)"`

	NewPIDNS      bool     `name:"new-pid-ns" help:"Exec into a new PID namespace"`
	NetNS         string   `name:"netns" help:"Network namespace for the VM to join"`
	Cgroup        []string `sep:"none" help:"cgroup value passed to the jailer as is; repeatable"`
	ResourceLimit []string `sep:"none" help:"Resource limit passed to the jailer as is; repeatable"`
	NUMANode      int      `name:"numa-node" default:"-1" help:"Pin the VM to this NUMA node"`
	Daemonize     bool     `help:"Run the VM in a background process"`

	NoSeccomp     bool   `xor:"seccomp" help:"Disable seccomp filtering. Not recommended."`
	SeccompFilter string `xor:"seccomp" help:"Path to a custom seccomp filter"`

	LogLevel string `help:"Log level (debug|info|warn|error)"`
}

type DoctorCommand struct {
	Firecracker string `short:"f" help:"Path to the firecracker binary (default: search PATH)"`
	Jailer      string `short:"j" help:"Path to the jailer binary (default: search PATH)"`
	User        string `short:"u" help:"Account to check (default: firecracker)"`
	JSON        bool   `help:"Print doctor report as JSON"`
}

type VersionCommand struct{}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func newParser(c *CLI) (*kong.Kong, error) {
	return kong.New(
		c,
		kong.Name("firestarter"),
		kong.Description("Run a Firecracker VM in the jailer and clean up after it"),
	)
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Config:      cfg,
		ConfigPath:  cfgPath,
		Version:     version,
		runInstance: runInstance,
	}

	cli := CLI{}
	parser, err := newParser(&cli)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	runtimeCtx.CWD = cwd

	return ctx.Run(runtimeCtx)
}

// ExitCode maps an error returned by Run to a process exit status.
func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func runInstance(ctx context.Context, opts instance.Options, logger *log.Logger) (int, error) {
	return instance.New(opts, logger).Run(ctx)
}

func (r *RunCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(firstNonEmpty(r.LogLevel, ctx.Config.LogLevel), "firestarter")
	if err != nil {
		return err
	}
	color := shouldUseANSI(ctx.Stderr)
	applyPolishedLoggerStyles(logger, color)

	opts := r.options(ctx.CWD, ctx.Config)
	if isTerminal(ctx.Stderr) {
		_ = writeStartupHeader(ctx.Stderr, startupHeader{
			Title: "firestarter " + ctx.Version,
			Fields: []startupField{
				{Key: "config", Value: opts.ConfigPath},
				{Key: "user", Value: opts.User},
				{Key: "chroot", Value: opts.ChrootBaseDir},
			},
		}, color)
	}

	code, err := ctx.runInstance(context.Background(), opts, logger)
	if err != nil {
		return err
	}
	if code != 0 {
		return exitCodeError{code: code}
	}
	return nil
}

// options merges flags over runtime config defaults. Relative paths from
// flags are taken from the working directory. Relative base directories
// from the runtime config are left for the instance to resolve against the
// VM config directory.
func (r *RunCommand) options(cwd string, cfg runtimeconfig.Config) instance.Options {
	configPath := resolvePath(cwd, r.Config)
	configDir := filepath.Dir(configPath)

	opts := instance.Options{
		ConfigPath:      configPath,
		ChrootBaseDir:   firstNonEmpty(resolvePath(cwd, r.ChrootBaseDir), cfg.ChrootBaseDir),
		KernelBaseDir:   firstNonEmpty(resolvePath(cwd, r.KernelBaseDir), resolvePath(configDir, cfg.KernelBaseDir)),
		InitrdBaseDir:   firstNonEmpty(resolvePath(cwd, r.InitrdBaseDir), resolvePath(configDir, cfg.InitrdBaseDir)),
		ImageBaseDir:    firstNonEmpty(resolvePath(cwd, r.ImageBaseDir), resolvePath(configDir, cfg.ImageBaseDir)),
		JailerPath:      firstNonEmpty(resolvePath(cwd, r.Jailer), cfg.JailerPath),
		FirecrackerPath: firstNonEmpty(resolvePath(cwd, r.Firecracker), cfg.FirecrackerPath),
		User:            firstNonEmpty(r.User, cfg.User, defaultUser),
		NewPIDNamespace: r.NewPIDNS || cfg.NewPIDNS,
		NetNS:           r.NetNS,
		Cgroups:         r.Cgroup,
		ResourceLimits:  r.ResourceLimit,
		NUMANode:        cfg.NUMANode,
		Daemonize:       r.Daemonize,
		NoSeccomp:       r.NoSeccomp,
		SeccompFilter:   resolvePath(cwd, r.SeccompFilter),
	}
	if len(opts.Cgroups) == 0 {
		opts.Cgroups = cfg.Cgroups
	}
	if len(opts.ResourceLimits) == 0 {
		opts.ResourceLimits = cfg.ResourceLimits
	}
	if r.NUMANode >= 0 {
		node := r.NUMANode
		opts.NUMANode = &node
	}
	return opts
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	report := doctor.Run(doctor.Request{
		JailerPath:      firstNonEmpty(resolvePath(ctx.CWD, d.Jailer), ctx.Config.JailerPath),
		FirecrackerPath: firstNonEmpty(resolvePath(ctx.CWD, d.Firecracker), ctx.Config.FirecrackerPath),
		User:            firstNonEmpty(d.User, ctx.Config.User, defaultUser),
	})
	checks := append([]doctor.Check{
		{Name: "runtime_config", Status: doctor.StatusPass, Message: fmt.Sprintf("using runtime config path %s", ctx.ConfigPath)},
	}, report.Checks...)

	if d.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doctor.Report{Checks: checks}); err != nil {
			return err
		}
	} else if _, err := fmt.Fprint(ctx.Stdout, renderDoctorReport(checks, shouldUseANSI(ctx.Stdout))); err != nil {
		return err
	}

	if report.Failed() {
		return exitCodeError{code: 1}
	}
	return nil
}

func (v *VersionCommand) Run(ctx *runtimeContext) error {
	_, err := fmt.Fprintln(ctx.Stdout, ctx.Version)
	return err
}

func resolvePath(base, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	level, err := log.ParseLevel(effectiveLogLevel(rawLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
