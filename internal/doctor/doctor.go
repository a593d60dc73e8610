// Package doctor checks whether a host can run jailed Firecracker VMs.
package doctor

import (
	"fmt"
	"os"
	"runtime"

	"github.com/s-hamann/firecracker-tools/internal/hosttools"
	"github.com/s-hamann/firecracker-tools/internal/supervisor"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

type Report struct {
	Checks []Check `json:"checks"`
}

// Failed reports whether any check failed.
func (r Report) Failed() bool {
	for _, check := range r.Checks {
		if check.Status == StatusFail {
			return true
		}
	}
	return false
}

type Request struct {
	JailerPath      string
	FirecrackerPath string
	User            string
}

// Host is the view of the machine the checks run against.
type Host struct {
	GOOS           string
	Geteuid        func() int
	Stat           func(string) (os.FileInfo, error)
	ResolveBinary  func(explicit, binary string) (string, error)
	LookupAccount  func(string) (hosttools.Account, error)
	PidfdSupported func() bool
}

func LocalHost() Host {
	return Host{
		GOOS:           runtime.GOOS,
		Geteuid:        os.Geteuid,
		Stat:           os.Stat,
		ResolveBinary:  hosttools.ResolveBinary,
		LookupAccount:  hosttools.LookupAccount,
		PidfdSupported: supervisor.PidfdSupported,
	}
}

func Run(req Request) Report {
	return LocalHost().Run(req)
}

func (h Host) Run(req Request) Report {
	var checks []Check
	add := func(name, status, format string, args ...any) {
		checks = append(checks, Check{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
	}

	if h.GOOS == "linux" {
		add("os", StatusPass, "running on linux")
	} else {
		add("os", StatusFail, "firecracker requires linux, this host runs %s", h.GOOS)
	}

	if euid := h.Geteuid(); euid == 0 {
		add("privileges", StatusPass, "running as root")
	} else {
		add("privileges", StatusWarn, "running as uid %d; the jailer and tap device setup need root", euid)
	}

	for _, dev := range []struct{ name, path string }{
		{"kvm", "/dev/kvm"},
		{"tun", "/dev/net/tun"},
	} {
		info, err := h.Stat(dev.path)
		switch {
		case err != nil:
			add(dev.name, StatusFail, "%s not available: %v", dev.path, err)
		case info.Mode()&os.ModeCharDevice == 0:
			add(dev.name, StatusFail, "%s is not a character device", dev.path)
		default:
			add(dev.name, StatusPass, "%s present", dev.path)
		}
	}

	for _, bin := range []struct{ name, explicit, binary string }{
		{"jailer_binary", req.JailerPath, hosttools.JailerBinary},
		{"firecracker_binary", req.FirecrackerPath, hosttools.FirecrackerBinary},
	} {
		if path, err := h.ResolveBinary(bin.explicit, bin.binary); err != nil {
			add(bin.name, StatusFail, "%v", err)
		} else {
			add(bin.name, StatusPass, "using %s", path)
		}
	}

	if account, err := h.LookupAccount(req.User); err != nil {
		add("account", StatusFail, "%v", err)
	} else {
		add("account", StatusPass, "%s has uid %d and gid %d", account.Name, account.UID, account.GID)
	}

	if h.PidfdSupported() {
		add("pidfd", StatusPass, "process file descriptors supported")
	} else {
		add("pidfd", StatusWarn, "pidfd_open unavailable; --new-pid-ns falls back to raw pids")
	}

	return Report{Checks: checks}
}
