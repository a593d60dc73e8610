// Package supervisor launches the Firecracker jailer, tracks the process
// that hosts the VM and escalates shutdown requests against it.
package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/s-hamann/firecracker-tools/internal/jail"
)

// JailerOptions describe one jailer invocation.
type JailerOptions struct {
	ExecFile      string
	ID            string
	ChrootBaseDir string
	UID           int
	GID           int

	NewPIDNamespace bool
	NetNS           string
	Cgroups         []string
	ResourceLimits  []string
	// NUMANode pins the VM when non-nil.
	NUMANode  *int
	Daemonize bool

	NoSeccomp bool
	// SeccompFilter is set when a custom filter was staged into the root.
	SeccompFilter bool
}

// nodeCPUListPath is a variable so tests can point it at a fixture.
var nodeCPUListPath = func(node int) string {
	return fmt.Sprintf("/sys/devices/system/node/node%d/cpulist", node)
}

// JailerArgs returns the jailer argv, without the binary itself.
func JailerArgs(opts JailerOptions) ([]string, error) {
	args := []string{
		"--exec-file", opts.ExecFile,
		"--id", opts.ID,
		"--chroot-base-dir", opts.ChrootBaseDir,
		"--uid", strconv.Itoa(opts.UID),
		"--gid", strconv.Itoa(opts.GID),
	}
	if opts.NewPIDNamespace {
		args = append(args, "--new-pid-ns")
	}
	if opts.NetNS != "" {
		args = append(args, "--netns", opts.NetNS)
	}
	for _, cgroup := range opts.Cgroups {
		args = append(args, "--cgroup", cgroup)
	}
	if opts.NUMANode != nil {
		cpus, err := nodeCPUList(*opts.NUMANode)
		if err != nil {
			return nil, err
		}
		args = append(args,
			"--cgroup", fmt.Sprintf("cpuset.mems=%d", *opts.NUMANode),
			"--cgroup", "cpuset.cpus="+cpus,
		)
	}
	for _, limit := range opts.ResourceLimits {
		args = append(args, "--resource-limit", limit)
	}
	if opts.Daemonize {
		args = append(args, "--daemonize")
	}

	args = append(args, "--", "--config-file", jail.ConfigFileName)
	switch {
	case opts.NoSeccomp:
		args = append(args, "--no-seccomp")
	case opts.SeccompFilter:
		args = append(args, "--seccomp-filter", jail.SeccompFilterFileName)
	}
	return args, nil
}

func nodeCPUList(node int) (string, error) {
	if node < 0 {
		return "", fmt.Errorf("invalid NUMA node %d", node)
	}
	b, err := os.ReadFile(nodeCPUListPath(node))
	if err != nil {
		return "", fmt.Errorf("read cpu list of NUMA node %d: %w", node, err)
	}
	cpus := strings.TrimSpace(string(b))
	if cpus == "" {
		return "", fmt.Errorf("NUMA node %d has no cpus", node)
	}
	return cpus, nil
}

// PIDFilePath is where the jailer records the pid of the process it
// finally execs into.
func PIDFilePath(rootPath, execFile string) string {
	return filepath.Join(rootPath, filepath.Base(execFile)+".pid")
}
