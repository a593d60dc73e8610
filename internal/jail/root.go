// Package jail builds the chroot a jailed Firecracker instance runs in.
//
// The jailer expects its chroot at <base>/<exec-file-name>/<id>/root. Root
// creates that directory up front so artifacts can be hardlinked into it
// before the jailer starts, and removes the whole per-instance directory at
// exit.
package jail

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	ConfigFileName        = "config.json"
	SeccompFilterFileName = "seccomp.bpf"
	// APISocketPath is where Firecracker creates its API socket, relative
	// to the chroot.
	APISocketPath = "run/firecracker.socket"
)

type Root struct {
	// InstanceDir is <base>/<exec-file-name>/<id>.
	InstanceDir string
	// Path is the chroot itself, InstanceDir/root.
	Path string
	GID  int

	chown func(name string, uid, gid int) error
}

func NewRoot(chrootBaseDir, execFileName, id string, gid int) *Root {
	instanceDir := filepath.Join(chrootBaseDir, execFileName, id)
	return &Root{
		InstanceDir: instanceDir,
		Path:        filepath.Join(instanceDir, "root"),
		GID:         gid,
		chown:       os.Lchown,
	}
}

// Create makes the chroot with mode 0750, group-owned by GID so the
// unprivileged account can traverse it.
func (r *Root) Create() error {
	if err := os.MkdirAll(r.Path, 0o750); err != nil {
		return fmt.Errorf("create instance root: %w", err)
	}
	// MkdirAll is subject to the umask.
	if err := os.Chmod(r.Path, 0o750); err != nil {
		return fmt.Errorf("chmod instance root: %w", err)
	}
	if err := r.chown(r.Path, -1, r.GID); err != nil {
		return fmt.Errorf("chown instance root: %w", err)
	}
	return nil
}

// Join returns the host path of name inside the chroot.
func (r *Root) Join(name string) string {
	return filepath.Join(r.Path, name)
}

// Link hardlinks hostPath into the chroot and returns the bare file name the
// jailed process sees. Symlinks are resolved first; linking the symlink
// itself would leave a dangling host path inside the chroot. Source and
// chroot must be on the same filesystem.
func (r *Root) Link(hostPath string) (string, error) {
	src, err := filepath.EvalSymlinks(hostPath)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", hostPath, err)
	}
	name := filepath.Base(hostPath)
	dst := r.Join(name)
	if err := os.Link(src, dst); err != nil {
		if errors.Is(err, os.ErrExist) && sameFile(src, dst) {
			return name, nil
		}
		return "", fmt.Errorf("link %s into instance root: %w", hostPath, err)
	}
	return name, nil
}

// Copy copies src into the chroot as name.
func (r *Root) Copy(src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(r.Join(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s into instance root: %w", src, err)
	}
	return out.Sync()
}

// Remove deletes the per-instance directory. A directory that was never
// created is not an error.
func (r *Root) Remove() error {
	if r == nil || r.InstanceDir == "" {
		return nil
	}
	return os.RemoveAll(r.InstanceDir)
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
