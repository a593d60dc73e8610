package instance

import (
	"path/filepath"

	"github.com/s-hamann/firecracker-tools/internal/jail"
)

type dirs struct {
	chroot string
	bases  jail.Bases
}

// resolveDirs applies the base directory defaults. The chroot base is
// relative to the config file directory. Explicit artifact bases are
// relative to the working directory. The initrd base follows the kernel
// base.
func resolveDirs(opts Options, configDir string) (dirs, error) {
	chroot := opts.ChrootBaseDir
	if chroot == "" {
		chroot = DefaultChrootBaseDir
	}
	if !filepath.IsAbs(chroot) {
		chroot = filepath.Join(configDir, chroot)
	}

	kernel, err := absOr(opts.KernelBaseDir, configDir)
	if err != nil {
		return dirs{}, err
	}
	initrd, err := absOr(opts.InitrdBaseDir, kernel)
	if err != nil {
		return dirs{}, err
	}
	image, err := absOr(opts.ImageBaseDir, configDir)
	if err != nil {
		return dirs{}, err
	}
	return dirs{
		chroot: filepath.Clean(chroot),
		bases:  jail.Bases{Kernel: kernel, Initrd: initrd, Image: image},
	}, nil
}

func absOr(dir, fallback string) (string, error) {
	if dir == "" {
		return fallback, nil
	}
	return filepath.Abs(dir)
}
