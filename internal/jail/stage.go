package jail

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/s-hamann/firecracker-tools/internal/artifact"
	"github.com/s-hamann/firecracker-tools/internal/vmconfig"
)

// Bases are the directories relative artifact patterns are resolved from.
type Bases struct {
	Kernel string
	Initrd string
	Image  string
}

// Stage resolves every artifact cfg refers to, hardlinks it into root and
// rewrites the config field to the bare file name. glob_order keys are
// consumed. On error, links made so far stay in place for cleanup.
func Stage(ctx context.Context, root *Root, cfg *vmconfig.Config, bases Bases, logger *log.Logger) ([]artifact.Reference, error) {
	if cfg.BootSource == nil {
		return nil, errors.New("config has no boot-source")
	}
	if logger == nil {
		logger = log.Default()
	}

	var staged []artifact.Reference
	stage := func(field *string, ordering, base, what string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ref := artifact.Reference{Pattern: *field, Ordering: ordering}
		if err := artifact.ResolveReference(&ref, base); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		name, err := root.Link(ref.Path)
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		logger.Debug("staged artifact", "kind", what, "pattern", ref.Pattern, "path", ref.Path, "name", name)
		*field = name
		staged = append(staged, ref)
		return nil
	}

	boot := cfg.BootSource
	order := boot.GlobOrder
	boot.GlobOrder = ""
	if err := stage(&boot.KernelImagePath, order, bases.Kernel, "kernel image"); err != nil {
		return staged, err
	}
	if boot.InitrdPath != "" {
		if err := stage(&boot.InitrdPath, order, bases.Initrd, "initrd"); err != nil {
			return staged, err
		}
	}

	for i := range cfg.Drives {
		drive := &cfg.Drives[i]
		order := drive.GlobOrder
		drive.GlobOrder = ""
		what := "drive"
		if id := drive.ID(); id != "" {
			what = fmt.Sprintf("drive %q", id)
		}
		if err := stage(&drive.PathOnHost, order, bases.Image, what); err != nil {
			return staged, err
		}
	}
	return staged, nil
}
