// Package network creates the host side of VM network interfaces and
// derives the guest's kernel ip= configuration.
package network

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/s-hamann/firecracker-tools/internal/vmconfig"
)

const (
	TapPrefix = "fctap"
	// MaxTapDevices bounds the fctapN namespace.
	MaxTapDevices = 32768
)

var ErrNoFreeDevice = errors.New("no free tap device name")

// Links manipulates host network links.
type Links interface {
	Names() ([]string, error)
	CreateTap(name string, uid, gid int) error
	SetMaster(name, bridge string) error
	SetUp(name string) error
	// Delete removes a link. A missing link is not an error.
	Delete(name string) error
}

// Record is a tap device created for this instance.
type Record struct {
	Name   string
	Bridge string
}

type Provisioner struct {
	Links  Links
	UID    int
	GID    int
	Logger *log.Logger

	records []Record
}

// NextTapName returns the lowest fctapN not in existing.
func NextTapName(existing []string) (string, error) {
	taken := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		taken[name] = struct{}{}
	}
	for i := 0; i < MaxTapDevices; i++ {
		name := TapPrefix + strconv.Itoa(i)
		if _, ok := taken[name]; !ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s0..%s%d are all in use", ErrNoFreeDevice, TapPrefix, TapPrefix, MaxTapDevices-1)
}

// Provision walks cfg's network interfaces in declaration order. Interfaces
// with a host_bridge_name but no host_dev_name get a fresh tap device
// attached to that bridge. Interfaces with an ip_address get an ip= clause
// appended to the boot arguments, tagged eth<index>. Consumed keys are
// removed from the interface. Devices created before a failure stay
// recorded for Teardown.
func (p *Provisioner) Provision(ctx context.Context, cfg *vmconfig.Config, hostname string) error {
	logger := p.logger()
	for i := range cfg.NetworkInterfaces {
		if err := ctx.Err(); err != nil {
			return err
		}
		iface := &cfg.NetworkInterfaces[i]

		if iface.HostDevName == "" && iface.HostBridgeName != "" {
			name, err := p.attachTap(iface.HostBridgeName)
			if err != nil {
				return fmt.Errorf("network interface %d: %w", i, err)
			}
			logger.Info("created tap device", "device", name, "bridge", iface.HostBridgeName)
			iface.HostDevName = name
			iface.HostBridgeName = ""
		}

		if iface.IPAddress != "" {
			clause, err := IPConfig(i, hostname, *iface)
			if err != nil {
				return fmt.Errorf("network interface %d: %w", i, err)
			}
			if cfg.BootSource.BootArgs == "" {
				cfg.BootSource.BootArgs = clause
			} else {
				cfg.BootSource.BootArgs += " " + clause
			}
			iface.IPAddress, iface.Gateway, iface.DNS = "", "", nil
		}
	}
	return nil
}

func (p *Provisioner) attachTap(bridge string) (string, error) {
	existing, err := p.Links.Names()
	if err != nil {
		return "", fmt.Errorf("list host network devices: %w", err)
	}
	name, err := NextTapName(existing)
	if err != nil {
		return "", err
	}
	if err := p.Links.CreateTap(name, p.UID, p.GID); err != nil {
		return "", fmt.Errorf("create tap device %s: %w", name, err)
	}
	p.records = append(p.records, Record{Name: name, Bridge: bridge})
	if err := p.Links.SetMaster(name, bridge); err != nil {
		return "", fmt.Errorf("attach %s to bridge %s: %w", name, bridge, err)
	}
	if err := p.Links.SetUp(name); err != nil {
		return "", fmt.Errorf("set %s up: %w", name, err)
	}
	return name, nil
}

// Records returns the devices created so far.
func (p *Provisioner) Records() []Record {
	return slices.Clone(p.records)
}

// Teardown deletes every recorded device. It keeps going past failures and
// returns them joined. The record list is cleared, so a second call does
// nothing.
func (p *Provisioner) Teardown() error {
	if p == nil {
		return nil
	}
	records := p.records
	p.records = nil

	var errs []error
	for _, r := range records {
		if err := p.Links.Delete(r.Name); err != nil {
			errs = append(errs, fmt.Errorf("delete tap device %s: %w", r.Name, err))
			continue
		}
		p.logger().Debug("deleted tap device", "device", r.Name)
	}
	return errors.Join(errs...)
}

func (p *Provisioner) logger() *log.Logger {
	if p.Logger == nil {
		return log.Default()
	}
	return p.Logger
}
