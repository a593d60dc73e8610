// Package vmconfig reads and writes Firecracker VM config files.
//
// Only the fields firestarter rewrites are typed. Everything else in the
// document, including unknown keys inside typed sections, is carried through
// unchanged so the jailed Firecracker sees the operator's config verbatim.
package vmconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultKernelImagePath = "vmlinux-*"
	DefaultBootArgs        = "console=ttyS0 reboot=k panic=1 pci=off quiet i8042.noaux i8042.nomux i8042.nopnp i8042.dumbkbd"
)

type Config struct {
	BootSource        *BootSource
	Drives            []Drive
	NetworkInterfaces []NetworkInterface

	extra fields
}

type BootSource struct {
	KernelImagePath string
	InitrdPath      string
	BootArgs        string
	// GlobOrder names the artifact ordering for the kernel and initrd
	// patterns. It is consumed during staging.
	GlobOrder string

	extra fields
}

type Drive struct {
	PathOnHost string
	GlobOrder  string

	extra fields
}

type NetworkInterface struct {
	HostDevName    string
	HostBridgeName string
	IPAddress      string
	Gateway        string
	DNS            DNSServers

	extra fields
}

// DNSServers accepts either a single address or a list in JSON.
type DNSServers []string

func (d *DNSServers) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if single == "" {
			*d = nil
		} else {
			*d = DNSServers{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("dns must be a string or a list of strings: %w", err)
	}
	*d = list
	return nil
}

// Name derives the VM name from a config path: the file name with a
// trailing .json removed.
func Name(path string) string {
	base := filepath.Base(path)
	if trimmed := strings.TrimSuffix(base, ".json"); trimmed != "" {
		return trimmed
	}
	return base
}

// Load reads the config at path. A missing boot-source section is replaced
// with the default kernel pattern and boot arguments.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if cfg.BootSource == nil {
		cfg.BootSource = &BootSource{
			KernelImagePath: DefaultKernelImagePath,
			BootArgs:        DefaultBootArgs,
		}
	}
	return cfg, nil
}

// WriteFile serializes cfg to path.
func (c *Config) WriteFile(path string) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (c *Config) UnmarshalJSON(b []byte) error {
	f := fields{}
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	if _, err := f.take("boot-source", &c.BootSource); err != nil {
		return err
	}
	if _, err := f.take("drives", &c.Drives); err != nil {
		return err
	}
	if _, err := f.take("network-interfaces", &c.NetworkInterfaces); err != nil {
		return err
	}
	c.extra = f
	return nil
}

func (c Config) MarshalJSON() ([]byte, error) {
	f := c.extra.clone()
	if c.BootSource != nil {
		if err := f.put("boot-source", c.BootSource); err != nil {
			return nil, err
		}
	}
	if c.Drives != nil {
		if err := f.put("drives", c.Drives); err != nil {
			return nil, err
		}
	}
	if c.NetworkInterfaces != nil {
		if err := f.put("network-interfaces", c.NetworkInterfaces); err != nil {
			return nil, err
		}
	}
	return json.Marshal(f)
}

func (s *BootSource) UnmarshalJSON(b []byte) error {
	f := fields{}
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	for key, dst := range map[string]*string{
		"kernel_image_path": &s.KernelImagePath,
		"initrd_path":       &s.InitrdPath,
		"boot_args":         &s.BootArgs,
		"glob_order":        &s.GlobOrder,
	} {
		if _, err := f.take(key, dst); err != nil {
			return err
		}
	}
	s.extra = f
	return nil
}

func (s BootSource) MarshalJSON() ([]byte, error) {
	f := s.extra.clone()
	if err := f.put("kernel_image_path", s.KernelImagePath); err != nil {
		return nil, err
	}
	if err := f.putNonEmpty(map[string]string{
		"initrd_path": s.InitrdPath,
		"boot_args":   s.BootArgs,
		"glob_order":  s.GlobOrder,
	}); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

func (d *Drive) UnmarshalJSON(b []byte) error {
	f := fields{}
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	if _, err := f.take("path_on_host", &d.PathOnHost); err != nil {
		return err
	}
	if _, err := f.take("glob_order", &d.GlobOrder); err != nil {
		return err
	}
	d.extra = f
	return nil
}

func (d Drive) MarshalJSON() ([]byte, error) {
	f := d.extra.clone()
	if err := f.put("path_on_host", d.PathOnHost); err != nil {
		return nil, err
	}
	if err := f.putNonEmpty(map[string]string{"glob_order": d.GlobOrder}); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// ID returns the drive_id field, if any. It is only used for log output.
func (d Drive) ID() string {
	var id string
	if raw, ok := d.extra["drive_id"]; ok {
		_ = json.Unmarshal(raw, &id)
	}
	return id
}

func (n *NetworkInterface) UnmarshalJSON(b []byte) error {
	f := fields{}
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	for key, dst := range map[string]*string{
		"host_dev_name":    &n.HostDevName,
		"host_bridge_name": &n.HostBridgeName,
		"ip_address":       &n.IPAddress,
		"gateway":          &n.Gateway,
	} {
		if _, err := f.take(key, dst); err != nil {
			return err
		}
	}
	if _, err := f.take("dns", &n.DNS); err != nil {
		return err
	}
	n.extra = f
	return nil
}

func (n NetworkInterface) MarshalJSON() ([]byte, error) {
	f := n.extra.clone()
	if err := f.putNonEmpty(map[string]string{
		"host_dev_name":    n.HostDevName,
		"host_bridge_name": n.HostBridgeName,
		"ip_address":       n.IPAddress,
		"gateway":          n.Gateway,
	}); err != nil {
		return nil, err
	}
	if len(n.DNS) > 0 {
		if err := f.put("dns", []string(n.DNS)); err != nil {
			return nil, err
		}
	}
	return json.Marshal(f)
}

// fields holds the raw members of a JSON object.
type fields map[string]json.RawMessage

// take decodes key into dst and removes it. It reports whether key was
// present.
func (f fields) take(key string, dst any) (bool, error) {
	raw, ok := f[key]
	if !ok {
		return false, nil
	}
	delete(f, key)
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("%s: %w", key, err)
	}
	return true, nil
}

func (f fields) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	f[key] = b
	return nil
}

func (f fields) putNonEmpty(values map[string]string) error {
	for key, value := range values {
		if value == "" {
			continue
		}
		if err := f.put(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (f fields) clone() fields {
	out := make(fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
