// Package runtimeconfig loads host-wide defaults for firestarter. Command
// line flags take precedence over everything here.
package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	JailerPath      string `yaml:"jailer_path"`
	FirecrackerPath string `yaml:"firecracker_path"`
	User            string `yaml:"user"`
	// Relative base directories are taken relative to the VM config file.
	ChrootBaseDir  string   `yaml:"chroot_base_dir"`
	KernelBaseDir  string   `yaml:"kernel_base_dir"`
	InitrdBaseDir  string   `yaml:"initrd_base_dir"`
	ImageBaseDir   string   `yaml:"image_base_dir"`
	LogLevel       string   `yaml:"log_level"`
	Cgroups        []string `yaml:"cgroups"`
	ResourceLimits []string `yaml:"resource_limits"`
	NewPIDNS       bool     `yaml:"new_pid_ns"`
	NUMANode       *int     `yaml:"numa_node"`
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "firestarter", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "firestarter", "config.yaml"), nil
}

// Load reads the runtime config. A missing file yields the zero Config.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.NUMANode != nil && *cfg.NUMANode < 0 {
		return Config{}, path, fmt.Errorf("parse %s: numa_node must not be negative", path)
	}

	cfg.JailerPath = strings.TrimSpace(cfg.JailerPath)
	cfg.FirecrackerPath = strings.TrimSpace(cfg.FirecrackerPath)
	cfg.User = strings.TrimSpace(cfg.User)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	return cfg, path, nil
}
