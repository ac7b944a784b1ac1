// Package config loads the jail configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Lylelee/nsjail/internal/cgroup"
	"github.com/Lylelee/nsjail/internal/isolation"
	"github.com/Lylelee/nsjail/internal/logger"
	"github.com/Lylelee/nsjail/internal/network"
	"github.com/Lylelee/nsjail/internal/stack"
	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"gopkg.in/yaml.v3"
)

const defaultSnapLen = 65536

// CgroupConfig holds resource governor settings.
type CgroupConfig struct {
	Root       string        `yaml:"root"`
	AttachMode string        `yaml:"attachMode"`
	Limits     cgroup.Limits `yaml:"limits"`
}

// IsolationConfig holds settings for the namespaced init.
type IsolationConfig struct {
	StackSize    int      `yaml:"stackSize"`
	Env          []string `yaml:"env"`
	SharedSource string   `yaml:"sharedSource"`
	SharedTarget string   `yaml:"sharedTarget"`
}

// CaptureConfig holds traffic capture settings. An empty File disables capture.
type CaptureConfig struct {
	File    string `yaml:"file"`
	SnapLen int    `yaml:"snapLen"`
}

// Config is the whole configuration file.
type Config struct {
	Log       logger.Config   `yaml:"log"`
	Cgroup    CgroupConfig    `yaml:"cgroup"`
	Network   network.Config  `yaml:"network"`
	Isolation IsolationConfig `yaml:"isolation"`
	Capture   CaptureConfig   `yaml:"capture"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: logger.Config{
			Level:  "info",
			Format: "console",
		},
		Cgroup: CgroupConfig{
			Root:       cgroup.DefaultRoot,
			AttachMode: string(isolation.AttachClone),
			Limits:     cgroup.DefaultLimits(),
		},
		Network: network.DefaultConfig(),
		Isolation: IsolationConfig{
			StackSize: stack.DefaultSize,
			Env: []string{
				"TERM=xterm-256color",
				"PATH=/bin:/sbin:/usr/bin:/usr/sbin",
			},
		},
		Capture: CaptureConfig{SnapLen: defaultSnapLen},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ValidationFailed, "read config file failed")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, appErr.Wrapf(err, appErr.ValidationFailed, "parse config file failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Network.Validate(); err != nil {
		return err
	}
	if err := c.Cgroup.Limits.Validate(); err != nil {
		return err
	}
	if _, err := isolation.ParseAttachMode(c.Cgroup.AttachMode); err != nil {
		return err
	}
	if c.Cgroup.Root == "" {
		return appErr.ValidationError("cgroup.root", "is required")
	}
	if c.Isolation.StackSize < 4096 || c.Isolation.StackSize%os.Getpagesize() != 0 {
		return appErr.ValidationError("isolation.stackSize", "must be a page multiple of at least 4096")
	}
	for _, kv := range c.Isolation.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			return appErr.ValidationError("isolation.env", fmt.Sprintf("%q is not KEY=VALUE", kv))
		}
	}
	if (c.Isolation.SharedSource == "") != (c.Isolation.SharedTarget == "") {
		return appErr.ValidationError("isolation.shared", "source and target must be set together")
	}
	if c.Isolation.SharedTarget != "" && !strings.HasPrefix(c.Isolation.SharedTarget, "/") {
		return appErr.ValidationError("isolation.sharedTarget", "must be absolute inside the root")
	}
	if c.Capture.File != "" && c.Capture.SnapLen <= 0 {
		return appErr.ValidationError("capture.snapLen", "must be positive")
	}
	return nil
}
