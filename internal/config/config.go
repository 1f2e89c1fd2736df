// Package config loads user and project configuration:
// cachedir resolution under the XDG base directories, remote-spec YAML,
// and human-readable quota sizes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/buildstream-core/bstcore/internal/cas"
)

// RemoteConfig is one remote entry as it appears in project.conf /
// bst.conf YAML.
type RemoteConfig struct {
	URL          string `yaml:"url"`
	InstanceName string `yaml:"instance-name,omitempty"`
	Type         string `yaml:"type,omitempty"`
	Push         bool   `yaml:"push,omitempty"`
	ServerCert   string `yaml:"server-cert,omitempty"`
	ClientKey    string `yaml:"client-key,omitempty"`
	ClientCert   string `yaml:"client-cert,omitempty"`
}

// ToSpec renders rc into the remote-spec string cas.ParseRemoteSpec
// understands, so YAML-configured remotes go through the same parser as
// remote-spec strings.
func (rc RemoteConfig) ToSpec() (*cas.RemoteSpec, error) {
	var b strings.Builder
	b.WriteString(rc.URL)
	if rc.InstanceName != "" {
		fmt.Fprintf(&b, ",instance-name=%s", rc.InstanceName)
	}
	if rc.Type != "" {
		fmt.Fprintf(&b, ",type=%s", rc.Type)
	}
	if rc.Push {
		b.WriteString(",push=true")
	}
	if rc.ServerCert != "" {
		fmt.Fprintf(&b, ",server-cert=%s", rc.ServerCert)
	}
	if rc.ClientKey != "" {
		fmt.Fprintf(&b, ",client-key=%s", rc.ClientKey)
	}
	if rc.ClientCert != "" {
		fmt.Fprintf(&b, ",client-cert=%s", rc.ClientCert)
	}
	return cas.ParseRemoteSpec(b.String())
}

// ProjectConfig is one project's section of the user configuration.
type ProjectConfig struct {
	ArtifactRemotes []RemoteConfig `yaml:"artifacts,omitempty"`
	SourceRemotes   []RemoteConfig `yaml:"source-caches,omitempty"`
}

// UserConfig is the top-level configuration file (conventionally
// "$XDG_CONFIG_HOME/buildstream/bst.conf").
type UserConfig struct {
	CacheDir string                   `yaml:"cachedir,omitempty"`
	Quota    string                   `yaml:"quota,omitempty"`
	Projects map[string]ProjectConfig `yaml:"projects,omitempty"`
}

// Load reads and parses a UserConfig from path.
func Load(path string) (*UserConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg UserConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// QuotaBytes parses the configured quota ("10GB", "500M", ...) via
// docker/go-units' RAMInBytes, which uses binary multiples ("1GB" is
// 1<<30 bytes), returning 0 (no limit) when unset.
func (c *UserConfig) QuotaBytes() (int64, error) {
	if c.Quota == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Quota)
	if err != nil {
		return 0, fmt.Errorf("config: invalid quota %q: %w", c.Quota, err)
	}
	return n, nil
}

// ResolvedCacheDir returns CacheDir if set, otherwise the XDG-derived
// default "$XDG_CACHE_HOME/buildstream" ("$HOME/.cache/buildstream" when
// XDG_CACHE_HOME is unset, per the XDG Base Directory spec).
func (c *UserConfig) ResolvedCacheDir() (string, error) {
	if c.CacheDir != "" {
		return c.CacheDir, nil
	}
	return DefaultCacheDir()
}

// DefaultCacheDir resolves "$XDG_CACHE_HOME/buildstream".
func DefaultCacheDir() (string, error) {
	return xdgDir("XDG_CACHE_HOME", ".cache")
}

// DefaultConfigDir resolves "$XDG_CONFIG_HOME/buildstream".
func DefaultConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir resolves "$XDG_DATA_HOME/buildstream".
func DefaultDataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func xdgDir(envVar, homeFallback string) (string, error) {
	if v := os.Getenv(envVar); v != "" {
		return filepath.Join(v, "buildstream"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, homeFallback, "buildstream"), nil
}
