// Package sandbox implements the Configure/Stage/Run/Collect contract
// that both the local and remote execution backends satisfy.
package sandbox

import (
	"context"
	"fmt"

	"github.com/containerd/platforms"

	"github.com/buildstream-core/bstcore/internal/digest"
)

// Config describes one sandboxed invocation: the platform it must run on,
// its working directory and environment, and the command to execute.
type Config struct {
	Platform string
	Cwd      string
	Env      map[string]string
	Command  []string

	// BindDev requests that the host's /dev be bind-mounted read-only into
	// the staged root; the Local backend ignores this when not running as
	// root.
	BindDev bool
}

// NormalizedPlatform parses and normalizes cfg.Platform (e.g.
// "linux/amd64") via containerd/platforms, the same normalization REAPI
// clients use to match worker capabilities.
func (cfg Config) NormalizedPlatform() (string, error) {
	if cfg.Platform == "" {
		return platforms.Format(platforms.DefaultSpec()), nil
	}
	p, err := platforms.Parse(cfg.Platform)
	if err != nil {
		return "", fmt.Errorf("sandbox: parse platform %q: %w", cfg.Platform, err)
	}
	return platforms.Format(platforms.Normalize(p)), nil
}

// Result is the outcome of one Run.
type Result struct {
	ExitCode int
	Stdout   digest.Digest
	Stderr   digest.Digest
}

// Sandbox is implemented by the local and remote execution backends.
// Configure must be called before Stage; Stage before Run; Run before
// Collect. Close releases any backend-specific resources (a staged
// tempdir locally, an Operation handle remotely).
type Sandbox interface {
	Configure(cfg Config) error
	Stage(ctx context.Context, root digest.Digest) error
	Run(ctx context.Context) (*Result, error)
	Collect(ctx context.Context, paths []string) (digest.Digest, error)
	Close() error
}
