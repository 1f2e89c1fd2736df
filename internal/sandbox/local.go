package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/google/uuid"
	"github.com/moby/sys/mount"
	"github.com/moby/sys/symlink"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"

	"github.com/buildstream-core/bstcore/internal/cas"
	"github.com/buildstream-core/bstcore/internal/digest"
	"github.com/buildstream-core/bstcore/internal/errkind"
)

var localLog = logrus.WithField("subsystem", "sandbox/local")

// Local runs a command directly on the host, staged into a scratch
// directory from CAS. It writes an OCI runtime
// config.json alongside the staged root describing the invocation, for
// parity with how a real container runtime would be invoked, then runs
// the command directly via os/exec rather than shelling out to runc: this
// module targets plain process isolation, not full container creation.
type Local struct {
	store *cas.Store
	cfg   Config

	stagedDir  string
	devMounted bool
	cgroup     *cgroup2.Manager
	stdout     bytes.Buffer
	stderr     bytes.Buffer
}

// NewLocal returns a Local sandbox backed by store.
func NewLocal(store *cas.Store) *Local {
	return &Local{store: store}
}

// Configure records cfg for the next Stage/Run cycle.
func (l *Local) Configure(cfg Config) error {
	if _, err := cfg.NormalizedPlatform(); err != nil {
		return err
	}
	l.cfg = cfg
	return nil
}

// Stage checks out root into a fresh scratch directory.
func (l *Local) Stage(ctx context.Context, root digest.Digest) error {
	dir, err := l.store.StageDirectory(root)
	if err != nil {
		return errkind.Sandbox("stage sandbox root", err)
	}
	l.stagedDir = dir
	if l.cfg.BindDev {
		l.mountDev()
	}
	return l.writeRuntimeSpec()
}

// mountDev bind-mounts the host's /dev read-only into the staged root.
// Best-effort: unprivileged builds silently run without it, since most
// build commands never touch device nodes.
func (l *Local) mountDev() {
	if runtime.GOOS != "linux" {
		return
	}
	target := filepath.Join(l.stagedDir, "dev")
	if err := os.MkdirAll(target, 0o755); err != nil {
		localLog.WithError(err).Debug("could not create sandbox /dev mountpoint")
		return
	}
	if err := mount.Mount("/dev", target, "bind", "bind,ro"); err != nil {
		localLog.WithError(err).Debug("/dev bind mount unavailable, continuing without it")
		return
	}
	l.devMounted = true
}

func (l *Local) writeRuntimeSpec() error {
	spec := &specs.Spec{
		Version: "1.0.2",
		Process: &specs.Process{
			Cwd:  defaultString(l.cfg.Cwd, "/"),
			Args: l.cfg.Command,
			Env:  flattenEnv(l.cfg.Env),
		},
		Root: &specs.Root{Path: l.stagedDir},
	}
	b, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("sandbox: marshal runtime spec: %w", err)
	}
	return os.WriteFile(l.stagedDir+"-config.json", b, 0o644)
}

// Run executes the configured command with its working directory rooted
// at the staged tree, best-effort accounted under a transient cgroup when
// running as root on a cgroup v2 host.
func (l *Local) Run(ctx context.Context) (*Result, error) {
	if len(l.cfg.Command) == 0 {
		return nil, errkind.Sandbox("run sandbox command", fmt.Errorf("no command configured"))
	}

	cwd := filepath.Join(l.stagedDir, l.cfg.Cwd)
	cmd := exec.CommandContext(ctx, l.cfg.Command[0], l.cfg.Command[1:]...)
	cmd.Dir = cwd
	cmd.Env = flattenEnv(l.cfg.Env)
	cmd.Stdout = &l.stdout
	cmd.Stderr = &l.stderr

	l.startCgroup()
	defer l.stopCgroup()

	err := cmd.Start()
	if err == nil {
		l.addToCgroup(cmd.Process.Pid)
		err = cmd.Wait()
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, errkind.Sandbox("launch sandbox command", err)
		}
	}

	stdoutDigest, perr := l.store.AddBlob(l.stdout.Bytes())
	if perr != nil {
		return nil, perr
	}
	stderrDigest, perr := l.store.AddBlob(l.stderr.Bytes())
	if perr != nil {
		return nil, perr
	}

	return &Result{ExitCode: exitCode, Stdout: stdoutDigest, Stderr: stderrDigest}, nil
}

// startCgroup is a best-effort accounting hook: on non-Linux hosts, or
// when the caller lacks permission to create cgroups, it silently no-ops.
func (l *Local) startCgroup() {
	if runtime.GOOS != "linux" {
		return
	}
	mgr, err := cgroup2.NewManager("/sys/fs/cgroup", fmt.Sprintf("/bstcore-%d.slice", os.Getpid()), &cgroup2.Resources{})
	if err != nil {
		localLog.WithError(err).Debug("cgroup accounting unavailable, continuing without it")
		return
	}
	l.cgroup = mgr
}

func (l *Local) addToCgroup(pid int) {
	if l.cgroup == nil {
		return
	}
	if err := l.cgroup.AddProc(uint64(pid)); err != nil {
		localLog.WithError(err).Debug("failed to add sandbox process to cgroup")
	}
}

func (l *Local) stopCgroup() {
	if l.cgroup == nil {
		return
	}
	if err := l.cgroup.Delete(); err != nil {
		localLog.WithError(err).Debug("failed to remove sandbox cgroup")
	}
	l.cgroup = nil
}

// Collect imports the subset of the staged tree named by paths (relative
// to the sandbox root) into CAS, returning the digest of a fresh
// Directory tree rooted at those paths.
func (l *Local) Collect(ctx context.Context, paths []string) (digest.Digest, error) {
	if len(paths) == 0 {
		return l.store.ImportTree(l.stagedDir)
	}

	scratch := filepath.Join(os.TempDir(), "collect-"+uuid.NewString())
	if err := os.Mkdir(scratch, 0o755); err != nil {
		return digest.Digest{}, err
	}
	defer os.RemoveAll(scratch)

	for _, p := range paths {
		src := filepath.Join(l.stagedDir, p)
		dst := filepath.Join(scratch, p)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return digest.Digest{}, err
		}
		if err := copyPath(src, dst, scratch); err != nil {
			return digest.Digest{}, errkind.Sandbox("collect sandbox output", err)
		}
	}
	return l.store.ImportTree(scratch)
}

// Close removes the staged scratch directory and its runtime spec.
func (l *Local) Close() error {
	if l.stagedDir == "" {
		return nil
	}
	if l.devMounted {
		if err := mount.Unmount(filepath.Join(l.stagedDir, "dev")); err != nil {
			localLog.WithError(err).Debug("failed to unmount sandbox /dev")
		}
	}
	os.Remove(l.stagedDir + "-config.json")
	return os.RemoveAll(l.stagedDir)
}

// copyPath copies src into dst, confining every symlink it writes to stay
// inside root: a staged output whose symlink points outside the sandbox
// root (absolute, or via "../" segments) must not let Collect escape the
// destination tree when that symlink is later followed.
func copyPath(src, dst, root string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		linkDir := filepath.Dir(dst)
		raw := target
		if !filepath.IsAbs(raw) {
			raw = filepath.Join(linkDir, raw)
		}
		safe, err := symlink.FollowSymlinkInScope(raw, root)
		if err != nil {
			return errkind.Sandbox("resolve symlink target within sandbox root", err)
		}
		rel, err := filepath.Rel(linkDir, safe)
		if err != nil {
			return err
		}
		return os.Symlink(rel, dst)
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyPath(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name()), root); err != nil {
				return err
			}
		}
		return nil
	default:
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, info.Mode().Perm())
	}
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
