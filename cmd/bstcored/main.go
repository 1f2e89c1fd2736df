// Command bstcored is a thin driver that wires the core packages together
// for manual exercise of the build pipeline: stage an empty tree, run a
// command in a sandbox, and record the result in the artifact cache. It is
// not the project's CLI/TUI front end (that stays out of scope), it is
// test/ops tooling for exercising the sandbox and caches end to end.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/buildstream-core/bstcore/internal/artifactcache"
	"github.com/buildstream-core/bstcore/internal/cachekey"
	"github.com/buildstream-core/bstcore/internal/cas"
	"github.com/buildstream-core/bstcore/internal/config"
	"github.com/buildstream-core/bstcore/internal/digest"
	"github.com/buildstream-core/bstcore/internal/sandbox"
	"github.com/buildstream-core/bstcore/internal/sourcecache"
)

var log = logrus.WithField("subsystem", "bstcored")

type rootFlags struct {
	cacheDir   string
	configPath string
	project    string
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "bstcored",
		Short: "Drive the BuildStream core build pipeline for one element",
	}
	root.PersistentFlags().StringVar(&flags.cacheDir, "cachedir", "", "override the CAS cache directory (default: XDG cache dir)")
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a bst.conf-style YAML config file")
	root.PersistentFlags().StringVar(&flags.project, "project", "default", "project name, used to namespace artifact and source cache refs")

	root.AddCommand(newBuildCommand(flags))
	root.AddCommand(newShowCommand(flags))

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

// env holds the cache facades one invocation needs; build and show each
// open their own since bstcored is a one-shot CLI, not a daemon.
type env struct {
	store     *cas.Store
	sources   *sourcecache.Cache
	artifacts *artifactcache.Cache
}

func openEnv(flags *rootFlags) (*env, error) {
	var cfg config.UserConfig
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if flags.cacheDir != "" {
		cfg.CacheDir = flags.cacheDir
	}

	cacheDir, err := cfg.ResolvedCacheDir()
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}
	quota, err := cfg.QuotaBytes()
	if err != nil {
		return nil, err
	}

	store, err := cas.NewStore(cacheDir, quota)
	if err != nil {
		return nil, fmt.Errorf("open CAS store at %s: %w", cacheDir, err)
	}

	sourceRefsDir, err := ensureSubdir(cacheDir, "source_refs")
	if err != nil {
		return nil, err
	}
	artifactRefsDir, err := ensureSubdir(cacheDir, filepath.Join("artifacts", "refs"))
	if err != nil {
		return nil, err
	}

	remotes := cas.NewRemoteSet(nil)
	return &env{
		store:     store,
		sources:   sourcecache.New(store, remotes, sourceRefsDir),
		artifacts: artifactcache.New(store, remotes, artifactRefsDir),
	}, nil
}

func ensureSubdir(cacheDir, sub string) (string, error) {
	path := filepath.Join(cacheDir, sub)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	return path, nil
}

func newBuildCommand(flags *rootFlags) *cobra.Command {
	var command []string
	var platform string
	var workspace bool
	var buildDeps []string

	cmd := &cobra.Command{
		Use:   "build <element>",
		Short: "Run a command in a fresh sandbox and record the result as an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			elementName := args[0]
			if len(command) == 0 {
				command = []string{"true"}
			}

			e, err := openEnv(flags)
			if err != nil {
				return err
			}

			sb := sandbox.NewLocal(e.store)
			if err := sb.Configure(sandbox.Config{
				Platform: platform,
				Command:  command,
			}); err != nil {
				return fmt.Errorf("configure sandbox: %w", err)
			}

			emptyRoot, err := e.store.PutDirectory(&cas.Directory{})
			if err != nil {
				return fmt.Errorf("create empty staging root: %w", err)
			}
			if err := sb.Stage(cmd.Context(), emptyRoot); err != nil {
				return fmt.Errorf("stage sandbox: %w", err)
			}
			defer func() {
				if err := sb.Close(); err != nil {
					log.WithError(err).Warn("sandbox cleanup failed")
				}
			}()

			result, err := sb.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("run command: %w", err)
			}
			log.WithFields(logrus.Fields{
				"element":  elementName,
				"exitCode": result.ExitCode,
			}).Info("sandbox run finished")

			outputTree, err := sb.Collect(cmd.Context(), nil)
			if err != nil {
				return fmt.Errorf("collect sandbox output: %w", err)
			}

			strictKey, err := cachekey.Generate(command)
			if err != nil {
				return fmt.Errorf("compute cache key: %w", err)
			}

			deps, err := resolveBuildDepArtifacts(e.artifacts, flags.project, buildDeps)
			if err != nil {
				return err
			}

			artifact := artifactcache.BuildArtifact(
				elementName, strictKey, strictKey,
				result.ExitCode == 0, workspace,
				outputTree, digest.Digest{}, result.Stdout,
				deps,
			)
			if _, err := e.artifacts.Store(flags.project, artifact); err != nil {
				return fmt.Errorf("store artifact: %w", err)
			}

			fmt.Printf("%s: exit=%d strict-key=%s\n", elementName, result.ExitCode, strictKey)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&command, "command", nil, "command to run in the sandbox (repeat for each argument)")
	cmd.Flags().StringVar(&platform, "platform", "", "target platform (e.g. linux/amd64)")
	cmd.Flags().BoolVar(&workspace, "workspace", false, "mark this build as sourced from an open workspace, tainting its artifact")
	cmd.Flags().StringArrayVar(&buildDeps, "depends-on", nil, "name:strict-key of a build-scoped dependency already recorded in the artifact cache (repeatable); a tainted dependency taints this artifact too")
	return cmd
}

// resolveBuildDepArtifacts loads the cached artifact for each "name:key"
// pair in specs, so BuildArtifact can OR-reduce their Tainted status into
// the one being recorded.
func resolveBuildDepArtifacts(artifacts *artifactcache.Cache, project string, specs []string) ([]*artifactcache.Artifact, error) {
	deps := make([]*artifactcache.Artifact, 0, len(specs))
	for _, spec := range specs {
		name, key, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("--depends-on %q: expected name:strict-key", spec)
		}
		dep, ok := artifacts.Get(project, name, key)
		if !ok {
			return nil, fmt.Errorf("--depends-on %q: no cached artifact under that key", spec)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

func newShowCommand(flags *rootFlags) *cobra.Command {
	var strictKey string

	cmd := &cobra.Command{
		Use:   "show <element>",
		Short: "Print the cached artifact recorded for an element, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			elementName := args[0]

			e, err := openEnv(flags)
			if err != nil {
				return err
			}

			artifact, ok := e.artifacts.Get(flags.project, elementName, strictKey)
			if !ok {
				fmt.Printf("%s: not cached\n", elementName)
				return nil
			}
			fmt.Printf("%s: success=%v strict-key=%s weak-key=%s files=%s\n",
				elementName, artifact.Success, artifact.StrictKey, artifact.WeakKey, artifact.Files)
			return nil
		},
	}
	cmd.Flags().StringVar(&strictKey, "key", "", "strict or weak cache key to look up (as printed by 'build')")
	return cmd
}
