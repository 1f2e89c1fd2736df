package artifactcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildstream-core/bstcore/internal/cas"
	"github.com/buildstream-core/bstcore/internal/digest"
	"github.com/buildstream-core/bstcore/internal/errkind"
)

// Cache is the artifact cache façade: refs under refsDir map
// project/normal_name/key to the digest of a serialized Artifact blob in
// store, under the cachedir layout
// "artifacts/refs/<project>/<normal_name>/<key>".
type Cache struct {
	store   *cas.Store
	remotes *cas.RemoteSet
	refsDir string
}

// New opens an artifact cache rooted at refsDir.
func New(store *cas.Store, remotes *cas.RemoteSet, refsDir string) *Cache {
	return &Cache{store: store, remotes: remotes, refsDir: refsDir}
}

func (c *Cache) refPath(project, elementName, key string) string {
	return filepath.Join(c.refsDir, project, NormalName(elementName), key)
}

// Store serializes artifact and records it under both its strict and weak
// keys for project.
func (c *Cache) Store(project string, artifact *Artifact) (digest.Digest, error) {
	b, err := artifact.Marshal()
	if err != nil {
		return digest.Digest{}, err
	}
	blob, err := c.store.AddBlob(b)
	if err != nil {
		return digest.Digest{}, err
	}
	if artifact.StrictKey != "" {
		if err := c.writeRef(project, artifact.ElementName, artifact.StrictKey, blob); err != nil {
			return digest.Digest{}, err
		}
	}
	if artifact.WeakKey != "" && artifact.WeakKey != artifact.StrictKey {
		if err := c.writeRef(project, artifact.ElementName, artifact.WeakKey, blob); err != nil {
			return digest.Digest{}, err
		}
	}
	return blob, nil
}

func (c *Cache) writeRef(project, elementName, key string, blob digest.Digest) error {
	path := c.refPath(project, elementName, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errkind.Sandbox("create artifact ref directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "ref-*")
	if err != nil {
		return errkind.Sandbox("create artifact ref file", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(blob.String()); err != nil {
		tmp.Close()
		return errkind.Sandbox("write artifact ref file", err)
	}
	if err := tmp.Close(); err != nil {
		return errkind.Sandbox("close artifact ref file", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Get loads the artifact recorded under key for elementName in project, if
// present locally.
func (c *Cache) Get(project, elementName, key string) (*Artifact, bool) {
	raw, err := os.ReadFile(c.refPath(project, elementName, key))
	if err != nil {
		return nil, false
	}
	blob, err := digest.Parse(string(raw))
	if err != nil {
		return nil, false
	}
	data, err := c.store.ReadAll(blob)
	if err != nil {
		return nil, false
	}
	artifact, err := Unmarshal(data)
	if err != nil {
		return nil, false
	}
	return artifact, true
}

// HasFetchRemotes reports whether project has any configured artifact
// remote.
func (c *Cache) HasFetchRemotes(project string) bool { return c.remotes.HasFetchRemotes(project) }

// HasPushRemotes reports whether project has a push-enabled artifact
// remote.
func (c *Cache) HasPushRemotes(project string) bool { return c.remotes.HasPushRemotes(project) }

// Pull tries strictKey first and falls back to weakKey, matching the
// non-strict build's willingness to reuse a result keyed by configuration
// alone. A weak-key hit is
// re-recorded under strictKey once pulled, so later lookups by the strict
// key succeed without another round trip.
func (c *Cache) Pull(ctx context.Context, project, elementName, strictKey, weakKey string) (*Artifact, bool, error) {
	if a, ok := c.Get(project, elementName, strictKey); ok {
		return a, true, nil
	}

	for _, key := range dedupKeys(strictKey, weakKey) {
		for _, r := range c.remotes.Remotes(project) {
			blob, ok, err := r.GetCachedTree(ctx, refKey(project, elementName, key))
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
			if err := c.pullArtifactBlob(ctx, r, blob); err != nil {
				return nil, false, err
			}
			data, err := c.store.ReadAll(blob)
			if err != nil {
				return nil, false, err
			}
			artifact, err := Unmarshal(data)
			if err != nil {
				return nil, false, err
			}
			if err := c.pullClosure(ctx, r, artifact); err != nil {
				return nil, false, err
			}
			if err := c.writeRef(project, elementName, strictKey, blob); err != nil {
				return nil, false, err
			}
			if weakKey != "" {
				if err := c.writeRef(project, elementName, weakKey, blob); err != nil {
					return nil, false, err
				}
			}
			return artifact, true, nil
		}
	}
	return nil, false, nil
}

func (c *Cache) pullArtifactBlob(ctx context.Context, r *cas.Remote, blob digest.Digest) error {
	if c.store.Contains(blob) {
		return nil
	}
	return r.FetchBlobs(ctx, []digest.Digest{blob}, func(d digest.Digest, data []byte) error {
		_, err := c.store.AddBlob(data)
		return err
	})
}

func (c *Cache) pullClosure(ctx context.Context, r *cas.Remote, artifact *Artifact) error {
	for _, d := range []digest.Digest{artifact.Files, artifact.BuildTree} {
		if d.IsZero() || c.store.ContainsDirectory(d, true) {
			continue
		}
		if _, err := r.PullTree(ctx, d, func(bd digest.Digest, data []byte) error {
			_, err := c.store.AddBlob(data)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// Push uploads artifact to every push-enabled remote configured for
// project. Tainted artifacts are never pushed.
func (c *Cache) Push(ctx context.Context, project string, artifact *Artifact) (int, error) {
	if artifact.Tainted {
		return 0, nil
	}

	blob, ok := func() (digest.Digest, bool) {
		if artifact.StrictKey == "" {
			return digest.Digest{}, false
		}
		raw, err := os.ReadFile(c.refPath(project, artifact.ElementName, artifact.StrictKey))
		if err != nil {
			return digest.Digest{}, false
		}
		d, err := digest.Parse(string(raw))
		return d, err == nil
	}()
	if !ok {
		return 0, errkind.NotFound("push artifact", artifact.ElementName, fmt.Errorf("artifact not committed locally"))
	}

	var treeDigests []digest.Digest
	for _, d := range []digest.Digest{artifact.Files, artifact.BuildTree} {
		if !d.IsZero() {
			treeDigests = append(treeDigests, d)
		}
	}

	pushed := 0
	for _, r := range c.remotes.PushRemotes(project) {
		var blobDigests []digest.Digest
		for _, t := range treeDigests {
			if err := c.store.WalkTree(t, func(d digest.Digest) { blobDigests = append(blobDigests, d) }); err != nil {
				return pushed, err
			}
		}
		blobDigests = append(blobDigests, blob)
		if err := r.SendBlobs(ctx, blobDigests, c.store.ReadAll); err != nil {
			return pushed, err
		}
		if artifact.StrictKey != "" {
			if err := r.PutCachedTree(ctx, refKey(project, artifact.ElementName, artifact.StrictKey), blob); err != nil {
				return pushed, err
			}
		}
		if artifact.WeakKey != "" && artifact.WeakKey != artifact.StrictKey {
			if err := r.PutCachedTree(ctx, refKey(project, artifact.ElementName, artifact.WeakKey), blob); err != nil {
				return pushed, err
			}
		}
		pushed++
	}
	return pushed, nil
}

func refKey(project, elementName, key string) string {
	return project + "/" + NormalName(elementName) + "/" + key
}

func dedupKeys(strict, weak string) []string {
	if weak == "" || weak == strict {
		return []string{strict}
	}
	return []string{strict, weak}
}
