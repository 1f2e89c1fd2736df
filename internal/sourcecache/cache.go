// Package sourcecache is the source cache façade: it stages plugin-fetched source trees into local CAS, keys them
// by each source's unique_key, and pulls/pushes those trees against a
// project's configured remotes.
package sourcecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildstream-core/bstcore/internal/cachekey"
	"github.com/buildstream-core/bstcore/internal/cas"
	"github.com/buildstream-core/bstcore/internal/digest"
	"github.com/buildstream-core/bstcore/internal/errkind"
	"github.com/buildstream-core/bstcore/internal/sourceref"
)

// Cache is one project's view of the source cache: local staging through
// store, remote resolution through remotes.
type Cache struct {
	store   *cas.Store
	remotes *cas.RemoteSet
	refsDir string
}

// New opens a source cache rooted at refsDir.
func New(store *cas.Store, remotes *cas.RemoteSet, refsDir string) *Cache {
	return &Cache{store: store, remotes: remotes, refsDir: refsDir}
}

// Key computes a source's cache key from its unique_key.
func Key(s *sourceref.Source) (string, error) {
	if !s.IsResolved() {
		return "", errkind.CacheKeyPending("source is not resolved")
	}
	return cachekey.Generate(s.UniqueKey())
}

func (c *Cache) refPath(key string) string {
	return filepath.Join(c.refsDir, key[:2], key)
}

// Stage imports localDir (the plugin's checked-out working tree for
// source) into CAS and records it against source's key, returning the
// resulting root tree digest.
func (c *Cache) Stage(source *sourceref.Source, localDir string) (digest.Digest, error) {
	key, err := Key(source)
	if err != nil {
		return digest.Digest{}, err
	}
	root, err := c.store.ImportTree(localDir)
	if err != nil {
		return digest.Digest{}, errkind.Sandbox("import source tree", err)
	}
	if err := c.commit(key, root); err != nil {
		return digest.Digest{}, err
	}
	source.MarkStaged(root)
	return root, nil
}

func (c *Cache) commit(key string, root digest.Digest) error {
	path := c.refPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errkind.Sandbox("create source ref directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "ref-*")
	if err != nil {
		return errkind.Sandbox("create source ref file", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(root.String()); err != nil {
		tmp.Close()
		return errkind.Sandbox("write source ref file", err)
	}
	if err := tmp.Close(); err != nil {
		return errkind.Sandbox("close source ref file", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Contains reports whether key's tree is present in the local cache.
func (c *Cache) Contains(key string) (digest.Digest, bool) {
	raw, err := os.ReadFile(c.refPath(key))
	if err != nil {
		return digest.Digest{}, false
	}
	d, err := digest.Parse(string(raw))
	if err != nil {
		return digest.Digest{}, false
	}
	if !c.store.ContainsDirectory(d, true) {
		return digest.Digest{}, false
	}
	return d, true
}

// HasFetchRemotes reports whether project has any configured source
// remote.
func (c *Cache) HasFetchRemotes(project string) bool { return c.remotes.HasFetchRemotes(project) }

// HasPushRemotes reports whether project has a push-enabled source remote.
func (c *Cache) HasPushRemotes(project string) bool { return c.remotes.HasPushRemotes(project) }

// Pull attempts to fetch key's tree from project's remotes in configured
// order, stopping at the first remote that has it.
func (c *Cache) Pull(ctx context.Context, project, key string) (digest.Digest, bool, error) {
	if d, ok := c.Contains(key); ok {
		return d, true, nil
	}
	for _, r := range c.remotes.Remotes(project) {
		root, ok, err := r.GetCachedTree(ctx, key)
		if err != nil {
			return digest.Digest{}, false, err
		}
		if !ok {
			continue
		}
		if err := c.pullTreeInto(ctx, r, root); err != nil {
			return digest.Digest{}, false, err
		}
		if err := c.commit(key, root); err != nil {
			return digest.Digest{}, false, err
		}
		return root, true, nil
	}
	return digest.Digest{}, false, nil
}

func (c *Cache) pullTreeInto(ctx context.Context, r *cas.Remote, root digest.Digest) error {
	_, err := r.PullTree(ctx, root, func(d digest.Digest, data []byte) error {
		_, err := c.store.AddBlob(data)
		return err
	})
	return err
}

// Push uploads key's tree to every push-enabled remote configured for
// project. Returns the count of remotes that received
// the push.
func (c *Cache) Push(ctx context.Context, project, key string) (int, error) {
	root, ok := c.Contains(key)
	if !ok {
		return 0, errkind.NotFound("push source", key, fmt.Errorf("source tree not present locally"))
	}

	var blobDigests []digest.Digest
	if err := c.store.WalkTree(root, func(d digest.Digest) { blobDigests = append(blobDigests, d) }); err != nil {
		return 0, err
	}

	pushed := 0
	for _, r := range c.remotes.PushRemotes(project) {
		if err := r.SendBlobs(ctx, blobDigests, c.store.ReadAll); err != nil {
			return pushed, err
		}
		if err := r.PutCachedTree(ctx, key, root); err != nil {
			return pushed, err
		}
		pushed++
	}
	return pushed, nil
}
