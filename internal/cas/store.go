// Package cas implements the content-addressed store: a local
// blob+directory store addressed by (hash, size), plus a remote
// REAPI-speaking client and remote-spec parsing.
package cas

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/moby/go-archive"
	"github.com/sirupsen/logrus"

	"github.com/buildstream-core/bstcore/internal/digest"
	"github.com/buildstream-core/bstcore/internal/errkind"
)

var log = logrus.WithField("subsystem", "cas")

// Store is the local content-addressed blob store. All insertion is atomic
// and idempotent; concurrent insertion of equal content is serialized by
// per-digest locks (locks) but never duplicated on disk.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	quota *quotaTracker
}

// NewStore opens (creating if necessary) a local CAS rooted at dir/cas.
// quotaBytes <= 0 disables quota-driven eviction.
func NewStore(dir string, quotaBytes int64) (*Store, error) {
	root := filepath.Join(dir, "cas", "objects")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cas: create store root: %w", err)
	}
	s := &Store{root: root, locks: map[string]*sync.Mutex{}}
	if quotaBytes > 0 {
		qt, err := newQuotaTracker(root, quotaBytes)
		if err != nil {
			return nil, err
		}
		s.quota = qt
	}
	return s, nil
}

func (s *Store) objPath(d digest.Digest) string {
	dir, rest := d.ShardPath()
	return filepath.Join(s.root, dir, rest)
}

// Objpath returns the local filesystem path that would back d, without
// checking whether it's present. Callers use Contains first.
func (s *Store) Objpath(d digest.Digest) string { return s.objPath(d) }

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Contains reports whether d's bytes are present locally.
func (s *Store) Contains(d digest.Digest) bool {
	if d.Size == 0 {
		return true // the empty blob is always trivially present
	}
	_, err := os.Stat(s.objPath(d))
	if err == nil {
		if s.quota != nil {
			s.quota.touch(d)
		}
		return true
	}
	return false
}

// ContainsFiles reports whether every digest in ds is present locally.
func (s *Store) ContainsFiles(ds []digest.Digest) bool {
	for _, d := range ds {
		if !s.Contains(d) {
			return false
		}
	}
	return true
}

// AddBlob inserts b, returning its Digest. Equal content inserted
// concurrently is serialized on a per-digest lock and only ever written
// once.
func (s *Store) AddBlob(b []byte) (digest.Digest, error) {
	d := digest.FromBytes(b)
	if d.Size == 0 {
		return d, nil
	}
	l := s.lockFor(d.String())
	l.Lock()
	defer l.Unlock()

	if s.Contains(d) {
		return d, nil
	}
	if err := s.writeAtomic(d, bytes.NewReader(b), d.Size); err != nil {
		return digest.Digest{}, err
	}
	if s.quota != nil {
		s.quota.add(d)
	}
	return d, nil
}

func (s *Store) writeAtomic(d digest.Digest, r io.Reader, size int64) error {
	dir := filepath.Dir(s.objPath(d))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cas: mkdir %s: %w", dir, err)
	}
	tmpPath := filepath.Join(dir, ".tmp-"+uuid.NewString())
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cas: create temp: %w", err)
	}
	defer os.Remove(tmpPath) // no-op once renamed

	hashing := io.TeeReader(r, tmp)
	got, err := digest.FromReader(hashing)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if got.Hash != d.Hash || got.Size != size {
		return errkind.Corruption("blob hash mismatch on insert", fmt.Errorf("got %s, want %s", got, d))
	}
	if err := os.Chmod(tmpPath, 0o444); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.objPath(d)); err != nil {
		return fmt.Errorf("cas: finalize blob: %w", err)
	}
	return nil
}

// AddFile hashes and inserts the file at path, returning its Digest.
func (s *Store) AddFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.Digest{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return digest.Digest{}, err
	}
	d, err := digest.FromReader(f)
	if err != nil {
		return digest.Digest{}, err
	}
	if d.Size == 0 {
		return d, nil
	}
	l := s.lockFor(d.String())
	l.Lock()
	defer l.Unlock()
	if s.Contains(d) {
		return d, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return digest.Digest{}, err
	}
	if err := s.writeAtomic(d, f, info.Size()); err != nil {
		return digest.Digest{}, err
	}
	if s.quota != nil {
		s.quota.add(d)
	}
	return d, nil
}

// AddObjects hashes and inserts every file in paths, in order.
func (s *Store) AddObjects(paths []string) ([]digest.Digest, error) {
	out := make([]digest.Digest, 0, len(paths))
	for _, p := range paths {
		d, err := s.AddFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Open returns a ReadCloser streaming d's bytes. Returns a NotFound
// errkind.Error if d has vanished between Contains and Open.
func (s *Store) Open(d digest.Digest) (io.ReadCloser, error) {
	if d.Size == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	f, err := os.Open(s.objPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.NotFound("blob-vanished", "open blob", err)
		}
		return nil, err
	}
	if s.quota != nil {
		s.quota.touch(d)
	}
	return f, nil
}

// ReadAll is a convenience wrapper around Open for small blobs (proto
// metadata, Directory messages).
func (s *Store) ReadAll(d digest.Digest) ([]byte, error) {
	r, err := s.Open(d)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ImportTree walks dir, inserting every regular file and recording a Merkle
// Directory tree, returning the digest of the root Directory.
func (s *Store) ImportTree(dir string) (digest.Digest, error) {
	return s.importDir(dir)
}

func (s *Store) importDir(dir string) (digest.Digest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return digest.Digest{}, err
	}
	var directory Directory
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir():
			sub, err := s.importDir(full)
			if err != nil {
				return digest.Digest{}, err
			}
			directory.Entries = append(directory.Entries, DirEntry{Name: e.Name(), Kind: KindDir, Digest: sub})
		case e.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return digest.Digest{}, err
			}
			directory.Entries = append(directory.Entries, DirEntry{Name: e.Name(), Kind: KindSymlink, Target: target})
		default:
			info, err := e.Info()
			if err != nil {
				return digest.Digest{}, err
			}
			fd, err := s.AddFile(full)
			if err != nil {
				return digest.Digest{}, err
			}
			directory.Entries = append(directory.Entries, DirEntry{
				Name:         e.Name(),
				Kind:         KindFile,
				Digest:       fd,
				IsExecutable: info.Mode()&0o111 != 0,
			})
		}
	}
	return s.PutDirectory(&directory)
}

// ImportTar inserts a tar stream as a Merkle directory tree, staging it to a
// scratch directory first. This is the entry point plugin sources use when
// a fetch produces a tarball rather than a checked-out tree.
func (s *Store) ImportTar(r io.Reader) (digest.Digest, error) {
	scratch, err := os.MkdirTemp(s.tmpRoot(), "import-tar-*")
	if err != nil {
		return digest.Digest{}, err
	}
	defer os.RemoveAll(scratch)
	if err := archive.Untar(r, scratch, &archive.TarOptions{NoLchown: true}); err != nil {
		return digest.Digest{}, fmt.Errorf("cas: untar: %w", err)
	}
	return s.importDir(scratch)
}

func (s *Store) tmpRoot() string {
	root := filepath.Join(filepath.Dir(filepath.Dir(s.root)), "tmp")
	_ = os.MkdirAll(root, 0o755)
	return root
}

// StageDirectory materializes digest d (a Directory) into a fresh scoped
// tempdir and returns its path; the caller is responsible for removing it.
func (s *Store) StageDirectory(d digest.Digest) (string, error) {
	dir := filepath.Join(s.tmpRoot(), "stage-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	if err := s.checkoutDirectory(d, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func (s *Store) checkoutDirectory(d digest.Digest, dest string) error {
	directory, err := s.GetDirectory(d)
	if err != nil {
		return err
	}
	for _, e := range directory.Entries {
		target := filepath.Join(dest, e.Name)
		switch e.Kind {
		case KindDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			if err := s.checkoutDirectory(e.Digest, target); err != nil {
				return err
			}
		case KindSymlink:
			if err := os.Symlink(e.Target, target); err != nil {
				return err
			}
		default:
			if err := s.checkoutFile(e, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) checkoutFile(e DirEntry, target string) error {
	r, err := s.Open(e.Digest)
	if err != nil {
		return err
	}
	defer r.Close()
	mode := os.FileMode(0o444)
	if e.IsExecutable {
		mode = 0o555
	}
	w, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = io.Copy(w, r)
	return err
}

// ContainsDirectory reports whether the Directory at d, and (if withFiles)
// every file it transitively references, is present locally.
func (s *Store) ContainsDirectory(d digest.Digest, withFiles bool) bool {
	if !s.Contains(d) {
		return false
	}
	if !withFiles {
		return true
	}
	directory, err := s.GetDirectory(d)
	if err != nil {
		return false
	}
	for _, e := range directory.Entries {
		switch e.Kind {
		case KindDir:
			if !s.ContainsDirectory(e.Digest, true) {
				return false
			}
		case KindFile:
			if !s.Contains(e.Digest) {
				return false
			}
		}
	}
	return true
}

// WalkTree calls fn with d itself and every digest transitively reachable
// from it (sub-directories and files), depth first. Used to enumerate the
// blob set that backs a tree before pushing it to a remote.
func (s *Store) WalkTree(d digest.Digest, fn func(digest.Digest)) error {
	fn(d)
	directory, err := s.GetDirectory(d)
	if err != nil {
		return err
	}
	for _, e := range directory.Entries {
		switch e.Kind {
		case KindDir:
			if err := s.WalkTree(e.Digest, fn); err != nil {
				return err
			}
		case KindFile:
			fn(e.Digest)
		}
	}
	return nil
}

// remove deletes a blob's backing file from the local store. The quota
// tracker does not call it; it removes evicted blobs itself.
func (s *Store) remove(d digest.Digest) error {
	return os.Remove(s.objPath(d))
}
