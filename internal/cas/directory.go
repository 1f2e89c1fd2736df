package cas

import (
	"fmt"
	"sort"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/buildstream-core/bstcore/internal/digest"
)

// EntryKind is the kind of a Directory entry.
type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindDir     EntryKind = "dir"
	KindSymlink EntryKind = "symlink"
)

// DirEntry is one (name, digest, is_executable?, kind) entry of a Directory.
type DirEntry struct {
	Name         string
	Kind         EntryKind
	Digest       digest.Digest
	IsExecutable bool
	Target       string // symlink target, only set for KindSymlink
}

// Directory lists one tree level. It is itself content-addressed: two
// Directory values with the same entries hash to the same Digest
// regardless of construction order, because marshalCanonical sorts by
// name before serializing. Encoding follows the wire-compatible REAPI
// build.bazel.remote.execution.v2.Directory message so a tree built
// locally and a tree pulled from a REAPI remote address identically.
type Directory struct {
	Entries []DirEntry
}

func (d *Directory) marshalCanonical() ([]byte, error) {
	sorted := append([]DirEntry(nil), d.Entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	pb := &repb.Directory{}
	for _, e := range sorted {
		switch e.Kind {
		case KindDir:
			pb.Directories = append(pb.Directories, &repb.DirectoryNode{
				Name:   e.Name,
				Digest: toREAPI(e.Digest),
			})
		case KindFile:
			pb.Files = append(pb.Files, &repb.FileNode{
				Name:         e.Name,
				Digest:       toREAPI(e.Digest),
				IsExecutable: e.IsExecutable,
			})
		case KindSymlink:
			pb.Symlinks = append(pb.Symlinks, &repb.SymlinkNode{
				Name:   e.Name,
				Target: e.Target,
			})
		default:
			return nil, fmt.Errorf("cas: unknown entry kind %q for %q", e.Kind, e.Name)
		}
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(pb)
}

func unmarshalDirectory(b []byte) (*Directory, error) {
	var pb repb.Directory
	if err := proto.Unmarshal(b, &pb); err != nil {
		return nil, fmt.Errorf("cas: unmarshal directory: %w", err)
	}
	var d Directory
	for _, n := range pb.Directories {
		d.Entries = append(d.Entries, DirEntry{Name: n.Name, Kind: KindDir, Digest: fromREAPI(n.Digest)})
	}
	for _, n := range pb.Files {
		d.Entries = append(d.Entries, DirEntry{
			Name:         n.Name,
			Kind:         KindFile,
			Digest:       fromREAPI(n.Digest),
			IsExecutable: n.IsExecutable,
		})
	}
	for _, n := range pb.Symlinks {
		d.Entries = append(d.Entries, DirEntry{Name: n.Name, Kind: KindSymlink, Target: n.Target})
	}
	return &d, nil
}

// PutDirectory serializes and inserts a Directory, returning its Digest.
func (s *Store) PutDirectory(d *Directory) (digest.Digest, error) {
	b, err := d.marshalCanonical()
	if err != nil {
		return digest.Digest{}, fmt.Errorf("cas: marshal directory: %w", err)
	}
	return s.AddBlob(b)
}

// GetDirectory loads and deserializes the Directory at digest d.
func (s *Store) GetDirectory(d digest.Digest) (*Directory, error) {
	b, err := s.ReadAll(d)
	if err != nil {
		return nil, err
	}
	directory, err := unmarshalDirectory(b)
	if err != nil {
		return nil, fmt.Errorf("cas: directory %s: %w", d, err)
	}
	return directory, nil
}
