// Package artifactcache implements the artifact cache: a
// proto describing one element's build result, content-addressed by its
// strict and weak cache keys, pushed and pulled against project remotes.
package artifactcache

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/buildstream-core/bstcore/internal/digest"
)

// Artifact is one cached build result. PublicData carries the plugin's
// arbitrary public metadata, modeled as a protobuf Struct so it has real
// wire encoding without hand-written generated code.
type Artifact struct {
	ElementName string
	StrictKey   string
	WeakKey     string
	Success     bool
	Tainted     bool

	Files     digest.Digest // CAS tree of the element's collected output
	BuildTree digest.Digest // optional; zero digest means "not cached"
	Log       digest.Digest // optional build log blob

	PublicData *structpb.Struct
}

// toProto mirrors Artifact's fields inside a protobuf Struct so the
// whole thing round-trips through a single CAS blob.
func (a *Artifact) toProto() (*structpb.Struct, error) {
	fields := map[string]any{
		"element_name": a.ElementName,
		"strict_key":   a.StrictKey,
		"weak_key":     a.WeakKey,
		"success":      a.Success,
		"tainted":      a.Tainted,
		"files":        a.Files.String(),
	}
	if !a.BuildTree.IsZero() {
		fields["build_tree"] = a.BuildTree.String()
	}
	if !a.Log.IsZero() {
		fields["log"] = a.Log.String()
	}
	if a.PublicData != nil {
		fields["public_data"] = a.PublicData.AsMap()
	}
	return structpb.NewStruct(fields)
}

func fromProto(s *structpb.Struct) (*Artifact, error) {
	fields := s.GetFields()
	get := func(name string) string { return fields[name].GetStringValue() }

	a := &Artifact{
		ElementName: get("element_name"),
		StrictKey:   get("strict_key"),
		WeakKey:     get("weak_key"),
		Success:     fields["success"].GetBoolValue(),
		Tainted:     fields["tainted"].GetBoolValue(),
	}
	var err error
	if a.Files, err = digest.Parse(get("files")); err != nil {
		return nil, fmt.Errorf("artifactcache: decode files digest: %w", err)
	}
	if v, ok := fields["build_tree"]; ok {
		if a.BuildTree, err = digest.Parse(v.GetStringValue()); err != nil {
			return nil, fmt.Errorf("artifactcache: decode build_tree digest: %w", err)
		}
	}
	if v, ok := fields["log"]; ok {
		if a.Log, err = digest.Parse(v.GetStringValue()); err != nil {
			return nil, fmt.Errorf("artifactcache: decode log digest: %w", err)
		}
	}
	if v, ok := fields["public_data"]; ok {
		if s, ok := v.GetKind().(*structpb.Value_StructValue); ok {
			a.PublicData = s.StructValue
		}
	}
	return a, nil
}

// Marshal serializes a into the bytes stored as its CAS blob.
func (a *Artifact) Marshal() ([]byte, error) {
	pb, err := a.toProto()
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(pb)
}

// Unmarshal decodes an Artifact from the bytes a CAS blob produced by
// Marshal.
func Unmarshal(b []byte) (*Artifact, error) {
	var pb structpb.Struct
	if err := proto.Unmarshal(b, &pb); err != nil {
		return nil, fmt.Errorf("artifactcache: unmarshal artifact: %w", err)
	}
	return fromProto(&pb)
}

// NormalName derives the ref path component from an element name: the
// ".bst" suffix is stripped and any path separators are kept, mirroring
// the element's project-relative path.
func NormalName(elementName string) string {
	return strings.TrimSuffix(elementName, ".bst")
}

// BuildArtifact constructs the Artifact recording one element's build
// result. Tainted is OR-reduced across ownWorkspaced and every build-scoped
// dependency's own Tainted artifact: an element built against an open
// workspace poisons everything assembled on top of it, not just its own
// cache entry, so a dependency's taint must carry forward even though this
// element's own sources are untouched.
func BuildArtifact(elementName, strictKey, weakKey string, success, ownWorkspaced bool, files, buildTree, log digest.Digest, buildDeps []*Artifact) *Artifact {
	tainted := ownWorkspaced
	for _, dep := range buildDeps {
		if dep != nil && dep.Tainted {
			tainted = true
		}
	}
	return &Artifact{
		ElementName: elementName,
		StrictKey:   strictKey,
		WeakKey:     weakKey,
		Success:     success,
		Tainted:     tainted,
		Files:       files,
		BuildTree:   buildTree,
		Log:         log,
	}
}
