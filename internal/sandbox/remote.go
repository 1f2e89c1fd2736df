package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/buildstream-core/bstcore/internal/cas"
	"github.com/buildstream-core/bstcore/internal/digest"
	"github.com/buildstream-core/bstcore/internal/errkind"
)

// Remote runs a command on a REAPI execution endpoint, following the
// Execute RPC's Operation stream to completion.
type Remote struct {
	remote *cas.Remote
	store  *cas.Store
	cfg    Config
	root   digest.Digest

	operationName string
}

// NewRemote returns a Remote sandbox backed by remote and store (the local
// CAS used to stage the action/command protos and read back results).
func NewRemote(remote *cas.Remote, store *cas.Store) *Remote {
	return &Remote{remote: remote, store: store}
}

// Configure records cfg for the next Stage/Run cycle.
func (r *Remote) Configure(cfg Config) error {
	if _, err := cfg.NormalizedPlatform(); err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}

// Stage records root as the action's input tree; the remote resolves it
// lazily during Run via FindMissingBlobs, so nothing is uploaded yet.
func (r *Remote) Stage(ctx context.Context, root digest.Digest) error {
	r.root = root
	return nil
}

// Run builds the REAPI Command and Action protos, ensures the remote has
// every referenced blob, submits Execute, and follows the resulting
// Operation stream to completion.
func (r *Remote) Run(ctx context.Context) (*Result, error) {
	platform, err := r.cfg.NormalizedPlatform()
	if err != nil {
		return nil, err
	}

	command := &repb.Command{
		Arguments:        r.cfg.Command,
		WorkingDirectory: r.cfg.Cwd,
		Platform:         &repb.Platform{Properties: []*repb.Platform_Property{{Name: "os", Value: platform}}},
	}
	for k, v := range r.cfg.Env {
		command.EnvironmentVariables = append(command.EnvironmentVariables, &repb.Command_EnvironmentVariable{Name: k, Value: v})
	}
	commandBytes, err := proto.MarshalOptions{Deterministic: true}.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal command: %w", err)
	}
	commandDigest, err := r.store.AddBlob(commandBytes)
	if err != nil {
		return nil, err
	}

	action := &repb.Action{CommandDigest: toREAPIDigest(commandDigest), InputRootDigest: toREAPIDigest(r.root)}
	actionBytes, err := proto.MarshalOptions{Deterministic: true}.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal action: %w", err)
	}
	actionDigest, err := r.store.AddBlob(actionBytes)
	if err != nil {
		return nil, err
	}

	blobs := []digest.Digest{commandDigest, actionDigest}
	if !r.root.IsZero() {
		if err := r.store.WalkTree(r.root, func(d digest.Digest) { blobs = append(blobs, d) }); err != nil {
			return nil, err
		}
	}
	if err := r.remote.SendBlobs(ctx, blobs, r.store.ReadAll); err != nil {
		return nil, err
	}

	stream, err := r.remote.Execute(ctx, actionDigest, false)
	if err != nil {
		return nil, err
	}
	return r.followOperations(stream)
}

func (r *Remote) followOperations(stream repb.Execution_ExecuteClient) (*Result, error) {
	for {
		op, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errkind.Sandbox("remote execution", fmt.Errorf("operation stream closed before completion"))
			}
			return nil, errkind.Transient("remote execution", err)
		}
		r.operationName = op.GetName()
		if !op.GetDone() {
			continue
		}
		r.operationName = ""
		if opErr := op.GetError(); opErr != nil {
			return nil, errkind.Sandbox("remote execution", fmt.Errorf("code %d: %s", opErr.Code, opErr.Message))
		}

		var resp repb.ExecuteResponse
		if err := op.GetResponse().UnmarshalTo(&resp); err != nil {
			return nil, fmt.Errorf("sandbox: unmarshal execute response: %w", err)
		}
		return r.resultFromActionResult(resp.Result)
	}
}

func (r *Remote) resultFromActionResult(ar *repb.ActionResult) (*Result, error) {
	if ar == nil {
		return nil, errkind.Sandbox("remote execution", fmt.Errorf("empty action result"))
	}
	return &Result{
		ExitCode: int(ar.ExitCode),
		Stdout:   fromREAPIDigest(ar.StdoutDigest),
		Stderr:   fromREAPIDigest(ar.StderrDigest),
	}, nil
}

// Collect returns the zero digest. The remote backend does not fetch any
// output tree: Run's Command declares no output paths and the
// ActionResult's output directories are not read. paths is accepted for
// interface parity with Local and is unused.
func (r *Remote) Collect(ctx context.Context, paths []string) (digest.Digest, error) {
	return digest.Digest{}, nil
}

// Close cancels the remote operation if one is still outstanding.
func (r *Remote) Close() error {
	if r.operationName == "" {
		return nil
	}
	return r.remote.CancelOperation(context.Background(), r.operationName)
}

func toREAPIDigest(d digest.Digest) *repb.Digest {
	return &repb.Digest{Hash: d.Hash, SizeBytes: d.Size}
}

func fromREAPIDigest(d *repb.Digest) digest.Digest {
	if d == nil {
		return digest.Digest{}
	}
	return digest.Digest{Hash: d.Hash, Size: d.SizeBytes}
}
