package cas

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	longrunningpb "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/buildstream-core/bstcore/internal/digest"
	"github.com/buildstream-core/bstcore/internal/errkind"
)

// Remote is a connected REAPI endpoint: a CAS service, optionally an
// ActionCache and Execution service when the remote's Kind is ENDPOINT.
// Connections are pooled per-spec and guarded against concurrent misuse by
// gRPC's own per-call semantics.
type Remote struct {
	Spec *RemoteSpec

	conn *grpc.ClientConn
	cas  repb.ContentAddressableStorageClient
	ac   repb.ActionCacheClient
	exec repb.ExecutionClient
	caps repb.CapabilitiesClient
	ops  longrunningpb.OperationsClient
}

// DialRemote opens a pooled gRPC connection to spec, configuring mTLS from
// spec's server-cert/client-key/client-cert fields when present.
func DialRemote(ctx context.Context, spec *RemoteSpec) (*Remote, error) {
	creds, err := transportCredentials(spec)
	if err != nil {
		return nil, errkind.Auth("build transport credentials", err)
	}

	target := fmt.Sprintf("%s:%d", spec.Host, spec.Port)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, errkind.Transient("dial remote", err)
	}
	conn.Connect()

	return &Remote{
		Spec: spec,
		conn: conn,
		cas:  repb.NewContentAddressableStorageClient(conn),
		ac:   repb.NewActionCacheClient(conn),
		exec: repb.NewExecutionClient(conn),
		caps: repb.NewCapabilitiesClient(conn),
		ops:  longrunningpb.NewOperationsClient(conn),
	}, nil
}

// Execute begins remote execution of the action at actionDigest, returning
// the stream of Operation updates the REAPI Execute RPC produces.
func (r *Remote) Execute(ctx context.Context, actionDigest digest.Digest, skipCache bool) (repb.Execution_ExecuteClient, error) {
	stream, err := r.exec.Execute(ctx, &repb.ExecuteRequest{
		InstanceName: r.Spec.InstanceName,
		ActionDigest: toREAPI(actionDigest),
		SkipCache:    skipCache,
	})
	if err != nil {
		return nil, classifyRPCError("execute", err)
	}
	return stream, nil
}

// WaitExecution reattaches to an in-flight Operation by name, for
// resuming a remote build after a client restart.
func (r *Remote) WaitExecution(ctx context.Context, operationName string) (repb.Execution_WaitExecutionClient, error) {
	stream, err := r.exec.WaitExecution(ctx, &repb.WaitExecutionRequest{Name: operationName})
	if err != nil {
		return nil, classifyRPCError("wait execution", err)
	}
	return stream, nil
}

// CancelOperation asks the remote to abandon operationName.
func (r *Remote) CancelOperation(ctx context.Context, operationName string) error {
	_, err := r.ops.CancelOperation(ctx, &longrunningpb.CancelOperationRequest{Name: operationName})
	if err != nil {
		return classifyRPCError("cancel operation", err)
	}
	return nil
}

func transportCredentials(spec *RemoteSpec) (credentials.TransportCredentials, error) {
	if !spec.TLSConfigured() {
		if spec.Scheme == "https" || spec.Scheme == "grpcs" {
			return credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}), nil
		}
		return insecure.NewCredentials(), nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if spec.ServerCert != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(spec.ServerCert)
		if err != nil {
			return nil, fmt.Errorf("read server-cert: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("server-cert %s contains no usable certificates", spec.ServerCert)
		}
		cfg.RootCAs = pool
	}
	if spec.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(spec.ClientCert, spec.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(cfg), nil
}

// Close releases the pooled connection.
func (r *Remote) Close() error { return r.conn.Close() }

func toREAPI(d digest.Digest) *repb.Digest {
	return &repb.Digest{Hash: d.Hash, SizeBytes: d.Size}
}

func fromREAPI(d *repb.Digest) digest.Digest {
	return digest.Digest{Hash: d.Hash, Size: d.SizeBytes}
}

// MissingBlobs asks the remote which of ds it does not have.
func (r *Remote) MissingBlobs(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	req := &repb.FindMissingBlobsRequest{InstanceName: r.Spec.InstanceName}
	for _, d := range ds {
		req.BlobDigests = append(req.BlobDigests, toREAPI(d))
	}
	resp, err := r.cas.FindMissingBlobs(ctx, req)
	if err != nil {
		return nil, classifyRPCError("find missing blobs", err)
	}
	out := make([]digest.Digest, 0, len(resp.MissingBlobDigests))
	for _, d := range resp.MissingBlobDigests {
		out = append(out, fromREAPI(d))
	}
	return out, nil
}

// blobSource supplies the bytes for a digest being pushed.
type blobSource func(d digest.Digest) ([]byte, error)

// SendBlobs uploads every blob in ds the remote reports missing, via
// BatchUpdateBlobs.
func (r *Remote) SendBlobs(ctx context.Context, ds []digest.Digest, read blobSource) error {
	missing, err := r.MissingBlobs(ctx, ds)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	const batchSize = 64
	for start := 0; start < len(missing); start += batchSize {
		end := min(start+batchSize, len(missing))
		req := &repb.BatchUpdateBlobsRequest{InstanceName: r.Spec.InstanceName}
		for _, d := range missing[start:end] {
			b, err := read(d)
			if err != nil {
				return fmt.Errorf("cas: read blob %s for push: %w", d, err)
			}
			req.Requests = append(req.Requests, &repb.BatchUpdateBlobsRequest_Request{
				Digest: toREAPI(d),
				Data:   b,
			})
		}
		resp, err := r.cas.BatchUpdateBlobs(ctx, req)
		if err != nil {
			return classifyRPCError("batch update blobs", err)
		}
		for _, result := range resp.Responses {
			if result.Status != nil && result.Status.Code != 0 {
				return errkind.Transient("push blob", fmt.Errorf("%s: code %d: %s",
					result.Digest.Hash, result.Status.Code, result.Status.Message))
			}
		}
	}
	return nil
}

// blobSink receives a fetched blob's bytes.
type blobSink func(d digest.Digest, data []byte) error

// FetchBlobs downloads every digest in ds via BatchReadBlobs.
func (r *Remote) FetchBlobs(ctx context.Context, ds []digest.Digest, write blobSink) error {
	const batchSize = 64
	for start := 0; start < len(ds); start += batchSize {
		end := min(start+batchSize, len(ds))
		req := &repb.BatchReadBlobsRequest{InstanceName: r.Spec.InstanceName}
		for _, d := range ds[start:end] {
			req.Digests = append(req.Digests, toREAPI(d))
		}
		resp, err := r.cas.BatchReadBlobs(ctx, req)
		if err != nil {
			return classifyRPCError("batch read blobs", err)
		}
		for _, result := range resp.Responses {
			if result.Status != nil && result.Status.Code != 0 {
				return errkind.NotFound("fetch blob", "batch read blobs",
					fmt.Errorf("%s: code %d: %s", result.Digest.Hash, result.Status.Code, result.Status.Message))
			}
			if err := write(fromREAPI(result.Digest), result.Data); err != nil {
				return err
			}
		}
	}
	return nil
}

// PullTree fetches the full closure of a Directory tree rooted at root via
// GetTree, writing every Directory message and every file blob it
// references through write, then returning the root digest.
func (r *Remote) PullTree(ctx context.Context, root digest.Digest, write blobSink) (digest.Digest, error) {
	stream, err := r.cas.GetTree(ctx, &repb.GetTreeRequest{
		InstanceName: r.Spec.InstanceName,
		RootDigest:   toREAPI(root),
	})
	if err != nil {
		return digest.Digest{}, classifyRPCError("get tree", err)
	}

	var fileDigests []digest.Digest
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return digest.Digest{}, classifyRPCError("get tree", err)
		}
		for _, dir := range resp.Directories {
			b, err := proto.MarshalOptions{Deterministic: true}.Marshal(dir)
			if err != nil {
				return digest.Digest{}, fmt.Errorf("cas: re-marshal fetched directory: %w", err)
			}
			if err := write(digest.FromBytes(b), b); err != nil {
				return digest.Digest{}, err
			}
			for _, f := range dir.Files {
				fileDigests = append(fileDigests, fromREAPI(f.Digest))
			}
		}
	}

	return root, r.FetchBlobs(ctx, fileDigests, write)
}

// actionCacheDigest is the sentinel action digest synthesized from a cache
// key so source and artifact refs can be resolved through the REAPI
// ActionCache service without a real Action/Command pair: the key itself
// is both the addressed content and the lookup digest.
func actionCacheDigest(key string) digest.Digest {
	return digest.FromBytes([]byte(key))
}

// GetCachedTree resolves key to the digest it was last associated with via
// PutCachedTree, or reports ok=false if the remote has no mapping for it.
func (r *Remote) GetCachedTree(ctx context.Context, key string) (digest.Digest, bool, error) {
	resp, err := r.ac.GetActionResult(ctx, &repb.GetActionResultRequest{
		InstanceName: r.Spec.InstanceName,
		ActionDigest: toREAPI(actionCacheDigest(key)),
	})
	if err != nil {
		if s, ok := status.FromError(err); ok && s.Code() == codes.NotFound {
			return digest.Digest{}, false, nil
		}
		return digest.Digest{}, false, classifyRPCError("get cached tree", err)
	}
	if len(resp.OutputDirectories) == 0 {
		return digest.Digest{}, false, nil
	}
	return fromREAPI(resp.OutputDirectories[0].TreeDigest), true, nil
}

// PutCachedTree associates key with root on the remote, so a later
// GetCachedTree from any client resolves it.
func (r *Remote) PutCachedTree(ctx context.Context, key string, root digest.Digest) error {
	_, err := r.ac.UpdateActionResult(ctx, &repb.UpdateActionResultRequest{
		InstanceName: r.Spec.InstanceName,
		ActionDigest: toREAPI(actionCacheDigest(key)),
		ActionResult: &repb.ActionResult{
			OutputDirectories: []*repb.OutputDirectory{{Path: "", TreeDigest: toREAPI(root)}},
		},
	})
	if err != nil {
		return classifyRPCError("put cached tree", err)
	}
	return nil
}

func classifyRPCError(op string, err error) error {
	// REAPI servers signal UNAVAILABLE for transient conditions; treat
	// auth failures as fatal, NOT_FOUND as a not-found error, and
	// everything else as a generic transient remote error.
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
			return errkind.Transient(op, err)
		case codes.Unauthenticated, codes.PermissionDenied:
			return errkind.Auth(op, err)
		case codes.NotFound:
			return errkind.NotFound(op, op, err)
		}
	}
	return errkind.Transient(op, err)
}
