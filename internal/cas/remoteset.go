package cas

import (
	"context"
	"sync"
)

// RemoteSet resolves a project-scoped ordered list of remotes: the first
// remote to answer a pull wins, and every push-enabled remote receives a
// push. Source cache and artifact cache each hold one.
type RemoteSet struct {
	mu      sync.Mutex
	byProj  map[string][]*Remote
	dialed  map[string]*Remote
	dialFn  func(ctx context.Context, spec *RemoteSpec) (*Remote, error)
}

// NewRemoteSet creates an empty RemoteSet. dialFn defaults to DialRemote;
// tests override it to avoid real network dials.
func NewRemoteSet(dialFn func(ctx context.Context, spec *RemoteSpec) (*Remote, error)) *RemoteSet {
	if dialFn == nil {
		dialFn = DialRemote
	}
	return &RemoteSet{
		byProj: map[string][]*Remote{},
		dialed: map[string]*Remote{},
		dialFn: dialFn,
	}
}

// Configure associates project with an ordered list of remote specs,
// dialing each one that has not been dialed before. Specs are deduplicated
// by (URL, instance-name), so the same spec is never dialed twice.
func (rs *RemoteSet) Configure(ctx context.Context, project string, specs []*RemoteSpec) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var remotes []*Remote
	for _, spec := range specs {
		key := spec.URL + "#" + spec.InstanceName
		r, ok := rs.dialed[key]
		if !ok {
			var err error
			r, err = rs.dialFn(ctx, spec)
			if err != nil {
				return err
			}
			rs.dialed[key] = r
		}
		remotes = append(remotes, r)
	}
	rs.byProj[project] = remotes
	return nil
}

// Remotes returns project's configured remotes in resolution order.
func (rs *RemoteSet) Remotes(project string) []*Remote {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]*Remote(nil), rs.byProj[project]...)
}

// HasFetchRemotes reports whether project has any remote configured at all
// (every configured remote can serve a pull).
func (rs *RemoteSet) HasFetchRemotes(project string) bool {
	return len(rs.Remotes(project)) > 0
}

// HasPushRemotes reports whether project has at least one push-enabled
// remote.
func (rs *RemoteSet) HasPushRemotes(project string) bool {
	for _, r := range rs.Remotes(project) {
		if r.Spec.Push {
			return true
		}
	}
	return false
}

// PushRemotes returns only the push-enabled remotes for project.
func (rs *RemoteSet) PushRemotes(project string) []*Remote {
	var out []*Remote
	for _, r := range rs.Remotes(project) {
		if r.Spec.Push {
			out = append(out, r)
		}
	}
	return out
}
