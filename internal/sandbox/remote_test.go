package sandbox_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/buildstream-core/bstcore/internal/sandbox"
)

func TestRemoteConfigureRejectsBadPlatform(t *testing.T) {
	r := sandbox.NewRemote(nil, nil)
	err := r.Configure(sandbox.Config{Platform: "???"})
	assert.Check(t, err != nil)
}

func TestRemoteCloseWithoutRunIsNoOp(t *testing.T) {
	r := sandbox.NewRemote(nil, nil)
	assert.NilError(t, r.Close())
}
