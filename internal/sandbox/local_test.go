package sandbox_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/buildstream-core/bstcore/internal/cas"
	"github.com/buildstream-core/bstcore/internal/digest"
	"github.com/buildstream-core/bstcore/internal/sandbox"
)

func newStoreAndTree(t *testing.T) (*cas.Store, func() (digest.Digest, error)) {
	t.Helper()
	dir := t.TempDir()
	store, err := cas.NewStore(dir, 0)
	assert.NilError(t, err)

	src := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(src, "input.txt"), []byte("hi"), 0o644))

	return store, func() (digest.Digest, error) {
		return store.ImportTree(src)
	}
}

func TestLocalConfigureRejectsBadPlatform(t *testing.T) {
	store, _ := newStoreAndTree(t)
	l := sandbox.NewLocal(store)
	err := l.Configure(sandbox.Config{Platform: "not a platform///", Command: []string{"true"}})
	assert.Check(t, err != nil)
}

func TestLocalRunCapturesOutputAndExitCode(t *testing.T) {
	store, importTree := newStoreAndTree(t)
	root, err := importTree()
	assert.NilError(t, err)

	l := sandbox.NewLocal(store)
	assert.NilError(t, l.Configure(sandbox.Config{Command: []string{"/bin/sh", "-c", "echo hello"}}))
	assert.NilError(t, l.Stage(context.Background(), root))
	defer l.Close()

	result, err := l.Run(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	out, err := store.ReadAll(result.Stdout)
	assert.NilError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestLocalCollectImportsStagedOutput(t *testing.T) {
	store, importTree := newStoreAndTree(t)
	root, err := importTree()
	assert.NilError(t, err)

	l := sandbox.NewLocal(store)
	assert.NilError(t, l.Configure(sandbox.Config{Command: []string{"/bin/sh", "-c", "echo out > result.txt"}}))
	assert.NilError(t, l.Stage(context.Background(), root))
	defer l.Close()

	_, err = l.Run(context.Background())
	assert.NilError(t, err)

	collected, err := l.Collect(context.Background(), nil)
	assert.NilError(t, err)
	assert.Check(t, store.ContainsDirectory(collected, true))
}
