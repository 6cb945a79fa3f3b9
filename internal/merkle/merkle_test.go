package merkle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestBuildHashStableAcrossMtime(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")
	writeFile(t, dir, "sub/b.go", "package b\n")

	tree1, _, err := Build(dir, BuildOptions{}, nil)
	require.NoError(t, err)

	// Touch mtimes without changing content.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.go"), future, future))

	tree2, _, err := Build(dir, BuildOptions{}, nil)
	require.NoError(t, err)

	require.Equal(t, tree1.Root.Hash, tree2.Root.Hash)
}

func TestCompareLocality(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")
	writeFile(t, dir, "sub/b.go", "package b\n")

	before, _, err := Build(dir, BuildOptions{}, nil)
	require.NoError(t, err)

	writeFile(t, dir, "sub/b.go", "package b\n\nfunc B() {}\n")

	after, _, err := Build(dir, BuildOptions{}, before)
	require.NoError(t, err)

	require.NotEqual(t, before.Root.Hash, after.Root.Hash)

	diff := Compare(before, after)
	require.Equal(t, []string{"sub/b.go"}, diff.Modified)
	require.Empty(t, diff.New)
	require.Empty(t, diff.Deleted)
}

func TestCompareNewAndDeleted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")

	before, _, err := Build(dir, BuildOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "a.go")))
	writeFile(t, dir, "c.go", "package c\n")

	after, _, err := Build(dir, BuildOptions{}, nil)
	require.NoError(t, err)

	diff := Compare(before, after)
	require.Equal(t, []string{"c.go"}, diff.New)
	require.Equal(t, []string{"a.go"}, diff.Deleted)
}

func TestSerializeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")

	tree, _, err := Build(dir, BuildOptions{}, nil)
	require.NoError(t, err)

	data, err := Serialize(tree)
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, tree.Root.Hash, restored.Root.Hash)
}

func TestUnchangedRepoIsNoop(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")

	tree1, _, err := Build(dir, BuildOptions{}, nil)
	require.NoError(t, err)
	tree2, _, err := Build(dir, BuildOptions{}, tree1)
	require.NoError(t, err)

	diff := Compare(tree1, tree2)
	require.False(t, diff.HasChanges)
}
