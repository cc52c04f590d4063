package stager

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCommitsAtomically(t *testing.T) {
	dir := t.TempDir()
	s := New("")

	target := filepath.Join(dir, "doc.pdf")
	data := []byte("%PDF-1.4 payload")

	digest, err := s.Write(data, target)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data), digest)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.pdf", entries[0].Name())
}

func TestWriteWithSeparateStagingDir(t *testing.T) {
	stagingDir := t.TempDir()
	targetDir := t.TempDir()
	s := New(stagingDir)

	target := filepath.Join(targetDir, "doc.bin")
	_, err := s.Write([]byte("content"), target)
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), got)

	// The staging dir holds no leftovers.
	entries, err := os.ReadDir(stagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteFailureLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	s := New("")

	target := filepath.Join(dir, "doc.pdf")
	original := []byte("original content")
	_, err := s.Write(original, target)
	require.NoError(t, err)

	// Point the staging area at a path occupied by a regular file so the
	// write fails before any commit.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	broken := New(blocker)

	_, err = broken.Write([]byte("replacement"), target)
	require.Error(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, original, got, "a failed write must not disturb the committed file")
}

func TestWriteOverwritesExistingTarget(t *testing.T) {
	dir := t.TempDir()
	s := New("")

	target := filepath.Join(dir, "doc.pdf")
	_, err := s.Write([]byte("v1"), target)
	require.NoError(t, err)
	_, err = s.Write([]byte("v2"), target)
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestConcurrentWritersNeverCollide(t *testing.T) {
	dir := t.TempDir()
	s := New("")

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := filepath.Join(dir, "shared.bin")
			_, errs[i] = s.Write([]byte("writer payload"), target)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}

	got, err := os.ReadFile(filepath.Join(dir, "shared.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("writer payload"), got)
}

func TestHashMatchesHashBytes(t *testing.T) {
	dir := t.TempDir()
	s := New("")

	data := []byte("some document bytes")
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))

	fromFile, err := s.Hash(path)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data), fromFile)
	assert.Len(t, fromFile, 64)
}

func TestMoveSameFilesystem(t *testing.T) {
	dir := t.TempDir()
	s := New("")

	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "sub", "dst.bin")
	require.NoError(t, os.WriteFile(src, []byte("move me"), 0644))

	require.NoError(t, s.Move(src, dst))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source must be gone after move")

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("move me"), got)
}

func TestMoveMissingSource(t *testing.T) {
	dir := t.TempDir()
	s := New("")
	err := s.Move(filepath.Join(dir, "absent"), filepath.Join(dir, "dst"))
	require.Error(t, err)
}
