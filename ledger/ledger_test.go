package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverloop/intake/stager"
)

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := New(dir, "")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func stageFile(t *testing.T, l *Ledger, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	require.NoError(t, l.Track(path, stager.HashBytes(data)))
	return path
}

func TestTrackAndPendingUploads(t *testing.T) {
	l, dir := newTestLedger(t)
	ctx := context.Background()

	a := stageFile(t, l, dir, "a.pdf", []byte("first"))
	b := stageFile(t, l, dir, "b.pdf", []byte("second"))

	pending, err := l.PendingUploads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	paths := []string{pending[0].Path, pending[1].Path}
	assert.Contains(t, paths, a)
	assert.Contains(t, paths, b)
	assert.Equal(t, stager.HashBytes([]byte("first")), pendingByPath(pending, a).Digest)
	assert.False(t, pending[0].Uploaded)
}

func pendingByPath(entries []Entry, path string) Entry {
	for _, e := range entries {
		if e.Path == path {
			return e
		}
	}
	return Entry{}
}

func TestMarkUploadedRemovesFromPending(t *testing.T) {
	l, dir := newTestLedger(t)
	ctx := context.Background()

	a := stageFile(t, l, dir, "a.pdf", []byte("first"))
	stageFile(t, l, dir, "b.pdf", []byte("second"))

	require.NoError(t, l.MarkUploaded(ctx, a))

	pending, err := l.PendingUploads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotEqual(t, a, pending[0].Path)

	stats, err := l.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.StagedCount)
	assert.Equal(t, int64(1), stats.PendingUpload)
}

func TestTrackIsIdempotent(t *testing.T) {
	l, dir := newTestLedger(t)

	path := stageFile(t, l, dir, "a.pdf", []byte("content"))
	require.NoError(t, l.Track(path, stager.HashBytes([]byte("content"))))

	stats, err := l.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.StagedCount)
}

func TestRemoveDeletesFileAndEntry(t *testing.T) {
	l, dir := newTestLedger(t)

	path := stageFile(t, l, dir, "a.pdf", []byte("content"))
	require.NoError(t, l.Remove(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	stats, err := l.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.StagedCount)

	// Removing again is not an error.
	assert.NoError(t, l.Remove(path))
}

func TestSyncFromDiskAdoptsUntrackedFiles(t *testing.T) {
	l, dir := newTestLedger(t)
	st := stager.New("")

	// A file committed without a ledger insert, as after a crash between
	// rename and Track.
	orphan := filepath.Join(dir, "orphan.pdf")
	require.NoError(t, os.WriteFile(orphan, []byte("crashed"), 0644))

	// A leftover temp file from an interrupted write.
	leftover := filepath.Join(dir, ".doc.pdf.1234.x.tmp")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0644))

	require.NoError(t, l.SyncFromDisk(context.Background(), st))

	pending, err := l.PendingUploads(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, orphan, pending[0].Path)
	assert.Equal(t, stager.HashBytes([]byte("crashed")), pending[0].Digest)

	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err), "interrupted temp files are discarded")
}

func TestSyncFromDiskDropsStaleEntries(t *testing.T) {
	l, dir := newTestLedger(t)
	st := stager.New("")

	path := stageFile(t, l, dir, "gone.pdf", []byte("bytes"))
	require.NoError(t, os.Remove(path))

	require.NoError(t, l.SyncFromDisk(context.Background(), st))

	stats, err := l.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.StagedCount)
}

func TestSyncPreservesUploadedFlag(t *testing.T) {
	l, dir := newTestLedger(t)
	st := stager.New("")
	ctx := context.Background()

	path := stageFile(t, l, dir, "done.pdf", []byte("delivered"))
	require.NoError(t, l.MarkUploaded(ctx, path))

	require.NoError(t, l.SyncFromDisk(ctx, st))

	pending, err := l.PendingUploads(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "sync must not reset the uploaded flag")
}
