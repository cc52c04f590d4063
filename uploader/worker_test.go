package uploader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverloop/intake/ledger"
	"github.com/coverloop/intake/storage"
)

type mockLedger struct {
	mu       sync.Mutex
	pending  []ledger.Entry
	uploaded []string
}

func (m *mockLedger) PendingUploads(_ context.Context, limit int) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) > limit {
		return append([]ledger.Entry(nil), m.pending[:limit]...), nil
	}
	return append([]ledger.Entry(nil), m.pending...), nil
}

func (m *mockLedger) MarkUploaded(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploaded = append(m.uploaded, path)
	for i, e := range m.pending {
		if e.Path == path {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	return nil
}

type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *mockS3) Put(_ context.Context, key string, body io.Reader, _ int64) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func stagedEntry(t *testing.T, dir, name string, data []byte, digest string) ledger.Entry {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return ledger.Entry{Path: path, Size: int64(len(data)), Digest: digest, ModTime: time.Now()}
}

func TestProcessQueueUploadsAndMarks(t *testing.T) {
	dir := t.TempDir()
	ldb := &mockLedger{pending: []ledger.Entry{
		stagedEntry(t, dir, "a.pdf", []byte("first document"), "aa11bb22"),
		stagedEntry(t, dir, "b.pdf", []byte("second document"), "cc33dd44"),
	}}
	s3 := newMockS3()

	w := New(ldb, s3, 10, 2, time.Minute, nil)
	require.NoError(t, w.processQueue(context.Background()))

	assert.Len(t, ldb.uploaded, 2)
	assert.Equal(t, []byte("first document"), s3.objects[storage.ObjectKey("aa11bb22")])
	assert.Equal(t, []byte("second document"), s3.objects[storage.ObjectKey("cc33dd44")])
}

func TestProcessQueueSkipsExistingContent(t *testing.T) {
	dir := t.TempDir()
	entry := stagedEntry(t, dir, "a.pdf", []byte("dup content"), "deadbeef")
	ldb := &mockLedger{pending: []ledger.Entry{entry}}

	s3 := newMockS3()
	s3.objects[storage.ObjectKey("deadbeef")] = []byte("already there")

	w := New(ldb, s3, 10, 1, time.Minute, nil)
	require.NoError(t, w.processQueue(context.Background()))

	// Marked uploaded without overwriting the existing object.
	assert.Equal(t, []string{entry.Path}, ldb.uploaded)
	assert.Equal(t, []byte("already there"), s3.objects[storage.ObjectKey("deadbeef")])
}

func TestProcessQueueKeepsEntryOnPutFailure(t *testing.T) {
	dir := t.TempDir()
	ldb := &mockLedger{pending: []ledger.Entry{
		stagedEntry(t, dir, "a.pdf", []byte("content"), "cafef00d"),
	}}
	s3 := newMockS3()
	s3.putErr = errors.New("service unavailable")

	w := New(ldb, s3, 10, 1, time.Minute, nil)

	// The queue loop must terminate even though the entry stays pending.
	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { done <- w.processQueue(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("processQueue did not terminate on persistent failure")
	}

	assert.Empty(t, ldb.uploaded)
	assert.Len(t, ldb.pending, 1)
}

func TestStartAndStop(t *testing.T) {
	dir := t.TempDir()
	ldb := &mockLedger{pending: []ledger.Entry{
		stagedEntry(t, dir, "a.pdf", []byte("content"), "0123abcd"),
	}}
	s3 := newMockS3()

	w := New(ldb, s3, 10, 1, 50*time.Millisecond, nil)
	w.Start(context.Background())

	require.Eventually(t, func() bool {
		ldb.mu.Lock()
		defer ldb.mu.Unlock()
		return len(ldb.uploaded) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop() // second call is a no-op
}

func TestNotifyWakesWorker(t *testing.T) {
	dir := t.TempDir()
	ldb := &mockLedger{}
	s3 := newMockS3()

	w := New(ldb, s3, 10, 1, time.Hour, nil)
	w.Start(context.Background())
	defer w.Stop()

	entry := stagedEntry(t, dir, "late.pdf", []byte("late arrival"), "feedface")
	ldb.mu.Lock()
	ldb.pending = append(ldb.pending, entry)
	ldb.mu.Unlock()

	w.Notify()

	require.Eventually(t, func() bool {
		ldb.mu.Lock()
		defer ldb.mu.Unlock()
		return len(ldb.uploaded) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
