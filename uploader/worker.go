// Package uploader drains the staging ledger into durable object storage.
// The worker is optional; when no S3 sink is configured the staging
// directory remains the final destination.
package uploader

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coverloop/intake/ledger"
	"github.com/coverloop/intake/logger"
	"github.com/coverloop/intake/pkg/metrics"
	"github.com/coverloop/intake/storage"
)

// UploaderLedger defines the ledger operations the worker needs. An
// interface so tests can substitute a mock.
type UploaderLedger interface {
	PendingUploads(ctx context.Context, limit int) ([]ledger.Entry, error)
	MarkUploaded(ctx context.Context, path string) error
}

// UploaderS3 defines the storage operations the worker needs.
type UploaderS3 interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

type Worker struct {
	ldb         UploaderLedger
	s3          UploaderS3
	batchSize   int
	concurrency int
	interval    time.Duration
	notifyCh    chan struct{}
	stopCh      chan struct{}
	errCh       chan<- error
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

func New(ldb UploaderLedger, s3 UploaderS3, batchSize, concurrency int, interval time.Duration, errCh chan<- error) *Worker {
	return &Worker{
		ldb:         ldb,
		s3:          s3,
		batchSize:   batchSize,
		concurrency: concurrency,
		interval:    interval,
		errCh:       errCh,
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	logger.Info("upload worker started", "interval", w.interval, "batch_size", w.batchSize)
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.wg.Done()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Drain whatever survived the last shutdown before waiting for ticks.
	if err := w.processQueue(ctx); err != nil {
		w.reportError(err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("upload worker stopped, context cancelled")
			return
		case <-w.stopCh:
			logger.Info("upload worker stopped")
			return
		case <-ticker.C:
			if err := w.processQueue(ctx); err != nil {
				w.reportError(err)
			}
		case <-w.notifyCh:
			if err := w.processQueue(ctx); err != nil {
				w.reportError(err)
			}
		}
	}
}

// Stop shuts the worker down and waits for in-flight uploads. Safe to call
// more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
}

// Notify wakes the worker without waiting for the next tick.
func (w *Worker) Notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) processQueue(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	for {
		entries, err := w.ldb.PendingUploads(ctx, w.batchSize)
		if err != nil {
			return fmt.Errorf("failed to list pending uploads: %w", err)
		}

		metrics.UploadQueueSize.Set(float64(len(entries)))
		if len(entries) == 0 {
			break
		}

		var completed atomic.Int64
		for _, e := range entries {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			case sem <- struct{}{}:
				wg.Add(1)
				go func(e ledger.Entry) {
					defer wg.Done()
					defer func() { <-sem }()
					if w.uploadOne(ctx, e) {
						completed.Add(1)
					}
				}(e)
			}
		}
		wg.Wait()

		// A pass that completed nothing would fetch the same entries again.
		// Leave them for the next tick instead of spinning.
		if completed.Load() == 0 {
			break
		}
	}
	return nil
}

// uploadOne delivers one staged file and reports whether the entry was
// settled (uploaded or deduplicated).
func (w *Worker) uploadOne(ctx context.Context, e ledger.Entry) bool {
	start := time.Now()
	key := storage.ObjectKey(e.Digest)

	exists, err := w.s3.Exists(ctx, key)
	if err != nil {
		logger.Error("failed to check remote object", "key", key, "error", err)
		metrics.UploadAttempts.WithLabelValues("failure").Inc()
		return false
	}

	if !exists {
		f, err := os.Open(e.Path)
		if err != nil {
			logger.Error("could not read staged file for upload", "path", e.Path, "error", err)
			metrics.UploadAttempts.WithLabelValues("failure").Inc()
			return false
		}
		err = w.s3.Put(ctx, key, f, e.Size)
		f.Close()
		if err != nil {
			if isTransientError(err) {
				logger.Warn("transient upload failure, will retry", "path", e.Path, "error", err)
			} else {
				logger.Error("upload failed", "path", e.Path, "key", key, "error", err)
			}
			metrics.UploadAttempts.WithLabelValues("failure").Inc()
			metrics.UploadDuration.Observe(time.Since(start).Seconds())
			return false
		}
	} else {
		logger.Debug("content already in object storage, skipping upload", "digest", e.Digest)
	}

	// Mark only after the object is durably stored. A crash between the Put
	// and this update re-uploads an object that already exists, which the
	// Exists check above absorbs.
	if err := w.ldb.MarkUploaded(ctx, e.Path); err != nil {
		logger.Error("failed to mark entry uploaded, will retry", "path", e.Path, "error", err)
		return false
	}

	metrics.UploadAttempts.WithLabelValues("success").Inc()
	metrics.UploadDuration.Observe(time.Since(start).Seconds())
	logger.Info("upload completed", "path", e.Path, "digest", e.Digest)
	return true
}

func (w *Worker) reportError(err error) {
	if w.errCh != nil {
		select {
		case w.errCh <- err:
		default:
			logger.Error("upload worker error (no listener)", "error", err)
		}
	} else {
		logger.Error("upload worker error", "error", err)
	}
}

// isTransientError reports whether an S3 failure is likely to clear on its
// own. Transient failures keep the entry pending without alarm.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused", "connection reset", "i/o timeout",
		"network unreachable", "no such host", "temporary failure",
		"service unavailable", "slowdown", "timeout",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
