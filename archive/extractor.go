// Package archive extracts possibly-encrypted ZIP containers into a target
// directory with hard resource ceilings.
//
// Untrusted shipments routinely contain password-protected archives, and
// occasionally hostile ones: decompression bombs and deeply nested
// containers. Extraction therefore runs against an explicit budget: a
// cumulative decompressed-byte ceiling spanning the whole recursion tree, a
// per-entry ceiling, and a nesting depth limit. Breaching a byte ceiling
// aborts the entire call tree and rolls back every file it wrote.
//
// Passwords come exclusively from the injected passwd.Source. An empty
// candidate list fails the archive with ErrEncryptionUnresolved; there is
// no built-in fallback list.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/coverloop/intake/consts"
	"github.com/coverloop/intake/diag"
	"github.com/coverloop/intake/helpers"
	"github.com/coverloop/intake/logger"
	"github.com/coverloop/intake/passwd"
	"github.com/coverloop/intake/pkg/metrics"
	"github.com/coverloop/intake/stager"
)

// Options carries the extraction ceilings. All of them are per top-level
// call tree; concurrent sibling extractions are not jointly bounded, so
// callers running N trees in parallel should expect up to N times
// MaxTotalBytes in the worst case.
type Options struct {
	// MaxDepth bounds archive nesting. A nested archive at MaxDepth is
	// staged as-is with a diagnostic instead of being recursed into.
	MaxDepth int

	// MaxTotalBytes bounds cumulative decompressed bytes across the whole
	// recursion tree. Never reset per nesting level.
	MaxTotalBytes int64

	// MaxEntryBytes bounds the decompressed size of a single entry.
	MaxEntryBytes int64
}

// DefaultOptions returns the standard ceilings: depth 3, 500MiB total,
// 100MiB per entry.
func DefaultOptions() Options {
	return Options{
		MaxDepth:      3,
		MaxTotalBytes: 500 * 1024 * 1024,
		MaxEntryBytes: 100 * 1024 * 1024,
	}
}

// LimitError reports a breached resource ceiling. It unwraps to
// consts.ErrResourceLimitExceeded.
type LimitError struct {
	Entry       string
	Accumulated int64
	Limit       int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("entry %s: accumulated %d bytes exceeds limit %d: %v",
		e.Entry, e.Accumulated, e.Limit, consts.ErrResourceLimitExceeded)
}

func (e *LimitError) Unwrap() error { return consts.ErrResourceLimitExceeded }

// Extractor extracts archives through an AtomicStager.
type Extractor struct {
	stager *stager.Stager
	opts   Options
}

// New returns an Extractor writing through st with the given ceilings.
func New(st *stager.Stager, opts Options) *Extractor {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultOptions().MaxDepth
	}
	if opts.MaxTotalBytes <= 0 {
		opts.MaxTotalBytes = DefaultOptions().MaxTotalBytes
	}
	if opts.MaxEntryBytes <= 0 {
		opts.MaxEntryBytes = DefaultOptions().MaxEntryBytes
	}
	return &Extractor{stager: st, opts: opts}
}

// treeState is the mutable accounting of one top-level extraction call
// tree. It is threaded explicitly through recursive calls and discarded
// when Extract returns; independent top-level calls share nothing.
type treeState struct {
	used     int64
	written  []string
	diags    []diag.Diagnostic
	password string
}

// Extract extracts the archive at path into targetDir and returns the
// staged file paths. Fatal outcomes are ErrMalformedEnvelope,
// ErrEncryptionUnresolved and ErrResourceLimitExceeded; the last rolls back
// every file the call tree wrote. Single unreadable members are skipped
// with a diagnostic.
func (e *Extractor) Extract(ctx context.Context, path, targetDir string, src passwd.Source) ([]string, []diag.Diagnostic, error) {
	start := time.Now()
	defer func() {
		metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
	}()

	st := &treeState{}
	err := e.extractArchive(ctx, path, targetDir, src, st, 0)
	if err != nil {
		if errors.Is(err, consts.ErrResourceLimitExceeded) {
			logger.Error("extraction aborted, rolling back call tree",
				"archive", path, "accumulated_bytes", st.used, "files", len(st.written), "error", err)
			e.rollback(st)
			metrics.ExtractionsTotal.WithLabelValues("limit_exceeded").Inc()
		} else {
			metrics.ExtractionsTotal.WithLabelValues("error").Inc()
		}
		return nil, st.diags, err
	}

	metrics.ExtractionsTotal.WithLabelValues("success").Inc()
	logger.Info("archive extracted",
		"archive", path, "files", len(st.written), "bytes", st.used, "diagnostics", len(st.diags))
	return st.written, st.diags, nil
}

// rollback removes everything the call tree staged. Best effort: a file
// that cannot be removed is logged, not retried.
func (e *Extractor) rollback(st *treeState) {
	for _, p := range st.written {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("rollback failed to remove staged file", "path", p, "error", err)
		}
	}
	st.written = nil
}

func (e *Extractor) extractArchive(ctx context.Context, path, targetDir string, src passwd.Source, st *treeState, depth int) error {
	c, err := e.openContainer(ctx, path, src, st)
	if err != nil {
		return err
	}
	defer c.close()

	for _, ent := range c.entries() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ent.isDir() {
			continue
		}
		if err := e.extractEntry(ctx, ent, targetDir, src, st, depth); err != nil {
			return err
		}
	}
	return nil
}

// openContainer validates the container, probes for encryption and walks
// the password candidates when needed. The AES-capable opener is tried
// before the legacy one.
func (e *Extractor) openContainer(ctx context.Context, path string, src passwd.Source, st *treeState) (container, error) {
	var c container
	var err error
	for _, o := range []interface {
		open(string) (container, error)
	}{aesOpener{}, legacyOpener{}} {
		c, err = o.open(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("container %s is not a well-formed archive: %w: %w", path, err, consts.ErrMalformedEnvelope)
	}

	if !c.encrypted() {
		// A probe failure here is not fatal: single bad members are
		// handled entry by entry.
		if err := c.probe(); err != nil {
			logger.Debug("probe read failed on unencrypted archive", "archive", path, "error", err)
		}
		return c, nil
	}

	passwords, err := src.KnownPasswords(ctx, passwd.KindZip)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("password lookup failed for %s: %w", path, err)
	}
	if len(passwords) == 0 {
		c.close()
		return nil, fmt.Errorf("archive %s is encrypted and no zip passwords are configured: %w", path, consts.ErrEncryptionUnresolved)
	}

	for _, pw := range passwords {
		c.setPassword(pw)
		if err := c.probe(); err == nil {
			metrics.PasswordAttemptsTotal.WithLabelValues(string(passwd.KindZip), "success").Inc()
			st.password = pw
			return c, nil
		}
		metrics.PasswordAttemptsTotal.WithLabelValues(string(passwd.KindZip), "failure").Inc()
	}

	c.close()
	return nil, fmt.Errorf("archive %s: none of %d password candidates matched: %w", path, len(passwords), consts.ErrEncryptionUnresolved)
}

func (e *Extractor) extractEntry(ctx context.Context, ent entry, targetDir string, src passwd.Source, st *treeState, depth int) error {
	base := helpers.SanitizeFilename(ent.name())

	// Honest declared sizes fail fast, before any decompression work.
	if declared := int64(ent.declaredSize()); declared > e.opts.MaxEntryBytes {
		return &LimitError{Entry: ent.name(), Accumulated: declared, Limit: e.opts.MaxEntryBytes}
	}

	rc, err := ent.open()
	if err != nil {
		st.diags = append(st.diags, diag.Diagnostic{Kind: diag.SkippedEntry, Item: ent.name(), Detail: err.Error()})
		logger.Warn("skipping unreadable archive member", "entry", ent.name(), "error", err)
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(rc, e.opts.MaxEntryBytes+1))
	rc.Close()
	if err != nil {
		st.diags = append(st.diags, diag.Diagnostic{Kind: diag.SkippedEntry, Item: ent.name(), Detail: err.Error()})
		logger.Warn("skipping unreadable archive member", "entry", ent.name(), "error", err)
		return nil
	}

	if int64(len(data)) > e.opts.MaxEntryBytes {
		return &LimitError{Entry: ent.name(), Accumulated: int64(len(data)), Limit: e.opts.MaxEntryBytes}
	}

	// Transparent gzip members: decompress against the same ceilings.
	if helpers.IsGzip(data) {
		data, err = e.gunzip(data)
		if err != nil {
			if errors.Is(err, consts.ErrResourceLimitExceeded) {
				return &LimitError{Entry: ent.name(), Accumulated: e.opts.MaxEntryBytes + 1, Limit: e.opts.MaxEntryBytes}
			}
			st.diags = append(st.diags, diag.Diagnostic{Kind: diag.SkippedEntry, Item: ent.name(), Detail: err.Error()})
			return nil
		}
		base = strings.TrimSuffix(base, ".gz")
		if base == "" {
			base = "unnamed"
		}
	}

	// The cumulative ceiling is checked before the write, never after, and
	// spans the whole call tree.
	if st.used+int64(len(data)) > e.opts.MaxTotalBytes {
		return &LimitError{Entry: ent.name(), Accumulated: st.used + int64(len(data)), Limit: e.opts.MaxTotalBytes}
	}

	if helpers.IsZip(data) {
		return e.handleNestedArchive(ctx, base, data, targetDir, src, st, depth)
	}

	target := helpers.UniquePath(targetDir, base)
	if _, err := e.stager.Write(data, target); err != nil {
		// Only this write failed; the batch continues.
		st.diags = append(st.diags, diag.Diagnostic{Kind: diag.SkippedEntry, Item: ent.name(), Detail: err.Error()})
		logger.Warn("failed to stage archive member", "entry", ent.name(), "error", err)
		return nil
	}

	st.used += int64(len(data))
	st.written = append(st.written, target)
	metrics.ExtractedEntriesTotal.Inc()
	metrics.ExtractedBytesTotal.Add(float64(len(data)))
	return nil
}

// handleNestedArchive recurses into a nested archive while the depth budget
// allows, carrying the cumulative byte counter forward. At the depth limit
// the archive is staged un-recursed with a diagnostic.
func (e *Extractor) handleNestedArchive(ctx context.Context, base string, data []byte, targetDir string, src passwd.Source, st *treeState, depth int) error {
	if depth >= e.opts.MaxDepth {
		st.diags = append(st.diags, diag.Diagnostic{
			Kind:   diag.DepthLimit,
			Item:   base,
			Detail: fmt.Sprintf("nested archive at depth %d not recursed", depth),
		})
		logger.Warn("nesting ceiling reached, staging archive un-recursed", "entry", base, "depth", depth)

		target := helpers.UniquePath(targetDir, base)
		if _, err := e.stager.Write(data, target); err != nil {
			st.diags = append(st.diags, diag.Diagnostic{Kind: diag.SkippedEntry, Item: base, Detail: err.Error()})
			return nil
		}
		st.used += int64(len(data))
		st.written = append(st.written, target)
		return nil
	}

	// The nested archive goes through a discarded intermediate copy; only
	// its contents count as output.
	tmp, err := os.CreateTemp(targetDir, ".nested-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create intermediate archive copy: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write intermediate archive copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close intermediate archive copy: %w", err)
	}

	subDir := helpers.UniquePath(targetDir, archiveStem(base))
	err = e.extractArchive(ctx, tmpPath, subDir, src, st, depth+1)
	if err != nil {
		if errors.Is(err, consts.ErrMalformedEnvelope) {
			// Looked like an archive but is not one we can open. Degrade:
			// stage the raw bytes as a plain file.
			st.diags = append(st.diags, diag.Diagnostic{Kind: diag.SkippedEntry, Item: base, Detail: err.Error()})
			target := helpers.UniquePath(targetDir, base)
			if _, werr := e.stager.Write(data, target); werr == nil {
				st.used += int64(len(data))
				st.written = append(st.written, target)
			}
			return nil
		}
		return err
	}
	return nil
}

// gunzip decompresses a single gzip stream bounded by the entry ceiling.
func (e *Extractor) gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip member: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, e.opts.MaxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip member: %w", err)
	}
	if int64(len(out)) > e.opts.MaxEntryBytes {
		return nil, consts.ErrResourceLimitExceeded
	}
	return out, nil
}

// archiveStem derives the extraction subdirectory name for a nested
// archive from its filename.
func archiveStem(base string) string {
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		return "archive"
	}
	return stem
}
