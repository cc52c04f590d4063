// Package ingest composes the intake stages into one pipeline: envelope
// decoding, archive extraction, mail attachment extraction and staging,
// with every committed file tracked in the ledger.
package ingest

import (
	"context"
	"fmt"
	"os"

	"github.com/coverloop/intake/archive"
	"github.com/coverloop/intake/diag"
	"github.com/coverloop/intake/helpers"
	"github.com/coverloop/intake/ledger"
	"github.com/coverloop/intake/logger"
	"github.com/coverloop/intake/mailbag"
	"github.com/coverloop/intake/mtom"
	"github.com/coverloop/intake/passwd"
	"github.com/coverloop/intake/stager"
)

// Notifier wakes a background worker after new files are staged. The
// uploader implements it; a nil notifier is fine.
type Notifier interface {
	Notify()
}

type Pipeline struct {
	stager    *stager.Stager
	extractor *archive.Extractor
	mail      *mailbag.Extractor
	src       passwd.Source
	ledger    *ledger.Ledger
	notifier  Notifier
}

// Result is the outcome of one ingest run.
type Result struct {
	Staged      []string
	Metadata    map[string]string
	Diagnostics []diag.Diagnostic
}

func New(st *stager.Stager, ex *archive.Extractor, mail *mailbag.Extractor, src passwd.Source, ldb *ledger.Ledger, n Notifier) *Pipeline {
	return &Pipeline{stager: st, extractor: ex, mail: mail, src: src, ledger: ldb, notifier: n}
}

// IngestEnvelope decodes a transport envelope and stages every document it
// carries. Archive payloads are extracted in place of being staged as
// blobs; their contents become the staged documents.
func (p *Pipeline) IngestEnvelope(ctx context.Context, path, contentType, targetDir string) (*Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope %s: %w", path, err)
	}

	decoded, err := mtom.Decode(content, contentType)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Metadata:    decoded.Metadata,
		Diagnostics: decoded.Diagnostics,
	}

	for _, doc := range decoded.Documents {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if helpers.IsZip(doc.Data) {
			if err := p.ingestArchiveBlob(ctx, doc, targetDir, res); err != nil {
				return res, err
			}
			continue
		}
		p.stageDocument(doc, targetDir, res)
	}

	p.wake()
	logger.Info("envelope ingested", "path", path, "staged", len(res.Staged), "diagnostics", len(res.Diagnostics))
	return res, nil
}

// IngestArchive extracts an archive file directly, without envelope
// decoding.
func (p *Pipeline) IngestArchive(ctx context.Context, path, targetDir string) (*Result, error) {
	written, diags, err := p.extractor.Extract(ctx, path, targetDir, p.src)
	res := &Result{Staged: written, Diagnostics: diags}
	if err != nil {
		return res, err
	}
	p.trackAll(written)
	p.wake()
	return res, nil
}

// IngestMail extracts attachments from a mail container (single message or
// mbox).
func (p *Pipeline) IngestMail(ctx context.Context, path, targetDir string) (*Result, error) {
	written, diags, err := p.mail.ExtractFile(ctx, path, targetDir)
	res := &Result{Staged: written, Diagnostics: diags}
	if err != nil {
		return res, err
	}
	p.trackAll(written)
	p.wake()
	return res, nil
}

// ingestArchiveBlob writes an in-envelope archive to a discarded
// intermediate file and extracts it.
func (p *Pipeline) ingestArchiveBlob(ctx context.Context, doc mtom.Document, targetDir string, res *Result) error {
	tmp, err := os.CreateTemp(targetDir, ".envelope-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create intermediate archive file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(doc.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write intermediate archive file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close intermediate archive file: %w", err)
	}

	written, diags, err := p.extractor.Extract(ctx, tmpPath, targetDir, p.src)
	res.Diagnostics = append(res.Diagnostics, diags...)
	if err != nil {
		return err
	}
	res.Staged = append(res.Staged, written...)
	p.trackAll(written)
	return nil
}

func (p *Pipeline) stageDocument(doc mtom.Document, targetDir string, res *Result) {
	target := helpers.UniquePath(targetDir, doc.Filename)
	digest, err := p.stager.Write(doc.Data, target)
	if err != nil {
		res.Diagnostics = append(res.Diagnostics, diag.Diagnostic{
			Kind: diag.SkippedEntry, Item: doc.Filename, Detail: err.Error(),
		})
		logger.Warn("failed to stage envelope document", "filename", doc.Filename, "error", err)
		return
	}
	res.Staged = append(res.Staged, target)
	p.track(target, digest)
}

func (p *Pipeline) track(path, digest string) {
	if p.ledger == nil {
		return
	}
	if err := p.ledger.Track(path, digest); err != nil {
		// The file is committed; the next disk sync re-tracks it.
		logger.Warn("failed to track staged file", "path", path, "error", err)
	}
}

// trackAll records files whose digests the extraction layer did not carry
// back. They are rehashed here.
func (p *Pipeline) trackAll(paths []string) {
	if p.ledger == nil {
		return
	}
	for _, path := range paths {
		digest, err := p.stager.Hash(path)
		if err != nil {
			logger.Warn("failed to hash staged file for tracking", "path", path, "error", err)
			continue
		}
		p.track(path, digest)
	}
}

func (p *Pipeline) wake() {
	if p.notifier != nil {
		p.notifier.Notify()
	}
}
