// Package mailbag extracts attachments from mail containers: single RFC 822
// messages and mbox files. Attachments pass an extension safe-list, get
// sanitized filenames, and are committed through the atomic stager.
// Protected PDFs go through the password-unlock step, fed by the same
// no-fallback password source as archive extraction.
package mailbag

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"

	"github.com/coverloop/intake/consts"
	"github.com/coverloop/intake/diag"
	"github.com/coverloop/intake/helpers"
	"github.com/coverloop/intake/logger"
	"github.com/coverloop/intake/passwd"
	"github.com/coverloop/intake/pdfcrypt"
	"github.com/coverloop/intake/pkg/metrics"
	"github.com/coverloop/intake/stager"
)

// Extractor extracts mail attachments into a target directory.
type Extractor struct {
	stager  *stager.Stager
	src     passwd.Source
	allowed map[string]bool
}

// New returns an Extractor accepting only the given extensions (lowercase,
// without dot).
func New(st *stager.Stager, src passwd.Source, allowedExtensions []string) *Extractor {
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &Extractor{stager: st, src: src, allowed: allowed}
}

// ExtractFile extracts all attachments from the mail container at path.
// Mbox files are detected by their "From " separator line; everything else
// is treated as a single message. A single attachment's failure becomes a
// diagnostic, never an abort.
func (e *Extractor) ExtractFile(ctx context.Context, path, targetDir string) ([]string, []diag.Diagnostic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open mail container %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	prefix, err := br.Peek(5)
	if err != nil {
		return nil, nil, fmt.Errorf("mail container %s is unreadable: %w: %w", path, err, consts.ErrMalformedEnvelope)
	}

	var written []string
	var diags []diag.Diagnostic

	if bytes.Equal(prefix, []byte("From ")) {
		mbr := mbox.NewReader(br)
		for {
			if err := ctx.Err(); err != nil {
				return written, diags, err
			}
			msg, err := mbr.NextMessage()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return written, diags, fmt.Errorf("mbox %s: %w: %w", path, err, consts.ErrMalformedEnvelope)
			}
			e.extractMessage(ctx, msg, targetDir, &written, &diags)
		}
	} else {
		e.extractMessage(ctx, br, targetDir, &written, &diags)
	}

	logger.Info("mail container processed", "path", path, "attachments", len(written), "diagnostics", len(diags))
	return written, diags, nil
}

// extractMessage pulls the attachments out of one message. Parse failures
// of the message itself degrade into a single diagnostic.
func (e *Extractor) extractMessage(ctx context.Context, r io.Reader, targetDir string, written *[]string, diags *[]diag.Diagnostic) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		*diags = append(*diags, diag.Diagnostic{Kind: diag.AttachmentFailure, Item: "message", Detail: err.Error()})
		logger.Warn("unparseable message in mail container", "error", err)
		return
	}

	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			*diags = append(*diags, diag.Diagnostic{Kind: diag.AttachmentFailure, Item: fmt.Sprintf("part %d", i), Detail: err.Error()})
			return
		}

		filename := partFilename(part)
		if filename == "" {
			continue // body text or nameless inline part
		}

		e.extractAttachment(ctx, part.Body, filename, targetDir, written, diags)
	}
}

// partFilename returns the declared filename of an attachment or named
// inline part, or "" for anything else.
func partFilename(part *mail.Part) string {
	switch h := part.Header.(type) {
	case *mail.AttachmentHeader:
		name, _ := h.Filename()
		return name
	case *mail.InlineHeader:
		// InlineHeader has no Filename method; reuse AttachmentHeader's
		// parsing of the shared underlying header.
		ah := mail.AttachmentHeader{Header: h.Header}
		name, _ := ah.Filename()
		return name
	default:
		return ""
	}
}

func (e *Extractor) extractAttachment(ctx context.Context, body io.Reader, filename, targetDir string, written *[]string, diags *[]diag.Diagnostic) {
	filename = helpers.SanitizeFilename(filename)
	ext := helpers.FileExtension(filename)

	if !e.allowed[ext] {
		*diags = append(*diags, diag.Diagnostic{Kind: diag.AttachmentFiltered, Item: filename, Detail: "extension not in safe-list"})
		metrics.MailAttachmentsTotal.WithLabelValues("filtered").Inc()
		return
	}

	data, err := io.ReadAll(body)
	if err != nil {
		*diags = append(*diags, diag.Diagnostic{Kind: diag.AttachmentFailure, Item: filename, Detail: err.Error()})
		metrics.MailAttachmentsTotal.WithLabelValues("error").Inc()
		return
	}

	if ext == "pdf" && helpers.IsPDF(data) {
		unlocked, changed, err := pdfcrypt.Unlock(ctx, data, e.src)
		switch {
		case err == nil && changed:
			data = unlocked
		case err != nil:
			// Keep the protected original; downstream may have the key.
			*diags = append(*diags, diag.Diagnostic{Kind: diag.UnlockFailed, Item: filename, Detail: err.Error()})
			logger.Warn("could not unlock protected attachment", "filename", filename, "error", err)
		}
	}

	target := helpers.UniquePath(targetDir, filename)
	if _, err := e.stager.Write(data, target); err != nil {
		*diags = append(*diags, diag.Diagnostic{Kind: diag.AttachmentFailure, Item: filename, Detail: err.Error()})
		metrics.MailAttachmentsTotal.WithLabelValues("error").Inc()
		return
	}

	*written = append(*written, target)
	metrics.MailAttachmentsTotal.WithLabelValues("success").Inc()
}
