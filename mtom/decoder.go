// Package mtom decodes MIME multipart MTOM/XOP response envelopes into a
// flat list of named documents.
//
// The input is a raw byte stream plus an HTTP-style Content-Type header. A
// control document (SOAP/XML part) declares filenames and references binary
// parts via cid: hrefs; binary parts are keyed by Content-ID. Feeds in the
// wild are sloppy: boundaries missing from the header, mixed line endings,
// percent-encoded Content-IDs, declared content types that do not match the
// payload. The decoder degrades instead of failing: zero documents is a
// valid result, and questionable input is emitted with a diagnostic.
package mtom

import (
	"bytes"
	"fmt"
	"mime"
	"net/url"
	"regexp"
	"strings"

	"github.com/coverloop/intake/consts"
	"github.com/coverloop/intake/diag"
	"github.com/coverloop/intake/helpers"
	"github.com/coverloop/intake/logger"
	"github.com/coverloop/intake/pkg/metrics"
)

// Document is one extracted file. Ownership transfers to the caller.
type Document struct {
	Filename string
	Data     []byte
	MimeType string
}

// Result is the outcome of one decode pass.
type Result struct {
	// Documents in binding order.
	Documents []Document

	// Metadata holds free-text fields extracted from the control XML.
	Metadata map[string]string

	// Diagnostics collected while decoding. Never fatal.
	Diagnostics []diag.Diagnostic

	// BinaryPartCount is the number of binary parts seen, bound or not.
	BinaryPartCount int

	// HasControlDocument reports whether a SOAP/XML control part was found.
	HasControlDocument bool
}

var (
	boundaryQuotedRe = regexp.MustCompile(`(?i)boundary="([^"]+)"`)
	boundaryBareRe   = regexp.MustCompile(`(?i)boundary=([^;,\s]+)`)
)

// ExtractBoundary resolves the multipart boundary from a Content-Type
// header. It prefers mime.ParseMediaType and falls back to a tolerant
// header scan for values the strict parser rejects.
func ExtractBoundary(contentType string) (string, bool) {
	if contentType == "" {
		return "", false
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if b := params["boundary"]; b != "" {
			return b, true
		}
	}
	if m := boundaryQuotedRe.FindStringSubmatch(contentType); m != nil {
		return m[1], true
	}
	if m := boundaryBareRe.FindStringSubmatch(contentType); m != nil {
		return m[1], true
	}
	return "", false
}

// boundaryFromFirstLine treats the stream's first line, with its leading
// "--" stripped, as the boundary. A documented legacy fallback for feeds
// that omit the boundary parameter from the header.
func boundaryFromFirstLine(content []byte) (string, bool) {
	line := content
	if idx := bytes.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = bytes.TrimRight(line, "\r")
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("--")) {
		return "", false
	}
	b := string(bytes.TrimPrefix(line, []byte("--")))
	if b == "" || strings.HasSuffix(b, "--") {
		return "", false
	}
	return b, true
}

// SplitMultipart cuts a multipart byte stream into raw parts (header block
// plus body). The terminal "--" sentinel and segments without a header/body
// separator are discarded.
func SplitMultipart(content []byte, contentType string) [][]byte {
	boundary, ok := ExtractBoundary(contentType)
	if !ok {
		boundary, ok = boundaryFromFirstLine(content)
		if !ok {
			return nil
		}
	}

	delim := []byte("--" + boundary)
	segments := bytes.Split(content, delim)
	if len(segments) < 2 {
		return nil
	}

	var parts [][]byte
	// segments[0] is the preamble before the first boundary.
	for _, seg := range segments[1:] {
		trimmed := bytes.TrimLeft(seg, " \t")
		if bytes.HasPrefix(trimmed, []byte("--")) {
			// Terminal sentinel.
			continue
		}
		// Strip the line break that follows the boundary marker.
		seg = bytes.TrimPrefix(seg, []byte("\r\n"))
		seg = bytes.TrimPrefix(seg, []byte("\n"))
		if _, _, ok := splitHeaderBody(seg); !ok {
			continue
		}
		parts = append(parts, seg)
	}
	return parts
}

// splitHeaderBody separates a raw part into its header block and body. The
// separator is whichever of CRLFCRLF or LFLF occurs earliest; feeds mix
// both forms, sometimes within one stream.
func splitHeaderBody(raw []byte) (header, body []byte, ok bool) {
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))

	switch {
	case crlf < 0 && lf < 0:
		return nil, nil, false
	case crlf < 0:
		return raw[:lf], raw[lf+2:], true
	case lf < 0 || crlf <= lf:
		return raw[:crlf], raw[crlf+4:], true
	default:
		return raw[:lf], raw[lf+2:], true
	}
}

// partHeaders parses a raw header block into a lowercase-keyed map,
// folding continuation lines.
func partHeaders(block []byte) map[string]string {
	headers := make(map[string]string)
	var lastKey string
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastKey != "" {
				headers[lastKey] += " " + string(bytes.TrimSpace(line))
			}
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(string(line[:idx])))
		headers[key] = strings.TrimSpace(string(line[idx+1:]))
		lastKey = key
	}
	return headers
}

// NormalizeContentID reduces the many Content-ID spellings to a single
// comparable form: angle brackets and the cid: scheme are stripped, and
// percent-encoding is decoded when present.
func NormalizeContentID(cid string) string {
	cid = strings.TrimSpace(cid)
	cid = strings.TrimPrefix(cid, "cid:")
	cid = strings.TrimPrefix(cid, "<")
	cid = strings.TrimSuffix(cid, ">")
	if strings.ContainsRune(cid, '%') {
		if decoded, err := url.PathUnescape(cid); err == nil {
			cid = decoded
		}
	}
	return cid
}

// trimBoundaryArtifacts strips the trailing line break a body carries from
// the boundary marker that followed it.
func trimBoundaryArtifacts(body []byte) []byte {
	if bytes.HasSuffix(body, []byte("\r\n")) {
		return body[:len(body)-2]
	}
	if bytes.HasSuffix(body, []byte("\n")) {
		return body[:len(body)-1]
	}
	return body
}

type binaryPart struct {
	contentID string
	mimeType  string
	data      []byte
}

// Decode splits an MTOM envelope, binds XML-declared filenames to binary
// payloads and returns the extracted documents. Malformed-but-partially-
// usable input degrades into diagnostics; only an envelope with no
// recognizable parts at all fails, with ErrMalformedEnvelope.
func Decode(content []byte, contentType string) (*Result, error) {
	rawParts := SplitMultipart(content, contentType)
	if len(rawParts) == 0 {
		metrics.DecodeOperationsTotal.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("no multipart structure in %d input bytes: %w", len(content), consts.ErrMalformedEnvelope)
	}

	result := &Result{Metadata: make(map[string]string)}

	var controlDoc []byte
	var binaries []*binaryPart
	byCID := make(map[string]*binaryPart)

	for i, raw := range rawParts {
		headerBlock, body, _ := splitHeaderBody(raw)
		headers := partHeaders(headerBlock)

		partType := headers["content-type"]
		if partType == "" {
			partType = "application/octet-stream"
		}

		lowerType := strings.ToLower(partType)
		if controlDoc == nil && (strings.Contains(lowerType, "xml") || strings.Contains(lowerType, "soap")) {
			result.HasControlDocument = true
			controlDoc = body
			continue
		}

		part := &binaryPart{
			contentID: NormalizeContentID(headers["content-id"]),
			mimeType:  partType,
			data:      trimBoundaryArtifacts(body),
		}
		if part.contentID == "" {
			part.contentID = fmt.Sprintf("part-%d", i)
		}

		if _, exists := byCID[part.contentID]; exists {
			// Last write wins; surfaced so callers can detect it.
			logger.Warn("duplicate Content-ID in multipart stream", "content_id", part.contentID)
			result.Diagnostics = append(result.Diagnostics, diag.Diagnostic{
				Kind: diag.ContentIDCollision,
				Item: part.contentID,
			})
			metrics.DecodeDiagnosticsTotal.WithLabelValues(string(diag.ContentIDCollision)).Inc()
			for j, b := range binaries {
				if b.contentID == part.contentID {
					binaries[j] = part
					break
				}
			}
		} else {
			binaries = append(binaries, part)
		}
		byCID[part.contentID] = part
	}
	result.BinaryPartCount = len(binaries)

	// Binding strategy 1: structured file elements in the control document.
	if controlDoc != nil {
		for _, b := range bindControlDocument(controlDoc, result.Metadata) {
			part, ok := byCID[NormalizeContentID(b.href)]
			if !ok {
				continue
			}
			result.Documents = append(result.Documents, makeDocument(b.filename, part, result))
		}
	}

	// Binding strategy 3: synthesize names for unbound parts.
	if len(result.Documents) == 0 && len(binaries) > 0 {
		for i, part := range binaries {
			ext := helpers.SniffExtension(part.data)
			doc := Document{
				Filename: fmt.Sprintf("document_%02d.%s", i+1, ext),
				Data:     part.data,
				MimeType: mimeTypeForExtension(ext),
			}
			result.Documents = append(result.Documents, doc)
			result.Diagnostics = append(result.Diagnostics, diag.Diagnostic{
				Kind:   diag.UnboundPart,
				Item:   part.contentID,
				Detail: doc.Filename,
			})
			metrics.DecodeDiagnosticsTotal.WithLabelValues(string(diag.UnboundPart)).Inc()
		}
	}

	if len(result.Documents) == 0 {
		result.Diagnostics = append(result.Diagnostics, diag.Diagnostic{
			Kind:   diag.NothingExtracted,
			Item:   "envelope",
			Detail: fmt.Sprintf("binary_parts=%d control_document=%t", result.BinaryPartCount, result.HasControlDocument),
		})
		logger.Info("decode produced no documents",
			"binary_parts", result.BinaryPartCount,
			"control_document", result.HasControlDocument)
	}

	metrics.DecodeOperationsTotal.WithLabelValues("success").Inc()
	metrics.DecodedDocumentsTotal.Add(float64(len(result.Documents)))
	return result, nil
}

// makeDocument builds a Document from a bound binary part, recording a
// trust-but-warn diagnostic when the declared type claims PDF but the bytes
// lack the signature.
func makeDocument(filename string, part *binaryPart, result *Result) Document {
	filename = helpers.SanitizeFilename(filename)
	if strings.Contains(strings.ToLower(part.mimeType), "pdf") && !helpers.IsPDF(part.data) {
		logger.Warn("declared PDF without PDF signature", "filename", filename, "content_id", part.contentID)
		result.Diagnostics = append(result.Diagnostics, diag.Diagnostic{
			Kind:   diag.MagicMismatch,
			Item:   filename,
			Detail: part.mimeType,
		})
		metrics.DecodeDiagnosticsTotal.WithLabelValues(string(diag.MagicMismatch)).Inc()
	}
	return Document{Filename: filename, Data: part.data, MimeType: part.mimeType}
}

func mimeTypeForExtension(ext string) string {
	switch ext {
	case "pdf":
		return "application/pdf"
	case "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
