package mtom

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverloop/intake/consts"
	"github.com/coverloop/intake/diag"
)

const testBoundary = "MIME_boundary_0815"

// buildEnvelope assembles a CRLF multipart stream from header/body pairs.
func buildEnvelope(boundary string, parts ...[2]string) []byte {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString("--" + boundary + "\r\n")
		sb.WriteString(p[0])
		sb.WriteString("\r\n\r\n")
		sb.WriteString(p[1])
		sb.WriteString("\r\n")
	}
	sb.WriteString("--" + boundary + "--\r\n")
	return []byte(sb.String())
}

func controlXML(entries ...[2]string) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0"?><soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><Response><Vorgangsnummer>4711</Vorgangsnummer>`)
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf(
			`<Datei><Dateiname>%s</Dateiname><Inhalt><xop:Include xmlns:xop="http://www.w3.org/2004/08/xop/include" href="cid:%s"/></Inhalt></Datei>`,
			e[0], e[1]))
	}
	sb.WriteString(`</Response></soap:Body></soap:Envelope>`)
	return sb.String()
}

func TestExtractBoundary(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        string
		ok          bool
	}{
		{"quoted", `multipart/related; boundary="MIME_boundary"; type="application/xop+xml"`, "MIME_boundary", true},
		{"bare", `multipart/related; boundary=simple_boundary`, "simple_boundary", true},
		{"case insensitive", `multipart/related; BOUNDARY="Upper"`, "Upper", true},
		{"malformed media type still scanned", `multipart/related;; boundary="b-1"`, "b-1", true},
		{"missing", `application/soap+xml`, "", false},
		{"empty", ``, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractBoundary(tc.contentType)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSplitMultipartBoundaryFromFirstLine(t *testing.T) {
	content := buildEnvelope(testBoundary,
		[2]string{"Content-Type: text/xml", "<a/>"},
		[2]string{"Content-Type: application/pdf\r\nContent-ID: <doc1>", "%PDF-1.4 data"},
	)

	// No boundary in the header: the first line of the stream supplies it.
	parts := SplitMultipart(content, "multipart/related")
	require.Len(t, parts, 2)

	parts = SplitMultipart(content, "")
	require.Len(t, parts, 2)
}

func TestSplitHeaderBodyEarliestSeparator(t *testing.T) {
	// An LFLF before the first CRLFCRLF must win.
	raw := []byte("Content-Type: text/plain\n\nbody with\r\n\r\ninner breaks")
	header, body, ok := splitHeaderBody(raw)
	require.True(t, ok)
	assert.Equal(t, "Content-Type: text/plain", string(header))
	assert.Equal(t, "body with\r\n\r\ninner breaks", string(body))

	// CRLFCRLF form.
	raw = []byte("Content-Type: text/plain\r\n\r\nbody")
	header, body, ok = splitHeaderBody(raw)
	require.True(t, ok)
	assert.Equal(t, "Content-Type: text/plain", string(header))
	assert.Equal(t, "body", string(body))

	_, _, ok = splitHeaderBody([]byte("no separator here"))
	assert.False(t, ok)
}

func TestNormalizeContentID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<doc1@example.org>", "doc1@example.org"},
		{"cid:doc1@example.org", "doc1@example.org"},
		{"cid:<doc1>", "doc1"},
		{" doc1 ", "doc1"},
		{"doc%40example.org", "doc@example.org"},
		{"plain", "plain"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeContentID(tc.in), "input %q", tc.in)
	}
}

func TestDecodeBindsDeclaredFilenames(t *testing.T) {
	content := buildEnvelope(testBoundary,
		[2]string{"Content-Type: application/xop+xml; type=\"text/xml\"", controlXML(
			[2]string{"bescheid.pdf", "doc1@example.org"},
			[2]string{"anlage.pdf", "doc2@example.org"},
		)},
		[2]string{"Content-Type: application/pdf\r\nContent-ID: <doc1@example.org>", "%PDF-1.4 first"},
		[2]string{"Content-Type: application/pdf\r\nContent-ID: <doc2@example.org>", "%PDF-1.4 second"},
	)

	res, err := Decode(content, `multipart/related; boundary="`+testBoundary+`"`)
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)
	assert.True(t, res.HasControlDocument)
	assert.Equal(t, 2, res.BinaryPartCount)

	assert.Equal(t, "bescheid.pdf", res.Documents[0].Filename)
	assert.Equal(t, []byte("%PDF-1.4 first"), res.Documents[0].Data)
	assert.Equal(t, "anlage.pdf", res.Documents[1].Filename)
	assert.Equal(t, []byte("%PDF-1.4 second"), res.Documents[1].Data)

	assert.Equal(t, "4711", res.Metadata["vorgangsnummer"])
	assert.Empty(t, res.Diagnostics)
}

func TestDecodeContentIDCollisionLastWins(t *testing.T) {
	content := buildEnvelope(testBoundary,
		[2]string{"Content-Type: text/xml", controlXML([2]string{"doc.pdf", "dup"})},
		[2]string{"Content-Type: application/pdf\r\nContent-ID: <dup>", "%PDF-1.4 old"},
		[2]string{"Content-Type: application/pdf\r\nContent-ID: <dup>", "%PDF-1.4 new"},
	)

	res, err := Decode(content, `multipart/related; boundary="`+testBoundary+`"`)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, []byte("%PDF-1.4 new"), res.Documents[0].Data)

	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, diag.ContentIDCollision, res.Diagnostics[0].Kind)
	assert.Equal(t, "dup", res.Diagnostics[0].Item)
}

func TestDecodeMagicMismatchIsDiagnosticOnly(t *testing.T) {
	content := buildEnvelope(testBoundary,
		[2]string{"Content-Type: text/xml", controlXML([2]string{"claimed.pdf", "doc1"})},
		[2]string{"Content-Type: application/pdf\r\nContent-ID: <doc1>", "this is not a pdf"},
	)

	res, err := Decode(content, `multipart/related; boundary="`+testBoundary+`"`)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	// Trust-but-warn: the payload is kept as-is.
	assert.Equal(t, []byte("this is not a pdf"), res.Documents[0].Data)

	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, diag.MagicMismatch, res.Diagnostics[0].Kind)
	assert.Equal(t, "claimed.pdf", res.Diagnostics[0].Item)
}

func TestDecodeSynthesizesNamesForUnboundParts(t *testing.T) {
	content := buildEnvelope(testBoundary,
		[2]string{"Content-Type: application/pdf\r\nContent-ID: <lonely>", "%PDF-1.4 orphan"},
	)

	res, err := Decode(content, `multipart/related; boundary="`+testBoundary+`"`)
	require.NoError(t, err)
	assert.False(t, res.HasControlDocument)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "document_01.pdf", res.Documents[0].Filename)

	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, diag.UnboundPart, res.Diagnostics[0].Kind)
}

func TestDecodeNoPartsIsMalformed(t *testing.T) {
	_, err := Decode([]byte("just some bytes with no structure"), "text/plain")
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrMalformedEnvelope)
}

func TestDecodeEmptyEnvelopeProducesDiagnosticNotError(t *testing.T) {
	// A well-formed envelope carrying only a control document is a valid
	// zero-document result.
	content := buildEnvelope(testBoundary,
		[2]string{"Content-Type: text/xml", `<Envelope><Status>leer</Status></Envelope>`},
	)

	res, err := Decode(content, `multipart/related; boundary="`+testBoundary+`"`)
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, diag.NothingExtracted, res.Diagnostics[0].Kind)
}

func TestDecodeIsIdempotent(t *testing.T) {
	content := buildEnvelope(testBoundary,
		[2]string{"Content-Type: text/xml", controlXML([2]string{"a.pdf", "doc1"})},
		[2]string{"Content-Type: application/pdf\r\nContent-ID: <doc1>", "%PDF-1.4 stable"},
	)
	contentType := `multipart/related; boundary="` + testBoundary + `"`

	first, err := Decode(content, contentType)
	require.NoError(t, err)
	second, err := Decode(content, contentType)
	require.NoError(t, err)

	assert.Equal(t, first.Documents, second.Documents)
	assert.Equal(t, first.Metadata, second.Metadata)
	assert.Equal(t, first.Diagnostics, second.Diagnostics)
}

func TestDecodePositionalFallbackBinding(t *testing.T) {
	// Filenames and Include references live in disjoint subtrees; the
	// decoder pairs them by document order.
	control := `<Envelope><Namen><Dateiname>one.pdf</Dateiname><Dateiname>two.pdf</Dateiname></Namen>` +
		`<Inhalte><xop:Include xmlns:xop="http://www.w3.org/2004/08/xop/include" href="cid:c1"/>` +
		`<xop:Include xmlns:xop="http://www.w3.org/2004/08/xop/include" href="cid:c2"/></Inhalte></Envelope>`
	content := buildEnvelope(testBoundary,
		[2]string{"Content-Type: text/xml", control},
		[2]string{"Content-Type: application/pdf\r\nContent-ID: <c1>", "%PDF-1.4 one"},
		[2]string{"Content-Type: application/pdf\r\nContent-ID: <c2>", "%PDF-1.4 two"},
	)

	res, err := Decode(content, `multipart/related; boundary="`+testBoundary+`"`)
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, "one.pdf", res.Documents[0].Filename)
	assert.Equal(t, []byte("%PDF-1.4 one"), res.Documents[0].Data)
	assert.Equal(t, "two.pdf", res.Documents[1].Filename)
}

func TestDecodePercentEncodedContentID(t *testing.T) {
	content := buildEnvelope(testBoundary,
		[2]string{"Content-Type: text/xml", controlXML([2]string{"umlaut.pdf", "datei%40host"})},
		[2]string{"Content-Type: application/pdf\r\nContent-ID: <datei@host>", "%PDF-1.4 enc"},
	)

	res, err := Decode(content, `multipart/related; boundary="`+testBoundary+`"`)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "umlaut.pdf", res.Documents[0].Filename)
}
