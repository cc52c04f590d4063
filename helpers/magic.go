package helpers

import "bytes"

var (
	pdfMagic  = []byte("%PDF")
	jpegMagic = []byte{0xFF, 0xD8}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	zipMagic  = []byte{0x50, 0x4B, 0x03, 0x04}
	gzipMagic = []byte{0x1F, 0x8B}
)

// SniffExtension guesses a file extension from the leading bytes of a
// payload. It recognizes the small set of formats the intake pipeline
// cares about and returns "bin" for everything else.
func SniffExtension(data []byte) string {
	switch {
	case bytes.HasPrefix(data, pdfMagic):
		return "pdf"
	case bytes.HasPrefix(data, pngMagic):
		return "png"
	case bytes.HasPrefix(data, jpegMagic):
		return "jpg"
	default:
		return "bin"
	}
}

// IsPDF reports whether the payload starts with the PDF signature.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, pdfMagic)
}

// IsZip reports whether the payload starts with a local-file ZIP signature.
// Empty and spanned archives use different signatures and are not accepted
// as nested archives.
func IsZip(data []byte) bool {
	return bytes.HasPrefix(data, zipMagic)
}

// IsGzip reports whether the payload starts with the gzip signature.
func IsGzip(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}
