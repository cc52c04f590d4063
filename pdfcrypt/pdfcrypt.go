// Package pdfcrypt unlocks password-protected PDF documents using the same
// no-fallback password-source contract as archive extraction.
package pdfcrypt

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/coverloop/intake/consts"
	"github.com/coverloop/intake/logger"
	"github.com/coverloop/intake/passwd"
	"github.com/coverloop/intake/pkg/metrics"
)

// IsProtected reports whether the PDF rejects unauthenticated access. A
// document that fails validation for non-encryption reasons is reported as
// unprotected; the unlock step only cares about password walls.
func IsProtected(data []byte) bool {
	err := api.Validate(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err == nil {
		return false
	}
	var buf bytes.Buffer
	// Decrypt on an unencrypted document fails; on an encrypted one with a
	// missing password it fails differently. Either way a successful
	// empty-password decrypt means it was protected.
	conf := model.NewDefaultConfiguration()
	if api.Decrypt(bytes.NewReader(data), &buf, conf) == nil {
		return true
	}
	return isEncrypted(data)
}

// isEncrypted checks for the /Encrypt dictionary reference in the trailer.
// Cheap and independent of pdfcpu's error wording.
func isEncrypted(data []byte) bool {
	return bytes.Contains(data, []byte("/Encrypt"))
}

// Unlock returns the decrypted document when the input is protected and a
// candidate from the password source opens it. The second return reports
// whether decryption happened; unprotected input is returned unchanged.
// Exhausting the candidates, or having none, fails with
// ErrEncryptionUnresolved.
func Unlock(ctx context.Context, data []byte, src passwd.Source) ([]byte, bool, error) {
	if !IsProtected(data) {
		return data, false, nil
	}

	passwords, err := src.KnownPasswords(ctx, passwd.KindPDF)
	if err != nil {
		return nil, false, fmt.Errorf("password lookup failed: %w", err)
	}
	if len(passwords) == 0 {
		return nil, false, fmt.Errorf("document is protected and no pdf passwords are configured: %w", consts.ErrEncryptionUnresolved)
	}

	for _, pw := range passwords {
		var buf bytes.Buffer
		conf := model.NewDefaultConfiguration()
		conf.UserPW = pw
		conf.OwnerPW = pw
		if err := api.Decrypt(bytes.NewReader(data), &buf, conf); err == nil {
			metrics.PasswordAttemptsTotal.WithLabelValues(string(passwd.KindPDF), "success").Inc()
			logger.Debug("protected document unlocked")
			return buf.Bytes(), true, nil
		}
		metrics.PasswordAttemptsTotal.WithLabelValues(string(passwd.KindPDF), "failure").Inc()
	}

	return nil, false, fmt.Errorf("none of %d password candidates opened the document: %w", len(passwords), consts.ErrEncryptionUnresolved)
}
