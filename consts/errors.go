package consts

import "errors"

var (
	// ErrMalformedEnvelope marks a container that could not be parsed at all.
	// Fatal for that input; the pipeline continues with the next item.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrEncryptionUnresolved is returned when an encrypted container could
	// not be opened: either no password candidate matched, or none were
	// configured. There is deliberately no built-in fallback password list.
	ErrEncryptionUnresolved = errors.New("encryption unresolved")

	// ErrResourceLimitExceeded marks a suspected decompression bomb. All
	// writes of the affected extraction call tree are rolled back.
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")

	// ErrIntegrityMismatch is returned when a post-write size or digest
	// check failed. Only the affected write is rolled back.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	ErrInternalError = errors.New("internal error")
)
