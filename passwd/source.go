// Package passwd defines the password-source contract shared by the archive
// extractor and the PDF unlock step, and a process-lifetime cached
// implementation of it.
//
// A source returns an ordered list of candidate passwords for a content
// kind. An empty list is a valid answer: encrypted containers then fail
// with ErrEncryptionUnresolved. There is deliberately no built-in fallback
// list.
package passwd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coverloop/intake/config"
	"github.com/coverloop/intake/logger"
)

// Kind identifies the content kind a password candidate list applies to.
type Kind string

const (
	KindZip Kind = "zip"
	KindPDF Kind = "pdf"
)

// Source supplies ordered candidate passwords per content kind.
type Source interface {
	// KnownPasswords returns the ordered candidate list for kind. The
	// returned slice must not be mutated by the caller.
	KnownPasswords(ctx context.Context, kind Kind) ([]string, error)

	// Invalidate clears any cached candidates so the next lookup hits the
	// backing provider again.
	Invalidate()
}

// StaticSource serves candidates straight from configuration.
type StaticSource struct {
	zip []string
	pdf []string
}

// NewStaticSource builds a source from the [passwords] config section.
func NewStaticSource(cfg config.PasswordsConfig) *StaticSource {
	return &StaticSource{zip: cfg.Zip, pdf: cfg.Pdf}
}

func (s *StaticSource) KnownPasswords(ctx context.Context, kind Kind) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch kind {
	case KindZip:
		return s.zip, nil
	case KindPDF:
		return s.pdf, nil
	default:
		return nil, fmt.Errorf("unknown password kind %q", kind)
	}
}

func (s *StaticSource) Invalidate() {}

// CachedSource wraps another Source with a mutex-guarded per-process cache.
// It is read-mostly: populated once per kind, cleared only by Invalidate.
// Lookups against the backing source are bounded by a timeout so a slow
// provider can never stall an extraction.
type CachedSource struct {
	backing Source
	timeout time.Duration

	mu    sync.Mutex
	cache map[Kind][]string
}

// NewCachedSource wraps backing with a cache. A zero timeout disables the
// lookup deadline.
func NewCachedSource(backing Source, timeout time.Duration) *CachedSource {
	return &CachedSource{
		backing: backing,
		timeout: timeout,
		cache:   make(map[Kind][]string),
	}
}

func (c *CachedSource) KnownPasswords(ctx context.Context, kind Kind) ([]string, error) {
	c.mu.Lock()
	if cached, ok := c.cache[kind]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	passwords, err := c.backing.KnownPasswords(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("password lookup for kind %q failed: %w", kind, err)
	}

	c.mu.Lock()
	c.cache[kind] = passwords
	c.mu.Unlock()

	logger.Debug("password candidates cached", "kind", string(kind), "count", len(passwords))
	return passwords, nil
}

// Invalidate clears the cache. The backing source is invalidated as well so
// a refreshed provider is consulted on the next lookup.
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[Kind][]string)
	c.mu.Unlock()
	c.backing.Invalidate()
	logger.Debug("password cache invalidated")
}
