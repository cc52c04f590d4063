package archive

import (
	stdzip "archive/zip"
	"fmt"
	"io"

	yekazip "github.com/yeka/zip"
)

// container abstracts an opened ZIP behind the capabilities the extractor
// needs. Two implementations exist: an AES-capable one and a legacy one.
// The extractor tries them in that order rather than modeling cipher
// support as a type hierarchy.
type container interface {
	entries() []entry
	encrypted() bool
	setPassword(pw string)
	// probe performs a cheap test-read of one entry, enough to tell a
	// wrong password or a corrupt stream from a readable archive.
	probe() error
	close() error
}

type entry interface {
	name() string
	isDir() bool
	declaredSize() uint64
	open() (io.ReadCloser, error)
}

// probeLen is how many plaintext bytes a probe read pulls. Enough to force
// cipher and CRC machinery to engage without paying for a full entry.
const probeLen = 512

// aesOpener opens archives with the AES- and ZipCrypto-capable reader.
type aesOpener struct{}

func (aesOpener) open(path string) (container, error) {
	r, err := yekazip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("aes opener: %w", err)
	}
	return &aesContainer{r: r}, nil
}

type aesContainer struct {
	r *yekazip.ReadCloser
}

func (c *aesContainer) entries() []entry {
	out := make([]entry, 0, len(c.r.File))
	for _, f := range c.r.File {
		out = append(out, &aesEntry{f: f})
	}
	return out
}

func (c *aesContainer) encrypted() bool {
	for _, f := range c.r.File {
		if f.IsEncrypted() {
			return true
		}
	}
	return false
}

func (c *aesContainer) setPassword(pw string) {
	for _, f := range c.r.File {
		if f.IsEncrypted() {
			f.SetPassword(pw)
		}
	}
}

func (c *aesContainer) probe() error {
	for _, f := range c.r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		_, err = io.CopyN(io.Discard, rc, probeLen)
		rc.Close()
		if err == io.EOF {
			return nil
		}
		return err
	}
	return nil
}

func (c *aesContainer) close() error { return c.r.Close() }

type aesEntry struct {
	f *yekazip.File
}

func (e *aesEntry) name() string                 { return e.f.Name }
func (e *aesEntry) isDir() bool                  { return e.f.FileInfo().IsDir() }
func (e *aesEntry) declaredSize() uint64         { return e.f.UncompressedSize64 }
func (e *aesEntry) open() (io.ReadCloser, error) { return e.f.Open() }

// legacyOpener opens archives with the standard library reader. It has no
// cipher support; it exists for archives the AES reader rejects.
type legacyOpener struct{}

func (legacyOpener) open(path string) (container, error) {
	r, err := stdzip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("legacy opener: %w", err)
	}
	return &legacyContainer{r: r}, nil
}

type legacyContainer struct {
	r *stdzip.ReadCloser
}

func (c *legacyContainer) entries() []entry {
	out := make([]entry, 0, len(c.r.File))
	for _, f := range c.r.File {
		out = append(out, &legacyEntry{f: f})
	}
	return out
}

func (c *legacyContainer) encrypted() bool {
	for _, f := range c.r.File {
		// General purpose bit 0 marks an encrypted entry.
		if f.Flags&0x1 != 0 {
			return true
		}
	}
	return false
}

func (c *legacyContainer) setPassword(string) {}

func (c *legacyContainer) probe() error {
	for _, f := range c.r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		_, err = io.CopyN(io.Discard, rc, probeLen)
		rc.Close()
		if err == io.EOF {
			return nil
		}
		return err
	}
	return nil
}

func (c *legacyContainer) close() error { return c.r.Close() }

type legacyEntry struct {
	f *stdzip.File
}

func (e *legacyEntry) name() string                 { return e.f.Name }
func (e *legacyEntry) isDir() bool                  { return e.f.FileInfo().IsDir() }
func (e *legacyEntry) declaredSize() uint64         { return e.f.UncompressedSize64 }
func (e *legacyEntry) open() (io.ReadCloser, error) { return e.f.Open() }
