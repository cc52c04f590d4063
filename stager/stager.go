// Package stager provides crash-safe write, move and hash primitives for
// the staging area. Every byte the intake pipeline persists goes through
// this package.
//
// The invariant: a target path is never observable with partial content.
// Readers see the old file, nothing, or the fully-written new file. Writes
// go to a uniquely-named temp file first; an atomic rename is the sole
// commit point.
package stager

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/coverloop/intake/consts"
	"github.com/coverloop/intake/logger"
	"github.com/coverloop/intake/pkg/metrics"
)

// Stager writes files through a staging directory and commits them with an
// atomic rename. A zero value stages next to the target path.
type Stager struct {
	stagingDir string
}

// New returns a Stager using stagingDir for temp files. When stagingDir is
// empty, temp files are created next to their target, which guarantees the
// commit rename never crosses filesystems.
func New(stagingDir string) *Stager {
	return &Stager{stagingDir: strings.TrimSpace(stagingDir)}
}

// Hash computes the hex BLAKE3 digest of a file in constant memory.
func (s *Stager) Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the hex BLAKE3 digest of an in-memory payload.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Write persists data at targetPath through a temp file and an atomic
// rename, returning the content digest. On any failure the temp file is
// removed and targetPath is left untouched.
func (s *Stager) Write(data []byte, targetPath string) (string, error) {
	digest, err := s.write(data, targetPath)
	if err != nil {
		metrics.StagingWritesTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.StagingWritesTotal.WithLabelValues("success").Inc()
	metrics.StagingBytesTotal.Add(float64(len(data)))
	return digest, nil
}

func (s *Stager) write(data []byte, targetPath string) (string, error) {
	targetDir := filepath.Dir(targetPath)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create target directory %s: %w", targetDir, err)
	}

	stagingDir := s.stagingDir
	if stagingDir == "" {
		stagingDir = targetDir
	} else if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory %s: %w", stagingDir, err)
	}

	// The temp name carries the target base name and the process identity
	// so concurrent writers in the same process never collide on staging.
	tempPath := filepath.Join(stagingDir, fmt.Sprintf(".%s.%d.%s.tmp",
		filepath.Base(targetPath), os.Getpid(), uuid.NewString()))

	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	defer os.Remove(tempPath) // no-op after a successful rename

	n, err := tempFile.Write(data)
	if err != nil {
		tempFile.Close()
		return "", fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}

	// Verify what actually landed on disk before committing.
	info, err := os.Stat(tempPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat staging file: %w", err)
	}
	if n != len(data) || info.Size() != int64(len(data)) {
		return "", fmt.Errorf("staging file %s has %d bytes, expected %d: %w",
			tempPath, info.Size(), len(data), consts.ErrIntegrityMismatch)
	}

	digest := HashBytes(data)

	if err := os.Rename(tempPath, targetPath); err != nil {
		if isCrossDeviceError(err) {
			// The staging dir sits on another filesystem. Re-stage next to
			// the target so the commit rename stays atomic.
			logger.Debug("staging dir on different filesystem, re-staging next to target", "target", targetPath)
			if err := copyFile(tempPath, targetPath); err != nil {
				return "", fmt.Errorf("failed to commit %s across filesystems: %w", targetPath, err)
			}
			return digest, nil
		}
		return "", fmt.Errorf("failed to commit %s: %w", targetPath, err)
	}
	return digest, nil
}

// Move moves src to dst. It attempts an atomic rename; on a cross-filesystem
// failure it falls back to copy, verifies size and digest, then deletes the
// source. A partial dst is removed when verification fails.
func (s *Stager) Move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDeviceError(err) {
		return fmt.Errorf("failed to move %s to %s: %w", src, dst, err)
	}

	logger.Debug("cross-device move, falling back to copy+verify+delete", "src", src, "dst", dst)

	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", src, err)
	}
	srcDigest, err := s.Hash(src)
	if err != nil {
		return err
	}

	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}

	dstInfo, err := os.Stat(dst)
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to stat copied file %s: %w", dst, err)
	}
	dstDigest, err := s.Hash(dst)
	if err != nil {
		os.Remove(dst)
		return err
	}
	if dstInfo.Size() != srcInfo.Size() || dstDigest != srcDigest {
		os.Remove(dst)
		return fmt.Errorf("copy of %s to %s failed verification: %w", src, dst, consts.ErrIntegrityMismatch)
	}

	if err := os.Remove(src); err != nil {
		logger.Warn("failed to remove source after verified copy", "src", src, "error", err)
	}
	return nil
}

// isCrossDeviceError checks if an error is due to a cross-device link.
func isCrossDeviceError(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// copyFile copies src to dst atomically: the data goes to a temp file in
// dst's directory first and is renamed into place, so readers never see a
// partially written dst.
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer srcFile.Close()

	dstDir := filepath.Dir(dst)
	tempFile, err := os.CreateTemp(dstDir, "copy-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dstDir, err)
	}
	defer os.Remove(tempFile.Name())

	if _, err = io.Copy(tempFile, srcFile); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to copy data from %s: %w", src, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", tempFile.Name(), err)
	}

	return os.Rename(tempFile.Name(), dst)
}
