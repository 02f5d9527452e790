package testfs

import (
	"crypto/rand"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
)

// maxBufSize caps the write buffer used for streamed content (1MiB).
const maxBufSize = 1 << 20

// alnum is the alphabet for short text payloads.
const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// -----------------------------------------------------------------------------
// Sow Operations - Create content on disk
// -----------------------------------------------------------------------------

// WriteRandomFile streams size bytes of cryptographically random content to path.
//
// Content is non-deterministic across calls. Written bytes are also copied to
// each tap (e.g. a hash or a progress bar), so callers can fingerprint the
// file while it is generated.
func WriteRandomFile(path string, size int64, taps ...io.Writer) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if len(taps) > 0 {
		w = io.MultiWriter(append([]io.Writer{f}, taps...)...)
	}

	buf := make([]byte, min(size, maxBufSize))
	remaining := size
	for remaining > 0 {
		n := min(remaining, int64(len(buf)))
		if _, err := rand.Read(buf[:n]); err != nil {
			return fmt.Errorf("generate content: %w", err)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// RandomAlnum returns n pseudo-random alphanumeric bytes drawn from rng.
func RandomAlnum(rng *mrand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = alnum[rng.IntN(len(alnum))]
	}
	return b
}

// WriteFile creates path with content and the given mode, failing if it exists.
func WriteFile(path string, content []byte, perm os.FileMode) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = f.Write(content)
	return err
}

// AppendFile appends content to an existing file.
func AppendFile(path string, content []byte) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = f.Write(content)
	return err
}
