// Package verifier fingerprints content and asserts equality.
//
// Digests are hex-encoded SHA-256. File digests are computed with a single
// fixed-size buffer, so memory use does not depend on input size:
//
//	file ──► io.CopyBuffer(sha256, file, buf[blockSize]) ──► hex digest
//
// Fingerprints are transient: a Fingerprints set lives for one check and is
// never written anywhere.
package verifier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math/rand/v2"
	"os"
	"slices"

	"github.com/ivoronin/fusestress/internal/failure"
)

// blockSize is the read buffer size (64KB)
const blockSize = 64 * 1024

// HashReader digests everything readable from r.
// Returns the hex digest and the number of bytes consumed.
func HashReader(r io.Reader) (digest string, n int64, err error) {
	hasher := sha256.New()
	buf := make([]byte, blockSize)
	n, err = io.CopyBuffer(hasher, r, buf)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// HashFile digests the file at path.
// Bytes read are also written to each tap (e.g. a progress bar).
func HashFile(path string, taps ...io.Writer) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if len(taps) > 0 {
		r = io.TeeReader(f, io.MultiWriter(taps...))
	}
	digest, _, err := HashReader(r)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return digest, nil
}

// HashBytes digests in-memory content.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Writer digests everything written to it.
// Use it as a tap while content is generated.
type Writer struct {
	h hash.Hash
	n int64
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, _ := w.h.Write(p)
	w.n += int64(n)
	return n, nil
}

// Digest returns the hex digest of the bytes written so far.
func (w *Writer) Digest() string { return hex.EncodeToString(w.h.Sum(nil)) }

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.n }

// AssertEqual fails with IntegrityMismatch(context) when the digests differ.
func AssertEqual(want, got, context string) error {
	if want != got {
		return failure.Mismatch(context, want, got)
	}
	return nil
}

// AssertSize fails with IntegrityMismatch when path's size is not want bytes.
// Stat errors are returned as they are.
func AssertSize(path string, want int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() != want {
		return failure.Mismatch("size of "+path, want, info.Size())
	}
	return nil
}

// -----------------------------------------------------------------------------
// Fingerprints
// -----------------------------------------------------------------------------

// Fingerprints maps paths to the digest of the content written there.
type Fingerprints struct {
	digests map[string]string
}

// NewFingerprints creates an empty set.
func NewFingerprints() *Fingerprints {
	return &Fingerprints{digests: make(map[string]string)}
}

// Record stores the digest of content for path.
func (f *Fingerprints) Record(path string, content []byte) {
	f.digests[path] = HashBytes(content)
}

// Len returns the number of recorded paths.
func (f *Fingerprints) Len() int { return len(f.digests) }

// Paths returns the recorded paths, sorted.
func (f *Fingerprints) Paths() []string {
	paths := make([]string, 0, len(f.digests))
	for p := range f.digests {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Sample picks k distinct recorded paths uniformly at random.
// k is clamped to Len().
func (f *Fingerprints) Sample(rng *rand.Rand, k int) []string {
	paths := f.Paths()
	k = min(k, len(paths))
	// Partial Fisher-Yates: the first k slots end up a uniform sample.
	for i := 0; i < k; i++ {
		j := i + rng.IntN(len(paths)-i)
		paths[i], paths[j] = paths[j], paths[i]
	}
	return paths[:k]
}

// Verify re-reads path and compares it with the recorded digest.
func (f *Fingerprints) Verify(path string) error {
	want, ok := f.digests[path]
	if !ok {
		return fmt.Errorf("no fingerprint recorded for %s", path)
	}
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	return AssertEqual(want, got, "content of "+path)
}
