package verifier

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/oshokin/brewkit/internal/domain/recipe"
)

var (
	// ErrDigestMismatch classifies every *DigestMismatch.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrUnsupportedAlgorithm is returned for algorithms the verifier does not accept.
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
)

// DigestMismatch reports archive bytes that do not hash to the recorded digest.
// It matches ErrDigestMismatch with errors.Is.
type DigestMismatch struct {
	Algorithm string
	Expected  string
	Actual    string
}

// Error shows both digests so the failure is diagnosable without logs.
func (e *DigestMismatch) Error() string {
	return fmt.Sprintf("%s digest mismatch: expected %s, actual %s", e.Algorithm, e.Expected, e.Actual)
}

// Unwrap returns ErrDigestMismatch so callers can use errors.Is.
func (e *DigestMismatch) Unwrap() error { return ErrDigestMismatch }

// newHash returns a fresh hash for algorithm.
func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case recipe.AlgorithmSHA256:
		return sha256.New(), nil
	case recipe.AlgorithmSHA512:
		return sha512.New(), nil
	case recipe.AlgorithmSHA3256:
		return sha3.New256(), nil
	case recipe.AlgorithmBLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// Verifier checks content against expected digests, accepting only the
// configured algorithms.
type Verifier struct {
	allowed []string
}

// NewVerifier returns a Verifier accepting the given algorithms, or every
// known algorithm when none are given.
func NewVerifier(allowed ...string) *Verifier {
	if len(allowed) == 0 {
		allowed = recipe.Algorithms()
	}

	return &Verifier{allowed: slices.Clone(allowed)}
}

// Verify hashes r and compares the result with expected.
func (v *Verifier) Verify(r io.Reader, expected recipe.Digest) error {
	if expected.IsZero() {
		return recipe.ErrEmptyDigest
	}

	if !slices.Contains(v.allowed, expected.Algorithm) {
		return fmt.Errorf("%w: %q is not enabled", ErrUnsupportedAlgorithm, expected.Algorithm)
	}

	actual, err := Sum(r, expected.Algorithm)
	if err != nil {
		return err
	}

	if !strings.EqualFold(actual, expected.Hex) {
		return &DigestMismatch{
			Algorithm: expected.Algorithm,
			Expected:  strings.ToLower(expected.Hex),
			Actual:    actual,
		}
	}

	return nil
}

// VerifyFile verifies the file at path.
func (v *Verifier) VerifyFile(path string, expected recipe.Digest) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		_ = f.Close() // read-only handle
	}()

	return v.Verify(f, expected)
}

// Verify checks r against expected with every known algorithm enabled.
func Verify(r io.Reader, expected recipe.Digest) error {
	return NewVerifier().Verify(r, expected)
}

// Sum returns the lowercase hex digest of r under algorithm.
func Sum(r io.Reader, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}

	if _, err = io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumFile returns the digest of the file at path under algorithm.
func SumFile(path, algorithm string) (recipe.Digest, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return recipe.Digest{}, fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		_ = f.Close() // read-only handle
	}()

	sum, err := Sum(f, algorithm)
	if err != nil {
		return recipe.Digest{}, err
	}

	return recipe.Digest{Algorithm: algorithm, Hex: sum}, nil
}
