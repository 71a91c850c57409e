package recipe

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported digest algorithms.
const (
	AlgorithmSHA256     = "sha256"
	AlgorithmSHA512     = "sha512"
	AlgorithmSHA3256    = "sha3-256"
	AlgorithmBLAKE2b256 = "blake2b-256"
)

// digestHexLengths is the hex-encoded length of each algorithm's digest.
//
//nolint:gochecknoglobals // Static lookup table.
var digestHexLengths = map[string]int{
	AlgorithmSHA256:     64,
	AlgorithmSHA512:     128,
	AlgorithmSHA3256:    64,
	AlgorithmBLAKE2b256: 64,
}

var (
	// ErrEmptyDigest is returned for a missing digest.
	ErrEmptyDigest = errors.New("digest is empty")
	// ErrUnknownAlgorithm is returned for an unrecognized algorithm prefix.
	ErrUnknownAlgorithm = errors.New("unknown digest algorithm")
	// errBadDigestValue is returned for a non-hex or wrongly sized value.
	errBadDigestValue = errors.New("invalid digest value")
)

// Algorithms returns the supported algorithm names in a stable order.
func Algorithms() []string {
	return []string{AlgorithmSHA256, AlgorithmSHA512, AlgorithmSHA3256, AlgorithmBLAKE2b256}
}

// Digest is an expected content hash: algorithm plus lowercase hex value.
type Digest struct {
	// Algorithm is one of Algorithms().
	Algorithm string
	// Hex is the lowercase hex encoding of the hash.
	Hex string
}

// ParseDigest parses "algorithm:hex". A bare hex value of SHA-256 length is
// read as sha256, which is how older recipes recorded their checksum.
func ParseDigest(s string) (Digest, error) {
	d := splitDigest(s)

	if err := d.Validate(); err != nil {
		return Digest{}, err
	}

	return d, nil
}

// splitDigest splits without validating so decode errors become field-level
// validation errors instead of opaque YAML errors.
func splitDigest(s string) Digest {
	s = strings.TrimSpace(s)

	algorithm, value, found := strings.Cut(s, ":")
	if !found {
		return Digest{
			Algorithm: AlgorithmSHA256,
			Hex:       strings.ToLower(s),
		}
	}

	return Digest{
		Algorithm: strings.ToLower(strings.TrimSpace(algorithm)),
		Hex:       strings.ToLower(strings.TrimSpace(value)),
	}
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d.Hex == ""
}

// Validate checks the algorithm and the shape of the hex value.
func (d Digest) Validate() error {
	if d.IsZero() {
		return ErrEmptyDigest
	}

	if !slices.Contains(Algorithms(), d.Algorithm) {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, d.Algorithm)
	}

	if len(d.Hex) != digestHexLengths[d.Algorithm] {
		return fmt.Errorf("%w: %s wants %d hex characters, got %d",
			errBadDigestValue, d.Algorithm, digestHexLengths[d.Algorithm], len(d.Hex))
	}

	if _, err := hex.DecodeString(d.Hex); err != nil {
		return fmt.Errorf("%w: %w", errBadDigestValue, err)
	}

	return nil
}

// Equal compares two digests, ignoring hex case.
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && strings.EqualFold(d.Hex, other.Hex)
}

// String renders the digest as "algorithm:hex".
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}

	return d.Algorithm + ":" + d.Hex
}

// MarshalYAML writes the digest as a scalar string.
func (d Digest) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML reads a scalar string; validation is left to Recipe.Validate.
func (d *Digest) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}

	*d = splitDigest(raw)

	return nil
}
