// Package integrity computes streaming content digests and compares them with
// the digest reported by the server.
package integrity

import (
	// register the hash implementations go-digest looks up through crypto.Hash
	_ "crypto/sha256"
	_ "crypto/sha512"

	"encoding"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/alttch/sshare/pkg/errs"
	digest "github.com/opencontainers/go-digest"
)

// DefaultAlgorithm is used when no checksum algorithm is configured.
const DefaultAlgorithm = digest.SHA256

var ErrStateUnsupported = errors.New("hash state cannot be checkpointed")

// ParseAlgorithm accepts the canonical go-digest names plus the common dashed
// spellings ("SHA-256").
func ParseAlgorithm(name string) (digest.Algorithm, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "")
	if n == "" {
		return DefaultAlgorithm, nil
	}
	alg := digest.Algorithm(n)
	if !alg.Available() {
		return "", errs.Usagef("checksum", "unsupported checksum algorithm %q", name)
	}
	return alg, nil
}

// Verifier folds transferred bytes into a running digest.
//
// A Verifier is not safe for concurrent use; a transfer session owns exactly
// one.
type Verifier struct {
	alg    digest.Algorithm
	h      hash.Hash
	offset int64
}

// New returns a Verifier for alg.
func New(alg digest.Algorithm) (*Verifier, error) {
	if !alg.Available() {
		return nil, errs.Usagef("checksum", "unsupported checksum algorithm %q", alg)
	}
	return &Verifier{alg: alg, h: alg.Hash()}, nil
}

// Write implements io.Writer so the verifier can sit behind an io.MultiWriter.
func (v *Verifier) Write(p []byte) (int, error) {
	n, _ := v.h.Write(p)
	v.offset += int64(n)
	return n, nil
}

// Update folds p into the digest.
func (v *Verifier) Update(p []byte) {
	_, _ = v.Write(p)
}

// ReadFrom folds everything from r into the digest.
func (v *Verifier) ReadFrom(r io.Reader) (int64, error) {
	n, err := io.Copy(struct{ io.Writer }{v}, r)
	return n, err
}

// Offset is the number of bytes folded in so far.
func (v *Verifier) Offset() int64 {
	return v.offset
}

func (v *Verifier) Algorithm() digest.Algorithm {
	return v.alg
}

// Reset discards all state; used when a transfer restarts from zero.
func (v *Verifier) Reset() {
	v.h.Reset()
	v.offset = 0
}

// Finalize returns the digest of everything folded in. It does not change the
// running state.
func (v *Verifier) Finalize() digest.Digest {
	return digest.NewDigest(v.alg, v.h)
}

// Checkpoint is a serialisable snapshot of a running digest.
type Checkpoint struct {
	Algorithm digest.Algorithm `yaml:"algorithm" json:"algorithm"`
	Offset    int64            `yaml:"offset" json:"offset"`
	State     []byte           `yaml:"state,omitempty" json:"state,omitempty"`
}

// IsZero reports whether the checkpoint describes an empty stream.
func (c Checkpoint) IsZero() bool {
	return c.Offset == 0 && len(c.State) == 0
}

// Checkpoint captures the running state so hashing can continue from the
// same offset later, possibly in another process.
func (v *Verifier) Checkpoint() (Checkpoint, error) {
	m, ok := v.h.(encoding.BinaryMarshaler)
	if !ok {
		return Checkpoint{}, fmt.Errorf("%s: %w", v.alg, ErrStateUnsupported)
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", v.alg, err)
	}
	return Checkpoint{Algorithm: v.alg, Offset: v.offset, State: state}, nil
}

// Restore replaces the running state with cp.
func (v *Verifier) Restore(cp Checkpoint) error {
	if cp.Algorithm != v.alg {
		return fmt.Errorf("restore: checkpoint algorithm %s does not match %s", cp.Algorithm, v.alg)
	}
	if cp.IsZero() {
		v.Reset()
		return nil
	}
	h := v.alg.Hash()
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("%s: %w", v.alg, ErrStateUnsupported)
	}
	if err := u.UnmarshalBinary(cp.State); err != nil {
		return fmt.Errorf("restore %s: %w", v.alg, err)
	}
	v.h = h
	v.offset = cp.Offset
	return nil
}

// Verify compares a locally computed digest with the one the server reported.
// Every failure is an integrity error.
func Verify(op string, local, remote digest.Digest) error {
	if remote == "" {
		return errs.Integrity(op, errors.New("server did not report a content digest"))
	}
	if err := remote.Validate(); err != nil {
		return errs.Integrity(op, fmt.Errorf("server digest %q: %w", remote, err))
	}
	if remote.Algorithm() != local.Algorithm() {
		return errs.Integrity(op, fmt.Errorf("server digest uses %s, local digest uses %s", remote.Algorithm(), local.Algorithm()))
	}
	if local != remote {
		return errs.Integrity(op, fmt.Errorf("digest mismatch: local %s, server %s", local, remote))
	}
	return nil
}

// Sum digests everything read from r.
func Sum(alg digest.Algorithm, r io.Reader) (digest.Digest, error) {
	v, err := New(alg)
	if err != nil {
		return "", err
	}
	if _, err := v.ReadFrom(r); err != nil {
		return "", err
	}
	return v.Finalize(), nil
}
