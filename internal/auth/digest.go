// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"
	"time"

	"golang.org/x/crypto/sha3"
)

// DigestAlgorithm names the hash used for verification tokens.
type DigestAlgorithm string

// Supported digest algorithms.
const (
	DigestSHA256   DigestAlgorithm = "sha256"
	DigestSHA512   DigestAlgorithm = "sha512"
	DigestSHA3_256 DigestAlgorithm = "sha3-256"
)

func (d DigestAlgorithm) newHash() (hash.Hash, error) {
	switch d {
	case DigestSHA256, "":
		return sha256.New(), nil
	case DigestSHA512:
		return sha512.New(), nil
	case DigestSHA3_256:
		return sha3.New256(), nil
	default:
		return nil, invalidInput("digest", "unsupported digest algorithm %q", d)
	}
}

// verificationDigest computes H(email ‖ creationDate ‖ salt ‖ pepper).
// The field order is fixed; changing it invalidates every outstanding token.
func verificationDigest(alg DigestAlgorithm, email string, created time.Time, salt, pepper []byte) ([]byte, error) {
	h, err := alg.newHash()
	if err != nil {
		return nil, err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(created.UnixMicro())) //nolint:gosec // pre-1970 timestamps are not issued
	h.Write([]byte(email))
	h.Write(ts[:])
	h.Write(salt)
	h.Write(pepper)
	return h.Sum(nil), nil
}
