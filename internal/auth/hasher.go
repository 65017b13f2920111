// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"sort"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KDF identifies a key-derivation algorithm.
type KDF string

// Supported key-derivation algorithms.
const (
	KDFArgon2id     KDF = "argon2id"
	KDFPBKDF2SHA256 KDF = "pbkdf2-sha256"
	KDFPBKDF2SHA512 KDF = "pbkdf2-sha512"
)

// PasswordHashVersion is a named parameter set for a KDF.
type PasswordHashVersion struct {
	Name       string
	Algorithm  KDF
	Iterations uint32
	KeyLength  uint32
	SaltLength uint32

	// Memory (KiB) and Parallelism apply to argon2id only.
	Memory      uint32
	Parallelism uint8
}

func (v PasswordHashVersion) validate() error {
	errb := oops.Code(CodeUnknownHashVersion).With("version", v.Name)
	if v.Name == "" {
		return errb.Errorf("hash version name cannot be empty")
	}
	if v.Iterations == 0 {
		return errb.Errorf("iterations must be greater than zero")
	}
	if v.KeyLength < 16 {
		return errb.Errorf("key length must be at least 16 bytes")
	}
	if v.SaltLength < 8 {
		return errb.Errorf("salt length must be at least 8 bytes")
	}
	switch v.Algorithm {
	case KDFArgon2id:
		if v.Memory < 8*1024 || v.Parallelism == 0 {
			return errb.Errorf("argon2id requires memory >= 8192 KiB and parallelism > 0")
		}
	case KDFPBKDF2SHA256, KDFPBKDF2SHA512:
	default:
		return errb.With("algorithm", string(v.Algorithm)).Errorf("unsupported KDF %q", v.Algorithm)
	}
	return nil
}

func (v PasswordHashVersion) derive(password, salt []byte) []byte {
	switch v.Algorithm {
	case KDFArgon2id:
		return argon2.IDKey(password, salt, v.Iterations, v.Memory, v.Parallelism, v.KeyLength)
	case KDFPBKDF2SHA512:
		return pbkdf2.Key(password, salt, int(v.Iterations), int(v.KeyLength), sha512.New)
	default:
		return pbkdf2.Key(password, salt, int(v.Iterations), int(v.KeyLength), sha256.New)
	}
}

// DefaultHashVersions are the built-in parameter sets, oldest first.
// The last entry is the default current version.
var DefaultHashVersions = []PasswordHashVersion{
	{Name: "v1", Algorithm: KDFPBKDF2SHA256, Iterations: 100_000, KeyLength: 32, SaltLength: 16},
	{Name: "v2", Algorithm: KDFPBKDF2SHA512, Iterations: 210_000, KeyLength: 64, SaltLength: 16},
	// OWASP-recommended argon2id parameters.
	{Name: "v3", Algorithm: KDFArgon2id, Iterations: 3, KeyLength: 32, SaltLength: 16, Memory: 64 * 1024, Parallelism: 4},
}

// HashResult is the output of PasswordHasher.Hash.
type HashResult struct {
	Hash    []byte
	Salt    []byte
	Version string
}

// VerifyResult is the outcome of PasswordHasher.Verify.
type VerifyResult int

// Hash verification outcomes.
const (
	HashNotVerified VerifyResult = iota
	HashVerified
	HashVerifiedUpgradeRecommended
)

func (r VerifyResult) String() string {
	switch r {
	case HashVerified:
		return "verified"
	case HashVerifiedUpgradeRecommended:
		return "verified_upgrade_recommended"
	default:
		return "not_verified"
	}
}

// PasswordHasher provides versioned password hashing and verification.
type PasswordHasher interface {
	// Hash derives a key from password. An empty salt generates a random
	// salt; an empty version selects the current version.
	Hash(password string, salt []byte, version string) (*HashResult, error)

	// Verify recomputes the derivation and compares it to hash in constant time.
	// Returns an error only for unusable parameters (unknown version).
	Verify(version string, salt, hash []byte, password string) (VerifyResult, error)

	// CurrentVersion returns the name of the version new hashes use.
	CurrentVersion() string
}

// VersionedHasher implements PasswordHasher over a registry of versions.
// It is stateless after construction and safe for concurrent use.
type VersionedHasher struct {
	versions map[string]PasswordHashVersion
	current  string
}

// NewVersionedHasher creates a hasher whose current version is current.
func NewVersionedHasher(current string, versions ...PasswordHashVersion) (*VersionedHasher, error) {
	if len(versions) == 0 {
		return nil, oops.Code(CodeUnknownHashVersion).Errorf("at least one hash version is required")
	}
	h := &VersionedHasher{versions: make(map[string]PasswordHashVersion, len(versions))}
	for _, v := range versions {
		if err := v.validate(); err != nil {
			return nil, err
		}
		if _, dup := h.versions[v.Name]; dup {
			return nil, oops.Code(CodeUnknownHashVersion).
				With("version", v.Name).
				Errorf("duplicate hash version %q", v.Name)
		}
		h.versions[v.Name] = v
	}
	if _, ok := h.versions[current]; !ok {
		return nil, oops.Code(CodeUnknownHashVersion).
			With("version", current).
			Errorf("current hash version %q is not registered", current)
	}
	h.current = current
	return h, nil
}

// NewDefaultHasher returns a hasher over DefaultHashVersions with the
// newest version current.
func NewDefaultHasher() *VersionedHasher {
	h, err := NewVersionedHasher(DefaultHashVersions[len(DefaultHashVersions)-1].Name, DefaultHashVersions...)
	if err != nil {
		panic(err)
	}
	return h
}

// CurrentVersion returns the name of the current version.
func (h *VersionedHasher) CurrentVersion() string {
	return h.current
}

// Versions returns the registered versions sorted by name.
func (h *VersionedHasher) Versions() []PasswordHashVersion {
	out := make([]PasswordHashVersion, 0, len(h.versions))
	for _, v := range h.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (h *VersionedHasher) lookup(name string) (PasswordHashVersion, error) {
	if name == "" {
		name = h.current
	}
	v, ok := h.versions[name]
	if !ok {
		return PasswordHashVersion{}, oops.Code(CodeUnknownHashVersion).
			With("version", name).
			Errorf("unknown hash version %q", name)
	}
	return v, nil
}

// Hash derives a key from password.
func (h *VersionedHasher) Hash(password string, salt []byte, version string) (*HashResult, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	v, err := h.lookup(version)
	if err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		salt = make([]byte, v.SaltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, oops.Code("AUTH_SALT_FAILED").Wrap(err)
		}
	}
	return &HashResult{
		Hash:    v.derive([]byte(password), salt),
		Salt:    salt,
		Version: v.Name,
	}, nil
}

// Verify checks password against a stored hash.
func (h *VersionedHasher) Verify(version string, salt, hash []byte, password string) (VerifyResult, error) {
	if version == "" {
		return HashNotVerified, oops.Code(CodeUnknownHashVersion).Errorf("stored hash has no version")
	}
	v, err := h.lookup(version)
	if err != nil {
		return HashNotVerified, err
	}
	if password == "" || len(hash) == 0 {
		return HashNotVerified, nil
	}

	computed := v.derive([]byte(password), salt)
	if subtle.ConstantTimeCompare(computed, hash) != 1 {
		return HashNotVerified, nil
	}
	if v.Name != h.current {
		return HashVerifiedUpgradeRecommended, nil
	}
	return HashVerified, nil
}

// Compile-time interface check.
var _ PasswordHasher = (*VersionedHasher)(nil)
