// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// VerificationKind is the purpose of a verification token.
type VerificationKind string

// Verification kinds.
const (
	VerificationEmail         VerificationKind = "email_verification"
	VerificationPasswordReset VerificationKind = "password_reset"
)

// Valid reports whether k is a recognized kind.
func (k VerificationKind) Valid() bool {
	return k == VerificationEmail || k == VerificationPasswordReset
}

// ParseVerificationKind parses a kind name.
func ParseVerificationKind(s string) (VerificationKind, error) {
	k := VerificationKind(s)
	if !k.Valid() {
		return "", invalidInput("kind", "unsupported verification kind %q", s)
	}
	return k, nil
}

// VerificationRecord is the stored half of a verification token.
type VerificationRecord struct {
	ID             ulid.ULID
	UserID         ulid.ULID
	EmailAddress   string
	Kind           VerificationKind
	CreationDate   time.Time
	ExpirationDate *time.Time
	Salt           []byte
}

// IsExpiredAt reports whether the record is expired at t.
// Records without an expiration date never expire until consumed.
func (r *VerificationRecord) IsExpiredAt(t time.Time) bool {
	return r.ExpirationDate != nil && !r.ExpirationDate.After(t)
}

// VerificationToken is handed to the caller for out-of-band delivery.
// It is never persisted: the pepper exists only here.
type VerificationToken struct {
	EmailAddress   string
	ExpirationDate *time.Time
	Pepper         string
	Token          string
}

// VerificationRepository manages verification record persistence.
type VerificationRepository interface {
	// Create stores a new record.
	Create(ctx context.Context, record *VerificationRecord) error

	// LatestUnexpired returns the most recent record for (userID, kind)
	// that is not expired at now. Returns ErrNotFound if none.
	LatestUnexpired(ctx context.Context, userID ulid.ULID, kind VerificationKind, now time.Time) (*VerificationRecord, error)

	// Latest returns the most recent record for (userID, kind) regardless
	// of expiry. Returns ErrNotFound if none.
	Latest(ctx context.Context, userID ulid.ULID, kind VerificationKind) (*VerificationRecord, error)

	// Expire sets the expiration date to at, only if the record is not
	// already expired at at. Returns ErrConflict otherwise.
	Expire(ctx context.Context, id ulid.ULID, at time.Time) error

	// Consume expires the record at at and applies status to the account
	// userID in one transaction. Returns ErrConflict if the record is already
	// expired at at, ErrStatusChanged if the account status no longer equals
	// status.Expected, and ErrNotFound if the account is gone. Nothing is
	// written when an error is returned.
	Consume(ctx context.Context, id ulid.ULID, at time.Time, userID ulid.ULID, status StatusChange) error

	// DeleteExpired removes records that expired before cutoff and returns the count.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
