// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// PasswordRecord is the stored password hash of an account.
// It is never exposed to clients.
type PasswordRecord struct {
	Hash           []byte
	Salt           []byte
	Version        string
	LastChangeDate time.Time
	ExpirationDate *time.Time
}

// IsExpiredAt reports whether the password is expired at t.
func (p *PasswordRecord) IsExpiredAt(t time.Time) bool {
	return p.ExpirationDate != nil && !t.Before(*p.ExpirationDate)
}

// samePasswordRecord reports whether a and b hold the same hash.
func samePasswordRecord(a, b *PasswordRecord) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Version == b.Version && bytes.Equal(a.Salt, b.Salt) && bytes.Equal(a.Hash, b.Hash)
}

// StatusChange replaces the status flags only while they equal Expected.
type StatusChange struct {
	Expected AccountStatus
	Next     AccountStatus
}

// PersistentToken is a "remember me" token bound to one client device.
type PersistentToken struct {
	ClientID       string
	Hash           []byte
	Salt           []byte
	Version        string
	ExpirationDate time.Time
}

// IsExpiredAt reports whether the token is expired at t.
func (p PersistentToken) IsExpiredAt(t time.Time) bool {
	return !p.ExpirationDate.After(t)
}

// Account is the persisted account document.
type Account struct {
	ID               ulid.ULID
	Username         string
	Email            string
	Status           AccountStatus
	Password         *PasswordRecord
	PersistentTokens []PersistentToken
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewAccount creates a validated Account with no password on file.
// New accounts start with an unverified email address.
func NewAccount(username, email string, now time.Time) (*Account, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" {
		return nil, invalidInput("username", "username cannot be empty")
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, invalidInput("email", "email address is invalid")
	}
	return &Account{
		ID:        ulid.Make(),
		Username:  username,
		Email:     email,
		Status:    AccountStatus{EmailUnverified: true},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// hasExpiredTokensAt reports whether any persistent token is expired at t.
func (a *Account) hasExpiredTokensAt(t time.Time) bool {
	for _, tok := range a.PersistentTokens {
		if tok.IsExpiredAt(t) {
			return true
		}
	}
	return false
}

// activeToken returns the unexpired token for clientID, if any.
func (a *Account) activeToken(clientID string, t time.Time) (PersistentToken, bool) {
	for _, tok := range a.PersistentTokens {
		if tok.ClientID == clientID && !tok.IsExpiredAt(t) {
			return tok, true
		}
	}
	return PersistentToken{}, false
}

// AccountRepository is the account document store. Every mutation is an
// atomic conditional update against the stored document.
type AccountRepository interface {
	// Create stores a new account.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account, including its persistent tokens.
	// Returns ErrNotFound if the account does not exist.
	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// GetByEmail retrieves an account by email (case-insensitive).
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// SetPassword replaces the password record if the stored record still
	// matches expected (nil means no record on file).
	// Returns ErrConflict if it does not, ErrNotFound if the account is gone.
	SetPassword(ctx context.Context, id ulid.ULID, expected *PasswordRecord, next PasswordRecord) error

	// SetPasswordAndStatus is SetPassword and SetStatus as one conditional
	// update. Returns ErrConflict if either the password record or the
	// status no longer matches.
	SetPasswordAndStatus(ctx context.Context, id ulid.ULID, expected *PasswordRecord, next PasswordRecord, status StatusChange) error

	// SetStatus replaces the status flags if they still equal expected.
	// Returns ErrConflict if they do not.
	SetStatus(ctx context.Context, id ulid.ULID, expected, next AccountStatus) error

	// UpsertPersistentToken inserts or replaces the token for token.ClientID
	// and removes every token expired at now, atomically.
	UpsertPersistentToken(ctx context.Context, id ulid.ULID, token PersistentToken, now time.Time) error

	// PrunePersistentTokens removes every token expired at now and returns
	// the number removed.
	PrunePersistentTokens(ctx context.Context, id ulid.ULID, now time.Time) (int64, error)

	// Delete removes an account and its tokens.
	Delete(ctx context.Context, id ulid.ULID) error
}
