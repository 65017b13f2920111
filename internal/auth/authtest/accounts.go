// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

// Package authtest provides in-memory implementations of the auth
// collaborators for tests.
package authtest

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/authkeep/authkeep/internal/auth"
)

// Accounts is an in-memory auth.AccountRepository with the same
// conditional-update semantics as the Postgres implementation.
type Accounts struct {
	mu       sync.Mutex
	accounts map[ulid.ULID]*auth.Account

	// Err, when set, is returned by every call.
	Err error
	// StatusErr, when set, is returned by every write that changes status
	// flags, leaving the account untouched.
	StatusErr error
}

// NewAccounts creates an empty Accounts.
func NewAccounts() *Accounts {
	return &Accounts{accounts: make(map[ulid.ULID]*auth.Account)}
}

// Create stores a copy of account.
func (r *Accounts) Create(_ context.Context, account *auth.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if _, ok := r.accounts[account.ID]; ok {
		return oops.Code("ACCOUNT_CREATE_FAILED").Wrap(auth.ErrConflict)
	}
	r.accounts[account.ID] = cloneAccount(account)
	return nil
}

// Put stores account unconditionally, replacing any existing one.
func (r *Accounts) Put(account *auth.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.ID] = cloneAccount(account)
}

// Get returns a copy of the stored account, or nil.
func (r *Accounts) Get(id ulid.ULID) *auth.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		return cloneAccount(a)
	}
	return nil
}

// GetByID returns a copy of the account.
func (r *Accounts) GetByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	a, ok := r.accounts[id]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return cloneAccount(a), nil
}

// GetByEmail returns a copy of the account with email (case-insensitive).
func (r *Accounts) GetByEmail(_ context.Context, email string) (*auth.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, a := range r.accounts {
		if strings.EqualFold(a.Email, email) {
			return cloneAccount(a), nil
		}
	}
	return nil, oops.Code("ACCOUNT_NOT_FOUND").With("email", email).Wrap(auth.ErrNotFound)
}

// SetPassword replaces the password if the stored one matches expected.
func (r *Accounts) SetPassword(_ context.Context, id ulid.ULID, expected *auth.PasswordRecord, next auth.PasswordRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	a, ok := r.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if !samePassword(a.Password, expected) {
		return oops.Code("ACCOUNT_PASSWORD_CONFLICT").Wrap(auth.ErrConflict)
	}
	rec := clonePassword(&next)
	a.Password = rec
	return nil
}

// SetPasswordAndStatus replaces password and status together when both
// still match.
func (r *Accounts) SetPasswordAndStatus(_ context.Context, id ulid.ULID, expected *auth.PasswordRecord, next auth.PasswordRecord, status auth.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if r.StatusErr != nil {
		return r.StatusErr
	}
	a, ok := r.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if !samePassword(a.Password, expected) || a.Status != status.Expected {
		return oops.Code("ACCOUNT_PASSWORD_CONFLICT").Wrap(auth.ErrConflict)
	}
	a.Password = clonePassword(&next)
	a.Status = status.Next
	return nil
}

// SetStatus replaces the status if the stored one equals expected.
func (r *Accounts) SetStatus(_ context.Context, id ulid.ULID, expected, next auth.AccountStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	return r.swapStatus(id, auth.StatusChange{Expected: expected, Next: next}, auth.ErrConflict)
}

// swapStatus applies change with r.mu held. conflict is the error wrapped
// when the stored status differs from change.Expected.
func (r *Accounts) swapStatus(id ulid.ULID, change auth.StatusChange, conflict error) error {
	if r.StatusErr != nil {
		return r.StatusErr
	}
	a, ok := r.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if a.Status != change.Expected {
		return oops.Code("ACCOUNT_STATUS_CONFLICT").Wrap(conflict)
	}
	a.Status = change.Next
	return nil
}

// UpsertPersistentToken replaces the token for token.ClientID and prunes expired tokens.
func (r *Accounts) UpsertPersistentToken(_ context.Context, id ulid.ULID, token auth.PersistentToken, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	a, ok := r.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	kept := make([]auth.PersistentToken, 0, len(a.PersistentTokens)+1)
	for _, t := range a.PersistentTokens {
		if t.ClientID == token.ClientID || t.IsExpiredAt(now) {
			continue
		}
		kept = append(kept, t)
	}
	a.PersistentTokens = append(kept, cloneToken(token))
	return nil
}

// PrunePersistentTokens removes tokens expired at now.
func (r *Accounts) PrunePersistentTokens(_ context.Context, id ulid.ULID, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	a, ok := r.accounts[id]
	if !ok {
		return 0, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	kept := a.PersistentTokens[:0]
	var removed int64
	for _, t := range a.PersistentTokens {
		if t.IsExpiredAt(now) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	a.PersistentTokens = kept
	return removed, nil
}

// Delete removes an account.
func (r *Accounts) Delete(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if _, ok := r.accounts[id]; !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	delete(r.accounts, id)
	return nil
}

func samePassword(stored, expected *auth.PasswordRecord) bool {
	if stored == nil || expected == nil {
		return stored == nil && expected == nil
	}
	return stored.Version == expected.Version &&
		bytes.Equal(stored.Salt, expected.Salt) &&
		bytes.Equal(stored.Hash, expected.Hash)
}

func cloneAccount(a *auth.Account) *auth.Account {
	out := *a
	out.Password = clonePassword(a.Password)
	out.PersistentTokens = make([]auth.PersistentToken, 0, len(a.PersistentTokens))
	for _, t := range a.PersistentTokens {
		out.PersistentTokens = append(out.PersistentTokens, cloneToken(t))
	}
	return &out
}

func clonePassword(p *auth.PasswordRecord) *auth.PasswordRecord {
	if p == nil {
		return nil
	}
	out := *p
	out.Hash = bytes.Clone(p.Hash)
	out.Salt = bytes.Clone(p.Salt)
	if p.ExpirationDate != nil {
		exp := *p.ExpirationDate
		out.ExpirationDate = &exp
	}
	return &out
}

func cloneToken(t auth.PersistentToken) auth.PersistentToken {
	t.Hash = bytes.Clone(t.Hash)
	t.Salt = bytes.Clone(t.Salt)
	return t
}

var _ auth.AccountRepository = (*Accounts)(nil)
