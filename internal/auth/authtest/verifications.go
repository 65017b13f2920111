// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package authtest

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/authkeep/authkeep/internal/auth"
)

// Verifications is an in-memory auth.VerificationRepository. Consume
// updates account status through the Accounts it was created with.
type Verifications struct {
	mu       sync.Mutex
	records  []*auth.VerificationRecord
	accounts *Accounts

	// Err, when set, is returned by every call.
	Err error
}

// NewVerifications creates an empty Verifications over accounts.
func NewVerifications(accounts *Accounts) *Verifications {
	return &Verifications{accounts: accounts}
}

// All returns copies of every stored record, oldest first.
func (r *Verifications) All() []auth.VerificationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]auth.VerificationRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *cloneRecord(rec))
	}
	return out
}

// Create stores a copy of record.
func (r *Verifications) Create(_ context.Context, record *auth.VerificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.records = append(r.records, cloneRecord(record))
	return nil
}

func (r *Verifications) latest(userID ulid.ULID, kind auth.VerificationKind, keep func(*auth.VerificationRecord) bool) *auth.VerificationRecord {
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.UserID == userID && rec.Kind == kind && keep(rec) {
			return rec
		}
	}
	return nil
}

// LatestUnexpired returns the newest record not expired at now.
func (r *Verifications) LatestUnexpired(_ context.Context, userID ulid.ULID, kind auth.VerificationKind, now time.Time) (*auth.VerificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	rec := r.latest(userID, kind, func(rec *auth.VerificationRecord) bool { return !rec.IsExpiredAt(now) })
	if rec == nil {
		return nil, oops.Code("VERIFICATION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// Latest returns the newest record regardless of expiry.
func (r *Verifications) Latest(_ context.Context, userID ulid.ULID, kind auth.VerificationKind) (*auth.VerificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	rec := r.latest(userID, kind, func(*auth.VerificationRecord) bool { return true })
	if rec == nil {
		return nil, oops.Code("VERIFICATION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// Expire sets the expiration date if the record is still unexpired at at.
func (r *Verifications) Expire(_ context.Context, id ulid.ULID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	for _, rec := range r.records {
		if rec.ID != id {
			continue
		}
		if rec.IsExpiredAt(at) {
			return oops.Code("VERIFICATION_EXPIRE_CONFLICT").Wrap(auth.ErrConflict)
		}
		exp := at
		rec.ExpirationDate = &exp
		return nil
	}
	return oops.Code("VERIFICATION_EXPIRE_CONFLICT").Wrap(auth.ErrConflict)
}

// Consume expires the record and swaps the account status under both
// locks, so a failure on either side leaves both untouched.
func (r *Verifications) Consume(_ context.Context, id ulid.ULID, at time.Time, userID ulid.ULID, status auth.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	var rec *auth.VerificationRecord
	for _, candidate := range r.records {
		if candidate.ID == id {
			rec = candidate
			break
		}
	}
	if rec == nil || rec.IsExpiredAt(at) {
		return oops.Code("VERIFICATION_CONSUME_CONFLICT").Wrap(auth.ErrConflict)
	}
	if r.accounts == nil {
		return oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}

	r.accounts.mu.Lock()
	defer r.accounts.mu.Unlock()
	if r.accounts.Err != nil {
		return r.accounts.Err
	}
	if err := r.accounts.swapStatus(userID, status, auth.ErrStatusChanged); err != nil {
		return err
	}
	exp := at
	rec.ExpirationDate = &exp
	return nil
}

// DeleteExpired removes records that expired before cutoff.
func (r *Verifications) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	kept := r.records[:0]
	var removed int64
	for _, rec := range r.records {
		if rec.ExpirationDate != nil && rec.ExpirationDate.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return removed, nil
}

func cloneRecord(rec *auth.VerificationRecord) *auth.VerificationRecord {
	out := *rec
	out.Salt = bytes.Clone(rec.Salt)
	if rec.ExpirationDate != nil {
		exp := *rec.ExpirationDate
		out.ExpirationDate = &exp
	}
	return &out
}

var _ auth.VerificationRepository = (*Verifications)(nil)
