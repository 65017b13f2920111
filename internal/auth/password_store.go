// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/authkeep/authkeep/pkg/errutil"
)

// rehashTimeout bounds the detached rehash write.
const rehashTimeout = 30 * time.Second

// PasswordPolicy configures password rotation rules.
type PasswordPolicy struct {
	// MinPasswordAge is the minimum time between two password changes.
	MinPasswordAge time.Duration
	// MaxPasswordAge sets the expiration of new passwords. Zero means passwords never expire.
	MaxPasswordAge time.Duration
	// AllowIdenticalPassword permits saving the password already on file.
	AllowIdenticalPassword bool
}

// PasswordOutcome is the result of PasswordStore.Verify.
type PasswordOutcome int

// Password verification outcomes.
const (
	PasswordNotVerified PasswordOutcome = iota
	PasswordVerified
	PasswordVerifiedButExpired
)

func (o PasswordOutcome) String() string {
	switch o {
	case PasswordVerified:
		return "verified"
	case PasswordVerifiedButExpired:
		return "verified_but_expired"
	default:
		return "not_verified"
	}
}

// PasswordStore persists and validates account passwords.
type PasswordStore struct {
	accounts AccountRepository
	hasher   PasswordHasher
	policy   PasswordPolicy
	opts     options

	rehashes sync.WaitGroup

	dummyOnce sync.Once
	dummy     *HashResult
}

// NewPasswordStore creates a PasswordStore.
func NewPasswordStore(accounts AccountRepository, hasher PasswordHasher, policy PasswordPolicy, opts ...Option) (*PasswordStore, error) {
	if accounts == nil {
		return nil, oops.Errorf("account repository is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if policy.MinPasswordAge < 0 || policy.MaxPasswordAge < 0 {
		return nil, oops.Code(CodeInvalidInput).Errorf("password ages cannot be negative")
	}
	return &PasswordStore{
		accounts: accounts,
		hasher:   hasher,
		policy:   policy,
		opts:     applyOptions(opts),
	}, nil
}

func (s *PasswordStore) account(ctx context.Context, userID ulid.ULID, op string) (*Account, error) {
	acct, err := s.accounts.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, userNotFound(userID)
		}
		return nil, oops.Code("AUTH_PASSWORD_STORE_FAILED").
			With("operation", op).
			With("user_id", userID.String()).
			Wrap(err)
	}
	return acct, nil
}

// Save hashes newPassword with the current version and stores it.
// It returns the new expiration date, or nil when passwords do not expire.
func (s *PasswordStore) Save(ctx context.Context, userID ulid.ULID, newPassword string) (*time.Time, error) {
	if newPassword == "" {
		return nil, ErrEmptyPassword
	}
	acct, err := s.account(ctx, userID, "save")
	if err != nil {
		return nil, err
	}
	now := s.opts.clock.Now()

	if prev := acct.Password; prev != nil {
		if now.Sub(prev.LastChangeDate) < s.policy.MinPasswordAge {
			return nil, oops.Code(CodeTooRecentChange).
				With("user_id", userID.String()).
				With("last_change", prev.LastChangeDate).
				Errorf("password was changed too recently")
		}
		if !s.policy.AllowIdenticalPassword {
			res, err := s.hasher.Verify(prev.Version, prev.Salt, prev.Hash, newPassword)
			if err != nil {
				return nil, oops.Code("AUTH_PASSWORD_SAVE_FAILED").
					With("operation", "compare previous password").
					With("user_id", userID.String()).
					Wrap(err)
			}
			if res != HashNotVerified {
				return nil, oops.Code(CodeIdenticalPassword).
					With("user_id", userID.String()).
					Errorf("new password must differ from the current password")
			}
		}
	}

	hashed, err := s.hasher.Hash(newPassword, nil, "")
	if err != nil {
		return nil, oops.Code("AUTH_PASSWORD_SAVE_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}
	next := PasswordRecord{
		Hash:           hashed.Hash,
		Salt:           hashed.Salt,
		Version:        hashed.Version,
		LastChangeDate: now,
	}
	if s.policy.MaxPasswordAge > 0 {
		exp := now.Add(s.policy.MaxPasswordAge)
		next.ExpirationDate = &exp
	}

	if err := s.writePassword(ctx, acct, next); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, userNotFound(userID)
		}
		return nil, oops.Code("AUTH_PASSWORD_SAVE_FAILED").
			With("operation", "set password").
			With("user_id", userID.String()).
			Wrap(err)
	}

	s.opts.logger.InfoContext(ctx, "password saved",
		"user_id", userID.String(),
		"hash_version", next.Version)
	return next.ExpirationDate, nil
}

// writePassword replaces acct's password record. When the account must
// change its password, the flag is cleared in the same conditional update.
// A lost race against a status-only change is retried as long as the
// password on file is still the one acct was read with.
func (s *PasswordStore) writePassword(ctx context.Context, acct *Account, next PasswordRecord) error {
	if !acct.Status.PasswordChangeRequired {
		return s.accounts.SetPassword(ctx, acct.ID, acct.Password, next)
	}
	prev := acct.Password
	status := acct.Status
	return retry.Do(ctx, statusRetryBackoff(), func(ctx context.Context) error {
		change := StatusChange{Expected: status, Next: ApplyVerification(status, VerificationPasswordReset)}
		err := s.accounts.SetPasswordAndStatus(ctx, acct.ID, prev, next, change)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		fresh, gerr := s.accounts.GetByID(ctx, acct.ID)
		if gerr != nil {
			return gerr
		}
		if !samePasswordRecord(fresh.Password, prev) {
			return err
		}
		status = fresh.Status
		return retry.RetryableError(err)
	})
}

// Verify checks password against the stored hash. A verification under a
// non-current hash version schedules a detached rehash that never affects
// the returned outcome.
func (s *PasswordStore) Verify(ctx context.Context, userID ulid.ULID, password string) (PasswordOutcome, error) {
	acct, err := s.account(ctx, userID, "verify")
	if err != nil {
		return PasswordNotVerified, err
	}
	return s.verifyAccount(ctx, acct, password)
}

func (s *PasswordStore) verifyAccount(ctx context.Context, acct *Account, password string) (PasswordOutcome, error) {
	rec := acct.Password
	if rec == nil {
		s.dummyVerify(password)
		return PasswordNotVerified, nil
	}
	res, err := s.hasher.Verify(rec.Version, rec.Salt, rec.Hash, password)
	if err != nil {
		return PasswordNotVerified, oops.Code("AUTH_PASSWORD_VERIFY_FAILED").
			With("user_id", acct.ID.String()).
			With("hash_version", rec.Version).
			Wrap(err)
	}
	switch res {
	case HashNotVerified:
		return PasswordNotVerified, nil
	case HashVerifiedUpgradeRecommended:
		s.rehash(ctx, acct.ID, *rec, password)
	}
	if rec.IsExpiredAt(s.opts.clock.Now()) {
		return PasswordVerifiedButExpired, nil
	}
	return PasswordVerified, nil
}

// dummyVerify runs one verification under the current version against a
// throwaway hash so that a missing password costs as much as a wrong one.
func (s *PasswordStore) dummyVerify(password string) {
	s.dummyOnce.Do(func() {
		res, err := s.hasher.Hash("authkeep-dummy-password", nil, "")
		if err == nil {
			s.dummy = res
		}
	})
	if s.dummy == nil {
		return
	}
	_, _ = s.hasher.Verify(s.dummy.Version, s.dummy.Salt, s.dummy.Hash, password) //nolint:errcheck // result is discarded
}

// rehash re-derives the password under the current version in the
// background. It keeps the record's dates and only replaces the record it
// read; a concurrent change wins.
func (s *PasswordStore) rehash(ctx context.Context, userID ulid.ULID, prev PasswordRecord, password string) {
	ctx = context.WithoutCancel(ctx)
	s.rehashes.Add(1)
	go func() {
		defer s.rehashes.Done()
		ctx, cancel := context.WithTimeout(ctx, rehashTimeout)
		defer cancel()

		logger := s.opts.logger.With("user_id", userID.String(), "from_version", prev.Version)
		hashed, err := s.hasher.Hash(password, nil, "")
		if err != nil {
			s.opts.metrics.RehashFailed()
			errutil.LogError(ctx, logger, "password rehash failed", err)
			return
		}
		next := prev
		next.Hash = hashed.Hash
		next.Salt = hashed.Salt
		next.Version = hashed.Version

		if err := s.accounts.SetPassword(ctx, userID, &prev, next); err != nil {
			if errors.Is(err, ErrConflict) {
				logger.DebugContext(ctx, "password changed during rehash, skipping")
				return
			}
			s.opts.metrics.RehashFailed()
			errutil.LogError(ctx, logger, "password rehash failed", err)
			return
		}
		logger.InfoContext(ctx, "password rehashed", slog.String("to_version", next.Version))
	}()
}

// Wait blocks until in-flight rehashes have finished.
func (s *PasswordStore) Wait() {
	s.rehashes.Wait()
}
