// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/authkeep/authkeep/internal/auth"
	"github.com/authkeep/authkeep/internal/auth/authtest"
	"github.com/authkeep/authkeep/pkg/errutil"
)

type passwordFixture struct {
	repo   *authtest.Accounts
	clock  *authtest.Clock
	hasher *auth.VersionedHasher
	store  *auth.PasswordStore
}

// spyHasher records Verify calls and delegates to the embedded hasher.
type spyHasher struct {
	mock.Mock
	auth.PasswordHasher
}

func (h *spyHasher) Verify(version string, salt, hash []byte, password string) (auth.VerifyResult, error) {
	h.Called(version, password)
	return h.PasswordHasher.Verify(version, salt, hash, password)
}

// racingAccounts changes the status flags right before the first combined
// password and status write, as a concurrent verification would.
type racingAccounts struct {
	*authtest.Accounts
	raced bool
}

func (r *racingAccounts) SetPasswordAndStatus(ctx context.Context, id ulid.ULID, expected *auth.PasswordRecord, next auth.PasswordRecord, status auth.StatusChange) error {
	if !r.raced {
		r.raced = true
		stored := r.Get(id)
		stored.Status.EmailUnverified = false
		r.Put(stored)
	}
	return r.Accounts.SetPasswordAndStatus(ctx, id, expected, next, status)
}

func newPasswordFixture(t *testing.T, policy auth.PasswordPolicy) *passwordFixture {
	t.Helper()
	f := &passwordFixture{
		repo:   authtest.NewAccounts(),
		clock:  authtest.NewClock(epoch),
		hasher: authtest.NewHasher("t2"),
	}
	store, err := auth.NewPasswordStore(f.repo, f.hasher, policy,
		auth.WithClock(f.clock), auth.WithLogger(discardLogger()))
	require.NoError(t, err)
	f.store = store
	return f
}

func TestNewPasswordStore_NilDependencies(t *testing.T) {
	_, err := auth.NewPasswordStore(nil, authtest.NewHasher("t1"), auth.PasswordPolicy{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account repository is required")

	_, err = auth.NewPasswordStore(authtest.NewAccounts(), nil, auth.PasswordPolicy{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password hasher is required")

	_, err = auth.NewPasswordStore(authtest.NewAccounts(), authtest.NewHasher("t1"), auth.PasswordPolicy{MinPasswordAge: -time.Second})
	require.Error(t, err)
}

func TestPasswordStore_Save(t *testing.T) {
	ctx := context.Background()

	t.Run("first password on a new account", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{MaxPasswordAge: 90 * 24 * time.Hour})
		acct := seedAccount(t, f.repo, f.hasher, "", "", auth.AccountStatus{}, epoch)

		exp, err := f.store.Save(ctx, acct.ID, "first-password")
		require.NoError(t, err)
		require.NotNil(t, exp)
		assert.Equal(t, epoch.Add(90*24*time.Hour), *exp)

		stored := f.repo.Get(acct.ID)
		require.NotNil(t, stored.Password)
		assert.Equal(t, "t2", stored.Password.Version)
		assert.Equal(t, epoch, stored.Password.LastChangeDate)
	})

	t.Run("no expiration without max age", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{})
		acct := seedAccount(t, f.repo, f.hasher, "", "", auth.AccountStatus{}, epoch)

		exp, err := f.store.Save(ctx, acct.ID, "first-password")
		require.NoError(t, err)
		assert.Nil(t, exp)
		assert.Nil(t, f.repo.Get(acct.ID).Password.ExpirationDate)
	})

	t.Run("unknown user", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{})
		_, err := f.store.Save(ctx, ulid.Make(), "password")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, auth.CodeUserNotFound)
		assert.Equal(t, auth.KindNotFound, auth.KindOf(err))
	})

	t.Run("too recent change", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{MinPasswordAge: 24 * time.Hour})
		acct := seedAccount(t, f.repo, f.hasher, "old-password", "t2", auth.AccountStatus{}, epoch)
		f.clock.Advance(23 * time.Hour)

		_, err := f.store.Save(ctx, acct.ID, "new-password")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, auth.CodeTooRecentChange)
		assert.Equal(t, auth.KindPolicyViolation, auth.KindOf(err))

		f.clock.Advance(time.Hour)
		_, err = f.store.Save(ctx, acct.ID, "new-password")
		require.NoError(t, err)
	})

	t.Run("identical password rejected", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{})
		acct := seedAccount(t, f.repo, f.hasher, "same-password", "t1", auth.AccountStatus{}, epoch)

		_, err := f.store.Save(ctx, acct.ID, "same-password")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, auth.CodeIdenticalPassword)
		assert.Equal(t, auth.KindPolicyViolation, auth.KindOf(err))
	})

	t.Run("identical password allowed by policy", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{AllowIdenticalPassword: true})
		acct := seedAccount(t, f.repo, f.hasher, "same-password", "t2", auth.AccountStatus{}, epoch)

		_, err := f.store.Save(ctx, acct.ID, "same-password")
		require.NoError(t, err)
	})

	t.Run("clears password change required", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{})
		acct := seedAccount(t, f.repo, f.hasher, "old-password", "t2",
			auth.AccountStatus{EmailUnverified: true, PasswordChangeRequired: true}, epoch)

		_, err := f.store.Save(ctx, acct.ID, "new-password")
		require.NoError(t, err)
		assert.Equal(t, auth.StatusEmailUnverified, f.repo.Get(acct.ID).Status.Status())
	})

	t.Run("failed status write keeps the old password", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{MinPasswordAge: 24 * time.Hour})
		acct := seedAccount(t, f.repo, f.hasher, "old-password", "t2",
			auth.AccountStatus{PasswordChangeRequired: true}, epoch)
		f.clock.Advance(25 * time.Hour)
		before := f.repo.Get(acct.ID).Password

		f.repo.StatusErr = errors.New("connection reset")
		_, err := f.store.Save(ctx, acct.ID, "new-password")
		require.Error(t, err)
		stored := f.repo.Get(acct.ID)
		assert.Equal(t, before.Hash, stored.Password.Hash)
		assert.Equal(t, before.LastChangeDate, stored.Password.LastChangeDate)
		assert.True(t, stored.Status.PasswordChangeRequired)

		f.repo.StatusErr = nil
		_, err = f.store.Save(ctx, acct.ID, "new-password")
		require.NoError(t, err)
		stored = f.repo.Get(acct.ID)
		assert.False(t, stored.Status.PasswordChangeRequired)
		assert.Equal(t, f.clock.Now(), stored.Password.LastChangeDate)
	})

	t.Run("retries after a concurrent status change", func(t *testing.T) {
		repo := &racingAccounts{Accounts: authtest.NewAccounts()}
		hasher := authtest.NewHasher("t2")
		store, err := auth.NewPasswordStore(repo, hasher, auth.PasswordPolicy{},
			auth.WithClock(authtest.NewClock(epoch)), auth.WithLogger(discardLogger()))
		require.NoError(t, err)
		acct := seedAccount(t, repo.Accounts, hasher, "old-password", "t2",
			auth.AccountStatus{EmailUnverified: true, PasswordChangeRequired: true}, epoch)

		_, err = store.Save(ctx, acct.ID, "new-password")
		require.NoError(t, err)
		assert.True(t, repo.raced)
		assert.Equal(t, auth.StatusOK, repo.Get(acct.ID).Status.Status())

		got, err := store.Verify(ctx, acct.ID, "new-password")
		require.NoError(t, err)
		assert.Equal(t, auth.PasswordVerified, got)
	})

	t.Run("empty password", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{})
		acct := seedAccount(t, f.repo, f.hasher, "", "", auth.AccountStatus{}, epoch)

		_, err := f.store.Save(ctx, acct.ID, "")
		errutil.AssertErrorCode(t, err, auth.CodeEmptyPassword)
	})

	t.Run("repository failure is internal", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{})
		f.repo.Err = errors.New("connection refused")

		_, err := f.store.Save(ctx, ulid.Make(), "password")
		require.Error(t, err)
		assert.Equal(t, auth.KindInternal, auth.KindOf(err))
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestPasswordStore_Verify(t *testing.T) {
	ctx := context.Background()

	t.Run("correct and wrong password", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{})
		acct := seedAccount(t, f.repo, f.hasher, "secret", "t2", auth.AccountStatus{}, epoch)

		got, err := f.store.Verify(ctx, acct.ID, "secret")
		require.NoError(t, err)
		assert.Equal(t, auth.PasswordVerified, got)

		got, err = f.store.Verify(ctx, acct.ID, "not-secret")
		require.NoError(t, err)
		assert.Equal(t, auth.PasswordNotVerified, got)
	})

	t.Run("expired password", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{MaxPasswordAge: time.Hour})
		acct := seedAccount(t, f.repo, f.hasher, "", "", auth.AccountStatus{}, epoch)
		_, err := f.store.Save(ctx, acct.ID, "secret")
		require.NoError(t, err)

		f.clock.Advance(59 * time.Minute)
		got, err := f.store.Verify(ctx, acct.ID, "secret")
		require.NoError(t, err)
		assert.Equal(t, auth.PasswordVerified, got)

		f.clock.Advance(time.Minute)
		got, err = f.store.Verify(ctx, acct.ID, "secret")
		require.NoError(t, err)
		assert.Equal(t, auth.PasswordVerifiedButExpired, got)
	})

	t.Run("no password on file still runs the KDF", func(t *testing.T) {
		repo := authtest.NewAccounts()
		hasher := &spyHasher{PasswordHasher: authtest.NewHasher("t2")}
		hasher.On("Verify", "t2", "anything").Return().Once()
		store, err := auth.NewPasswordStore(repo, hasher, auth.PasswordPolicy{}, auth.WithLogger(discardLogger()))
		require.NoError(t, err)
		acct := seedAccount(t, repo, hasher, "", "", auth.AccountStatus{}, epoch)

		got, err := store.Verify(ctx, acct.ID, "anything")
		require.NoError(t, err)
		assert.Equal(t, auth.PasswordNotVerified, got)
		hasher.AssertExpectations(t)
	})

	t.Run("unknown user", func(t *testing.T) {
		f := newPasswordFixture(t, auth.PasswordPolicy{})
		_, err := f.store.Verify(ctx, ulid.Make(), "anything")
		errutil.AssertErrorCode(t, err, auth.CodeUserNotFound)
	})
}

func TestPasswordStore_VerifyMigratesHashVersion(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	for _, outcome := range []auth.PasswordOutcome{auth.PasswordVerified, auth.PasswordVerifiedButExpired} {
		t.Run(outcome.String(), func(t *testing.T) {
			f := newPasswordFixture(t, auth.PasswordPolicy{})
			acct := seedAccount(t, f.repo, f.hasher, "legacy-secret", "t1", auth.AccountStatus{}, epoch)
			if outcome == auth.PasswordVerifiedButExpired {
				stored := f.repo.Get(acct.ID)
				exp := epoch
				stored.Password.ExpirationDate = &exp
				f.repo.Put(stored)
			}
			before := f.repo.Get(acct.ID).Password

			got, err := f.store.Verify(ctx, acct.ID, "legacy-secret")
			require.NoError(t, err)
			assert.Equal(t, outcome, got)

			f.store.Wait()
			after := f.repo.Get(acct.ID).Password
			assert.Equal(t, "t2", after.Version)
			assert.NotEqual(t, before.Hash, after.Hash)
			assert.Equal(t, before.LastChangeDate, after.LastChangeDate)
			assert.Equal(t, before.ExpirationDate, after.ExpirationDate)

			got, err = f.store.Verify(ctx, acct.ID, "legacy-secret")
			require.NoError(t, err)
			assert.Equal(t, outcome, got)
			f.store.Wait()
		})
	}
}

func TestPasswordStore_RehashSurvivesCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newPasswordFixture(t, auth.PasswordPolicy{})
	acct := seedAccount(t, f.repo, f.hasher, "legacy-secret", "t1", auth.AccountStatus{}, epoch)

	ctx, cancel := context.WithCancel(context.Background())
	got, err := f.store.Verify(ctx, acct.ID, "legacy-secret")
	cancel()
	require.NoError(t, err)
	assert.Equal(t, auth.PasswordVerified, got)

	f.store.Wait()
	assert.Equal(t, "t2", f.repo.Get(acct.ID).Password.Version)
}

func TestPasswordStore_RehashLosesToConcurrentChange(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	f := newPasswordFixture(t, auth.PasswordPolicy{AllowIdenticalPassword: true})
	acct := seedAccount(t, f.repo, f.hasher, "legacy-secret", "t1", auth.AccountStatus{}, epoch)

	// A concurrent writer rotates the record while the rehash is in flight.
	stored := f.repo.Get(acct.ID)
	res, err := f.hasher.Hash("rotated", nil, "t1")
	require.NoError(t, err)
	stored.Password.Hash, stored.Password.Salt = res.Hash, res.Salt

	got, err := f.store.Verify(ctx, acct.ID, "legacy-secret")
	require.NoError(t, err)
	assert.Equal(t, auth.PasswordVerified, got)
	f.repo.Put(stored)
	f.store.Wait()

	// Either the rehash landed first and was then overwritten, or it lost
	// the compare-and-swap; the rotated record must win.
	after := f.repo.Get(acct.ID).Password
	assert.Equal(t, res.Hash, after.Hash)
}
