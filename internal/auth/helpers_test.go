// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/authkeep/authkeep/internal/auth"
	"github.com/authkeep/authkeep/internal/auth/authtest"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedAccount stores an account with password hashed under version.
func seedAccount(t *testing.T, repo *authtest.Accounts, hasher auth.PasswordHasher, password, version string, status auth.AccountStatus, changed time.Time) *auth.Account {
	t.Helper()
	acct := &auth.Account{
		ID:        ulid.Make(),
		Username:  "alice",
		Email:     "alice@example.com",
		Status:    status,
		CreatedAt: changed,
		UpdatedAt: changed,
	}
	if password != "" {
		res, err := hasher.Hash(password, nil, version)
		require.NoError(t, err)
		acct.Password = &auth.PasswordRecord{
			Hash:           res.Hash,
			Salt:           res.Salt,
			Version:        res.Version,
			LastChangeDate: changed,
		}
	}
	repo.Put(acct)
	return acct
}
