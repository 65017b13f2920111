// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authkeep/authkeep/internal/auth"
	"github.com/authkeep/authkeep/pkg/errutil"
)

var accountCols = []string{
	"id", "username", "email", "email_unverified", "password_change_required", "suspended",
	"password_hash", "password_salt", "password_version", "password_changed_at", "password_expires_at",
	"created_at", "updated_at",
}

var tokenCols = []string{"client_id", "hash", "salt", "version", "expires_at"}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(mock.Close)
	return mock
}

func TestAccountRepository_GetByID(t *testing.T) {
	id := ulid.Make()
	changed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := changed.Add(90 * 24 * time.Hour)
	tokenExp := changed.Add(30 * 24 * time.Hour)

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		check     func(t *testing.T, acct *auth.Account)
		wantErr   error
		wantCode  string
	}{
		{
			name: "account with password and token",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
					WithArgs(id.String()).
					WillReturnRows(pgxmock.NewRows(accountCols).AddRow(
						id.String(), "alice", "alice@example.com", false, true, false,
						[]byte("hash"), []byte("salt"), "v3", changed, expires,
						changed, changed,
					))
				mock.ExpectQuery(`SELECT client_id, hash, salt, version, expires_at\s+FROM persistent_tokens`).
					WithArgs(id.String()).
					WillReturnRows(pgxmock.NewRows(tokenCols).
						AddRow("laptop", []byte("th"), []byte("ts"), "v3", tokenExp))
			},
			check: func(t *testing.T, acct *auth.Account) {
				assert.Equal(t, id, acct.ID)
				assert.Equal(t, "alice", acct.Username)
				assert.Equal(t, auth.AccountStatus{PasswordChangeRequired: true}, acct.Status)
				require.NotNil(t, acct.Password)
				assert.Equal(t, []byte("hash"), acct.Password.Hash)
				assert.Equal(t, "v3", acct.Password.Version)
				assert.Equal(t, changed, acct.Password.LastChangeDate)
				require.NotNil(t, acct.Password.ExpirationDate)
				assert.Equal(t, expires, *acct.Password.ExpirationDate)
				require.Len(t, acct.PersistentTokens, 1)
				assert.Equal(t, "laptop", acct.PersistentTokens[0].ClientID)
				assert.Equal(t, tokenExp, acct.PersistentTokens[0].ExpirationDate)
			},
		},
		{
			name: "not found",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
					WithArgs(id.String()).
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr:  auth.ErrNotFound,
			wantCode: "ACCOUNT_NOT_FOUND",
		},
		{
			name: "query error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
					WithArgs(id.String()).
					WillReturnError(errors.New("connection refused"))
			},
			wantCode: "ACCOUNT_SCAN_FAILED",
		},
		{
			name: "token query error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
					WithArgs(id.String()).
					WillReturnRows(pgxmock.NewRows(accountCols).AddRow(
						id.String(), "alice", "alice@example.com", true, false, false,
						[]byte("hash"), []byte("salt"), "v3", changed, expires,
						changed, changed,
					))
				mock.ExpectQuery(`FROM persistent_tokens`).
					WithArgs(id.String()).
					WillReturnError(errors.New("connection reset"))
			},
			wantCode: "ACCOUNT_GET_TOKENS_FAILED",
		},
		{
			name: "corrupt id",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
					WithArgs(id.String()).
					WillReturnRows(pgxmock.NewRows(accountCols).AddRow(
						"not-a-ulid", "alice", "alice@example.com", true, false, false,
						[]byte("hash"), []byte("salt"), "v3", changed, expires,
						changed, changed,
					))
			},
			wantCode: "ACCOUNT_INVALID_ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.setupMock(mock)

			repo := NewAccountRepository(mock)
			acct, err := repo.GetByID(context.Background(), id)

			if tt.wantCode != "" {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, tt.wantCode)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
			} else {
				require.NoError(t, err)
				tt.check(t, acct)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAccountRepository_GetByEmail_NotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`WHERE LOWER\(email\) = LOWER\(\$1\)`).
		WithArgs("Bob@Example.com").
		WillReturnError(pgx.ErrNoRows)

	repo := NewAccountRepository(mock)
	_, err := repo.GetByEmail(context.Background(), "Bob@Example.com")
	require.ErrorIs(t, err, auth.ErrNotFound)
	errutil.AssertErrorContext(t, err, "email", "Bob@Example.com")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_Create(t *testing.T) {
	acct, err := auth.NewAccount("alice", "alice@example.com", time.Now().UTC())
	require.NoError(t, err)
	acct.PersistentTokens = []auth.PersistentToken{{
		ClientID:       "laptop",
		Hash:           []byte("h"),
		Salt:           []byte("s"),
		Version:        "v3",
		ExpirationDate: acct.CreatedAt.Add(time.Hour),
	}}
	insertArgs := []any{
		acct.ID.String(), "alice", "alice@example.com", true, false, false,
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		acct.CreatedAt, acct.UpdatedAt,
	}

	t.Run("inserts account and tokens in one transaction", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO accounts`).
			WithArgs(insertArgs...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`INSERT INTO persistent_tokens`).
			WithArgs(acct.ID.String(), "laptop", []byte("h"), []byte("s"), "v3", acct.CreatedAt.Add(time.Hour), acct.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, NewAccountRepository(mock).Create(context.Background(), acct))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate username is a conflict", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO accounts`).
			WithArgs(insertArgs...).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "idx_accounts_username"})
		mock.ExpectRollback()

		err := NewAccountRepository(mock).Create(context.Background(), acct)
		require.ErrorIs(t, err, auth.ErrConflict)
		errutil.AssertErrorCode(t, err, "ACCOUNT_EXISTS")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin().WillReturnError(errors.New("pool closed"))

		err := NewAccountRepository(mock).Create(context.Background(), acct)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "ACCOUNT_CREATE_FAILED")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountRepository_SetPassword(t *testing.T) {
	id := ulid.Make()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := &auth.PasswordRecord{Hash: []byte("old"), Salt: []byte("os"), Version: "v2", LastChangeDate: now.Add(-time.Hour)}
	next := auth.PasswordRecord{Hash: []byte("new"), Salt: []byte("ns"), Version: "v3", LastChangeDate: now}

	tests := []struct {
		name      string
		expected  *auth.PasswordRecord
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
		wantCode  string
	}{
		{
			name:     "first password requires no record on file",
			expected: nil,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE accounts\s+SET password_hash .+ AND password_hash IS NULL`).
					WithArgs(id.String(), next.Hash, next.Salt, next.Version, next.LastChangeDate, nil).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			},
		},
		{
			name:     "replaces matching record",
			expected: prev,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`AND password_version = \$7 AND password_salt = \$8 AND password_hash = \$9`).
					WithArgs(id.String(), next.Hash, next.Salt, next.Version, next.LastChangeDate, nil,
						prev.Version, prev.Salt, prev.Hash).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			},
		},
		{
			name:     "stale expected record conflicts",
			expected: prev,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE accounts`).
					WithArgs(id.String(), next.Hash, next.Salt, next.Version, next.LastChangeDate, nil,
						prev.Version, prev.Salt, prev.Hash).
					WillReturnResult(pgxmock.NewResult("UPDATE", 0))
				mock.ExpectQuery(`SELECT EXISTS`).
					WithArgs(id.String()).
					WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
			},
			wantErr:  auth.ErrConflict,
			wantCode: "ACCOUNT_PASSWORD_CONFLICT",
		},
		{
			name:     "missing account",
			expected: nil,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE accounts`).
					WithArgs(id.String(), next.Hash, next.Salt, next.Version, next.LastChangeDate, nil).
					WillReturnResult(pgxmock.NewResult("UPDATE", 0))
				mock.ExpectQuery(`SELECT EXISTS`).
					WithArgs(id.String()).
					WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
			},
			wantErr:  auth.ErrNotFound,
			wantCode: "ACCOUNT_NOT_FOUND",
		},
		{
			name:     "exec error",
			expected: nil,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE accounts`).
					WithArgs(id.String(), next.Hash, next.Salt, next.Version, next.LastChangeDate, nil).
					WillReturnError(errors.New("connection refused"))
			},
			wantCode: "ACCOUNT_SET_PASSWORD_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.setupMock(mock)

			err := NewAccountRepository(mock).SetPassword(context.Background(), id, tt.expected, next)
			if tt.wantCode == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, tt.wantCode)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAccountRepository_SetPasswordAndStatus(t *testing.T) {
	id := ulid.Make()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := &auth.PasswordRecord{Hash: []byte("old"), Salt: []byte("os"), Version: "v2", LastChangeDate: now.Add(-time.Hour)}
	next := auth.PasswordRecord{Hash: []byte("new"), Salt: []byte("ns"), Version: "v3", LastChangeDate: now}
	change := auth.StatusChange{
		Expected: auth.AccountStatus{EmailUnverified: true, PasswordChangeRequired: true},
		Next:     auth.AccountStatus{EmailUnverified: true},
	}
	args := []any{id.String(), next.Hash, next.Salt, next.Version, next.LastChangeDate, nil,
		prev.Version, prev.Salt, prev.Hash,
		true, false, false,
		true, true, false}

	t.Run("writes password and flags in one statement", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE accounts SET password_hash = \$2, .+, email_unverified = \$10, password_change_required = \$11, suspended = \$12 ` +
			`WHERE id = \$1 AND password_version = \$7 AND password_salt = \$8 AND password_hash = \$9 ` +
			`AND email_unverified = \$13 AND password_change_required = \$14 AND suspended = \$15`).
			WithArgs(args...).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, NewAccountRepository(mock).SetPasswordAndStatus(context.Background(), id, prev, next, change))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("changed flags conflict", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE accounts`).
			WithArgs(args...).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(id.String()).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

		err := NewAccountRepository(mock).SetPasswordAndStatus(context.Background(), id, prev, next, change)
		require.ErrorIs(t, err, auth.ErrConflict)
		errutil.AssertErrorCode(t, err, "ACCOUNT_PASSWORD_CONFLICT")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exec error writes nothing", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE accounts`).
			WithArgs(args...).
			WillReturnError(errors.New("connection reset"))

		err := NewAccountRepository(mock).SetPasswordAndStatus(context.Background(), id, prev, next, change)
		errutil.AssertErrorCode(t, err, "ACCOUNT_SET_PASSWORD_FAILED")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountRepository_SetStatus(t *testing.T) {
	id := ulid.Make()
	expected := auth.AccountStatus{EmailUnverified: true}
	next := auth.AccountStatus{}

	t.Run("applies when flags match", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE accounts\s+SET email_unverified`).
			WithArgs(id.String(), false, false, false, true, false, false).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, NewAccountRepository(mock).SetStatus(context.Background(), id, expected, next))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflicts when flags changed", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE accounts`).
			WithArgs(id.String(), false, false, false, true, false, false).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(id.String()).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

		err := NewAccountRepository(mock).SetStatus(context.Background(), id, expected, next)
		require.ErrorIs(t, err, auth.ErrConflict)
		errutil.AssertErrorCode(t, err, "ACCOUNT_STATUS_CONFLICT")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountRepository_UpsertPersistentToken(t *testing.T) {
	id := ulid.Make()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := auth.PersistentToken{
		ClientID:       "phone",
		Hash:           []byte("h"),
		Salt:           []byte("s"),
		Version:        "v3",
		ExpirationDate: now.Add(24 * time.Hour),
	}

	t.Run("prunes and upserts under a row lock", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs(id.String()).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(id.String()))
		mock.ExpectExec(`DELETE FROM persistent_tokens WHERE account_id = \$1 AND expires_at <= \$2`).
			WithArgs(id.String(), now).
			WillReturnResult(pgxmock.NewResult("DELETE", 2))
		mock.ExpectExec(`INSERT INTO persistent_tokens .+ ON CONFLICT \(account_id, client_id\) DO UPDATE`).
			WithArgs(id.String(), "phone", tok.Hash, tok.Salt, "v3", tok.ExpirationDate, now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, NewAccountRepository(mock).UpsertPersistentToken(context.Background(), id, tok, now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account rolls back", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(id.String()).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		err := NewAccountRepository(mock).UpsertPersistentToken(context.Background(), id, tok, now)
		require.ErrorIs(t, err, auth.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure rolls back", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(id.String()).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(id.String()))
		mock.ExpectExec(`DELETE FROM persistent_tokens`).
			WithArgs(id.String(), now).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectExec(`INSERT INTO persistent_tokens`).
			WithArgs(id.String(), "phone", tok.Hash, tok.Salt, "v3", tok.ExpirationDate, now).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := NewAccountRepository(mock).UpsertPersistentToken(context.Background(), id, tok, now)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "ACCOUNT_UPSERT_TOKEN_FAILED")
		errutil.AssertErrorContext(t, err, "client_id", "phone")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountRepository_PrunePersistentTokens(t *testing.T) {
	id := ulid.Make()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock := newMock(t)
	mock.ExpectExec(`DELETE FROM persistent_tokens`).
		WithArgs(id.String(), now).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := NewAccountRepository(mock).PrunePersistentTokens(context.Background(), id, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_Delete(t *testing.T) {
	id := ulid.Make()

	t.Run("deletes", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`DELETE FROM accounts WHERE id = \$1`).
			WithArgs(id.String()).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		require.NoError(t, NewAccountRepository(mock).Delete(context.Background(), id))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`DELETE FROM accounts WHERE id = \$1`).
			WithArgs(id.String()).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		err := NewAccountRepository(mock).Delete(context.Background(), id)
		require.ErrorIs(t, err, auth.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
