// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/authkeep/authkeep/internal/auth"
)

const accountColumns = `id, username, email, email_unverified, password_change_required, suspended,
	       password_hash, password_salt, password_version, password_changed_at, password_expires_at,
	       created_at, updated_at`

// AccountRepository implements auth.AccountRepository using PostgreSQL.
type AccountRepository struct {
	db DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create stores a new account and its persistent tokens.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	var (
		hash, salt       []byte
		version          any
		changed, expires any
	)
	if p := account.Password; p != nil {
		hash, salt, version, changed, expires = p.Hash, p.Salt, p.Version, p.LastChangeDate, optionalTime(p.ExpirationDate)
	}

	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO accounts (
				id, username, email, email_unverified, password_change_required, suspended,
				password_hash, password_salt, password_version, password_changed_at, password_expires_at,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`,
			account.ID.String(),
			account.Username,
			account.Email,
			account.Status.EmailUnverified,
			account.Status.PasswordChangeRequired,
			account.Status.Suspended,
			hash,
			salt,
			version,
			changed,
			expires,
			account.CreatedAt,
			account.UpdatedAt,
		); err != nil {
			return err //nolint:wrapcheck // wrapped below
		}
		for _, tok := range account.PersistentTokens {
			if err := insertToken(ctx, tx, account.ID, tok, account.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return oops.Code("ACCOUNT_EXISTS").
			With("username", account.Username).
			With("email", account.Email).
			Wrapf(auth.ErrConflict, "username or email already in use: %v", err)
	}
	if err != nil {
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("username", account.Username).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves an account with its persistent tokens.
func (r *AccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id.String())
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_BY_ID_FAILED").
			With("operation", "get account by id").
			With("id", id.String()).
			Wrap(err)
	}
	if err := r.loadTokens(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetByEmail retrieves an account by email (case-insensitive).
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE LOWER(email) = LOWER($1)`, email)
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("email", email).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_BY_EMAIL_FAILED").
			With("operation", "get account by email").
			With("email", email).
			Wrap(err)
	}
	if err := r.loadTokens(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// SetPassword replaces the password record when the stored one still
// matches expected.
func (r *AccountRepository) SetPassword(ctx context.Context, id ulid.ULID, expected *auth.PasswordRecord, next auth.PasswordRecord) error {
	return r.updatePassword(ctx, id, expected, next, nil)
}

// SetPasswordAndStatus replaces the password record and the status flags
// in a single UPDATE guarded by both.
func (r *AccountRepository) SetPasswordAndStatus(ctx context.Context, id ulid.ULID, expected *auth.PasswordRecord, next auth.PasswordRecord, status auth.StatusChange) error {
	return r.updatePassword(ctx, id, expected, next, &status)
}

func (r *AccountRepository) updatePassword(ctx context.Context, id ulid.ULID, expected *auth.PasswordRecord, next auth.PasswordRecord, status *auth.StatusChange) error {
	args := []any{id.String(), next.Hash, next.Salt, next.Version, next.LastChangeDate, optionalTime(next.ExpirationDate)}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	set := `password_hash = $2, password_salt = $3, password_version = $4,
		    password_changed_at = $5, password_expires_at = $6, updated_at = NOW()`
	where := `WHERE id = $1`
	if expected == nil {
		where += ` AND password_hash IS NULL`
	} else {
		where += ` AND password_version = ` + arg(expected.Version) +
			` AND password_salt = ` + arg(expected.Salt) +
			` AND password_hash = ` + arg(expected.Hash)
	}
	if status != nil {
		set += `, email_unverified = ` + arg(status.Next.EmailUnverified) +
			`, password_change_required = ` + arg(status.Next.PasswordChangeRequired) +
			`, suspended = ` + arg(status.Next.Suspended)
		where += ` AND email_unverified = ` + arg(status.Expected.EmailUnverified) +
			` AND password_change_required = ` + arg(status.Expected.PasswordChangeRequired) +
			` AND suspended = ` + arg(status.Expected.Suspended)
	}

	result, err := r.db.Exec(ctx, "UPDATE accounts\n\t\tSET "+set+"\n\t\t"+where, args...)
	if err != nil {
		return oops.Code("ACCOUNT_SET_PASSWORD_FAILED").
			With("operation", "update password").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id, "ACCOUNT_PASSWORD_CONFLICT")
	}
	return nil
}

// SetStatus replaces the status flags when they still equal expected.
func (r *AccountRepository) SetStatus(ctx context.Context, id ulid.ULID, expected, next auth.AccountStatus) error {
	result, err := r.db.Exec(ctx, `
		UPDATE accounts
		SET email_unverified = $2, password_change_required = $3, suspended = $4, updated_at = NOW()
		WHERE id = $1 AND email_unverified = $5 AND password_change_required = $6 AND suspended = $7
	`,
		id.String(),
		next.EmailUnverified, next.PasswordChangeRequired, next.Suspended,
		expected.EmailUnverified, expected.PasswordChangeRequired, expected.Suspended,
	)
	if err != nil {
		return oops.Code("ACCOUNT_SET_STATUS_FAILED").
			With("operation", "update status").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id, "ACCOUNT_STATUS_CONFLICT")
	}
	return nil
}

// UpsertPersistentToken replaces the token for token.ClientID and prunes
// tokens expired at now in one transaction.
func (r *AccountRepository) UpsertPersistentToken(ctx context.Context, id ulid.ULID, token auth.PersistentToken, now time.Time) error {
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		var locked string
		if err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, id.String()).Scan(&locked); err != nil {
			return err //nolint:wrapcheck // wrapped below
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM persistent_tokens WHERE account_id = $1 AND expires_at <= $2
		`, id.String(), now); err != nil {
			return err //nolint:wrapcheck // wrapped below
		}
		return insertToken(ctx, tx, id, token, now)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(id)
	}
	if err != nil {
		return oops.Code("ACCOUNT_UPSERT_TOKEN_FAILED").
			With("operation", "upsert persistent token").
			With("id", id.String()).
			With("client_id", token.ClientID).
			Wrap(err)
	}
	return nil
}

// PrunePersistentTokens removes tokens expired at now.
func (r *AccountRepository) PrunePersistentTokens(ctx context.Context, id ulid.ULID, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM persistent_tokens WHERE account_id = $1 AND expires_at <= $2
	`, id.String(), now)
	if err != nil {
		return 0, oops.Code("ACCOUNT_PRUNE_TOKENS_FAILED").
			With("operation", "delete expired persistent tokens").
			With("id", id.String()).
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// Delete removes an account. Its tokens are removed by cascade.
func (r *AccountRepository) Delete(ctx context.Context, id ulid.ULID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id.String())
	if err != nil {
		return oops.Code("ACCOUNT_DELETE_FAILED").
			With("operation", "delete account").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

// conflictOrMissing classifies a conditional update that matched no row.
func (r *AccountRepository) conflictOrMissing(ctx context.Context, id ulid.ULID, code string) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id.String()).Scan(&exists); err != nil {
		return oops.Code(code).
			With("operation", "check account exists").
			With("id", id.String()).
			Wrap(err)
	}
	if !exists {
		return notFound(id)
	}
	return oops.Code(code).
		With("id", id.String()).
		Wrap(auth.ErrConflict)
}

func (r *AccountRepository) loadTokens(ctx context.Context, acct *auth.Account) error {
	rows, err := r.db.Query(ctx, `
		SELECT client_id, hash, salt, version, expires_at
		FROM persistent_tokens
		WHERE account_id = $1
		ORDER BY client_id
	`, acct.ID.String())
	if err != nil {
		return oops.Code("ACCOUNT_GET_TOKENS_FAILED").
			With("operation", "query persistent tokens").
			With("id", acct.ID.String()).
			Wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		var tok auth.PersistentToken
		if err := rows.Scan(&tok.ClientID, &tok.Hash, &tok.Salt, &tok.Version, &tok.ExpirationDate); err != nil {
			return oops.Code("ACCOUNT_GET_TOKENS_FAILED").
				With("operation", "scan persistent token").
				Wrap(err)
		}
		tok.ExpirationDate = tok.ExpirationDate.UTC()
		acct.PersistentTokens = append(acct.PersistentTokens, tok)
	}
	if err := rows.Err(); err != nil {
		return oops.Code("ACCOUNT_GET_TOKENS_FAILED").
			With("operation", "iterate persistent tokens").
			Wrap(err)
	}
	return nil
}

func insertToken(ctx context.Context, tx pgx.Tx, id ulid.ULID, tok auth.PersistentToken, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO persistent_tokens (account_id, client_id, hash, salt, version, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, client_id) DO UPDATE
		SET hash = EXCLUDED.hash, salt = EXCLUDED.salt, version = EXCLUDED.version,
		    expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at
	`, id.String(), tok.ClientID, tok.Hash, tok.Salt, tok.Version, tok.ExpirationDate, now)
	return err //nolint:wrapcheck // callers wrap with operation context
}

// scanAccount scans one accounts row. pgx.ErrNoRows is returned unchanged.
func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		idStr      string
		acct       auth.Account
		hash, salt []byte
		version    sql.NullString
		changed    sql.NullTime
		expires    sql.NullTime
	)
	err := row.Scan(
		&idStr,
		&acct.Username,
		&acct.Email,
		&acct.Status.EmailUnverified,
		&acct.Status.PasswordChangeRequired,
		&acct.Status.Suspended,
		&hash,
		&salt,
		&version,
		&changed,
		&expires,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers wrap with context-specific info
		}
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").
			With("operation", "scan account").
			Wrap(err)
	}

	acct.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_ID").
			With("operation", "parse account id").
			With("id", idStr).
			Wrap(err)
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	if version.Valid {
		acct.Password = &auth.PasswordRecord{
			Hash:           hash,
			Salt:           salt,
			Version:        version.String,
			LastChangeDate: changed.Time.UTC(),
			ExpirationDate: nullableTimePtr(expires),
		}
	}
	return &acct, nil
}

func notFound(id ulid.ULID) error {
	return oops.Code("ACCOUNT_NOT_FOUND").
		With("id", id.String()).
		Wrap(auth.ErrNotFound)
}

var _ auth.AccountRepository = (*AccountRepository)(nil)
