// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/authkeep/authkeep/internal/auth"
)

const verificationColumns = `id, user_id, email_address, kind, created_at, expires_at, salt`

// VerificationRepository implements auth.VerificationRepository using PostgreSQL.
type VerificationRepository struct {
	db DB
}

// NewVerificationRepository creates a new VerificationRepository.
func NewVerificationRepository(db DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// Create stores a new verification record.
func (r *VerificationRepository) Create(ctx context.Context, record *auth.VerificationRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO verifications (id, user_id, email_address, kind, created_at, expires_at, salt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		record.ID.String(),
		record.UserID.String(),
		record.EmailAddress,
		string(record.Kind),
		record.CreationDate,
		optionalTime(record.ExpirationDate),
		record.Salt,
	)
	if err != nil {
		return oops.Code("VERIFICATION_CREATE_FAILED").
			With("operation", "insert verification").
			With("user_id", record.UserID.String()).
			With("kind", string(record.Kind)).
			Wrap(err)
	}
	return nil
}

// LatestUnexpired returns the newest record for (userID, kind) that is not
// expired at now.
func (r *VerificationRepository) LatestUnexpired(ctx context.Context, userID ulid.ULID, kind auth.VerificationKind, now time.Time) (*auth.VerificationRecord, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+verificationColumns+`
		FROM verifications
		WHERE user_id = $1 AND kind = $2 AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID.String(), string(kind), now)
	return r.latest(row, userID, kind, "get latest unexpired verification")
}

// Latest returns the newest record for (userID, kind) regardless of expiry.
func (r *VerificationRepository) Latest(ctx context.Context, userID ulid.ULID, kind auth.VerificationKind) (*auth.VerificationRecord, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+verificationColumns+`
		FROM verifications
		WHERE user_id = $1 AND kind = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID.String(), string(kind))
	return r.latest(row, userID, kind, "get latest verification")
}

func (r *VerificationRepository) latest(row pgx.Row, userID ulid.ULID, kind auth.VerificationKind, op string) (*auth.VerificationRecord, error) {
	rec, err := scanVerification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("VERIFICATION_NOT_FOUND").
			With("user_id", userID.String()).
			With("kind", string(kind)).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("VERIFICATION_GET_FAILED").
			With("operation", op).
			With("user_id", userID.String()).
			Wrap(err)
	}
	return rec, nil
}

// Expire sets the expiration date of a record that is still unexpired at at.
// Returns auth.ErrConflict when another caller expired it first.
func (r *VerificationRepository) Expire(ctx context.Context, id ulid.ULID, at time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE verifications
		SET expires_at = $2
		WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, id.String(), at)
	if err != nil {
		return oops.Code("VERIFICATION_EXPIRE_FAILED").
			With("operation", "expire verification").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("VERIFICATION_EXPIRE_CONFLICT").
			With("id", id.String()).
			Wrap(auth.ErrConflict)
	}
	return nil
}

// Consume expires the record and swaps the account status flags in one
// transaction.
func (r *VerificationRepository) Consume(ctx context.Context, id ulid.ULID, at time.Time, userID ulid.ULID, status auth.StatusChange) error {
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE verifications
			SET expires_at = $2
			WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)
		`, id.String(), at)
		if err != nil {
			return err //nolint:wrapcheck // wrapped below
		}
		if result.RowsAffected() == 0 {
			return oops.Code("VERIFICATION_CONSUME_CONFLICT").
				With("id", id.String()).
				Wrap(auth.ErrConflict)
		}

		result, err = tx.Exec(ctx, `
			UPDATE accounts
			SET email_unverified = $2, password_change_required = $3, suspended = $4, updated_at = NOW()
			WHERE id = $1 AND email_unverified = $5 AND password_change_required = $6 AND suspended = $7
		`,
			userID.String(),
			status.Next.EmailUnverified, status.Next.PasswordChangeRequired, status.Next.Suspended,
			status.Expected.EmailUnverified, status.Expected.PasswordChangeRequired, status.Expected.Suspended,
		)
		if err != nil {
			return err //nolint:wrapcheck // wrapped below
		}
		if result.RowsAffected() > 0 {
			return nil
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, userID.String()).Scan(&exists); err != nil {
			return err //nolint:wrapcheck // wrapped below
		}
		if !exists {
			return notFound(userID)
		}
		return oops.Code("VERIFICATION_STATUS_CONFLICT").
			With("user_id", userID.String()).
			Wrap(auth.ErrStatusChanged)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrConflict), errors.Is(err, auth.ErrStatusChanged), errors.Is(err, auth.ErrNotFound):
		return err
	default:
		return oops.Code("VERIFICATION_CONSUME_FAILED").
			With("operation", "consume verification").
			With("id", id.String()).
			With("user_id", userID.String()).
			Wrap(err)
	}
}

// DeleteExpired removes records that expired before cutoff and returns the count.
func (r *VerificationRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM verifications WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, oops.Code("VERIFICATION_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired verifications").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanVerification scans one verifications row. pgx.ErrNoRows is returned unchanged.
func scanVerification(row pgx.Row) (*auth.VerificationRecord, error) {
	var (
		idStr, userIDStr string
		kind             string
		expires          sql.NullTime
		rec              auth.VerificationRecord
	)
	err := row.Scan(&idStr, &userIDStr, &rec.EmailAddress, &kind, &rec.CreationDate, &expires, &rec.Salt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers wrap with context-specific info
		}
		return nil, oops.Code("VERIFICATION_SCAN_FAILED").
			With("operation", "scan verification").
			Wrap(err)
	}
	if rec.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code("VERIFICATION_INVALID_ID").With("id", idStr).Wrap(err)
	}
	if rec.UserID, err = ulid.Parse(userIDStr); err != nil {
		return nil, oops.Code("VERIFICATION_INVALID_ID").With("user_id", userIDStr).Wrap(err)
	}
	if rec.Kind, err = auth.ParseVerificationKind(kind); err != nil {
		return nil, oops.Code("VERIFICATION_INVALID_KIND").With("id", idStr).Wrap(err)
	}
	rec.CreationDate = rec.CreationDate.UTC()
	rec.ExpirationDate = nullableTimePtr(expires)
	return &rec, nil
}

var _ auth.VerificationRepository = (*VerificationRepository)(nil)
