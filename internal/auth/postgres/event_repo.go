// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/authkeep/authkeep/internal/auth"
)

// EventRepository stores authentication events. It implements auth.EventLog.
type EventRepository struct {
	db DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append persists an event.
func (r *EventRepository) Append(ctx context.Context, event *auth.AuthenticationEvent) error {
	var accountID any
	if event.AccountID != nil {
		accountID = event.AccountID.String()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO authentication_events (id, account_id, outcome, fingerprint, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		event.ID.String(),
		accountID,
		event.Outcome.String(),
		event.Fingerprint,
		event.OccurredAt,
	)
	if err != nil {
		return oops.Code("EVENT_APPEND_FAILED").
			With("operation", "insert authentication event").
			With("event_id", event.ID.String()).
			Wrap(err)
	}
	return nil
}

// ListByAccount returns the newest events of an account, newest first.
func (r *EventRepository) ListByAccount(ctx context.Context, accountID ulid.ULID, limit int) ([]auth.AuthenticationEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, account_id, outcome, fingerprint, occurred_at
		FROM authentication_events
		WHERE account_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`, accountID.String(), limit)
	if err != nil {
		return nil, oops.Code("EVENT_LIST_FAILED").
			With("operation", "query authentication events").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	defer rows.Close()

	var events []auth.AuthenticationEvent
	for rows.Next() {
		var (
			idStr      string
			accountStr sql.NullString
			outcome    string
			e          auth.AuthenticationEvent
		)
		if err := rows.Scan(&idStr, &accountStr, &outcome, &e.Fingerprint, &e.OccurredAt); err != nil {
			return nil, oops.Code("EVENT_LIST_FAILED").
				With("operation", "scan authentication event").
				Wrap(err)
		}
		if e.ID, err = ulid.Parse(idStr); err != nil {
			return nil, oops.Code("EVENT_INVALID_ID").With("id", idStr).Wrap(err)
		}
		if accountStr.Valid {
			id, err := ulid.Parse(accountStr.String)
			if err != nil {
				return nil, oops.Code("EVENT_INVALID_ID").With("account_id", accountStr.String).Wrap(err)
			}
			e.AccountID = &id
		}
		if e.Outcome, err = auth.ParseSignInOutcome(outcome); err != nil {
			return nil, oops.Code("EVENT_INVALID_OUTCOME").With("id", idStr).Wrap(err)
		}
		e.OccurredAt = e.OccurredAt.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("EVENT_LIST_FAILED").
			With("operation", "iterate authentication events").
			Wrap(err)
	}
	return events, nil
}

// DeleteBefore removes events that occurred before cutoff and returns the count.
func (r *EventRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM authentication_events WHERE occurred_at < $1
	`, cutoff)
	if err != nil {
		return 0, oops.Code("EVENT_DELETE_BEFORE_FAILED").
			With("operation", "delete old authentication events").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

var _ auth.EventLog = (*EventRepository)(nil)
