// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Counter is an atomic counter in a shared cache. The window and reset
// policy belong to the implementation.
type Counter interface {
	Increment(ctx context.Context, key string) (int64, error)
}

// SessionIssuer issues opaque signed session tokens.
type SessionIssuer interface {
	Issue(ctx context.Context, userID ulid.ULID, account Account) (string, error)
}

// VerificationNotice is what a Notifier receives for delivery.
type VerificationNotice struct {
	UserID       ulid.ULID
	Username     string
	EmailAddress string
	Kind         VerificationKind
	Token        string
	Pepper       string
	ExpiresAt    *time.Time
}

// Notifier delivers verification tokens out of band.
type Notifier interface {
	NotifyVerification(ctx context.Context, notice VerificationNotice) error
}
