// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// AuthenticationEvent records one sign-in decision. It never carries the
// password or any token.
type AuthenticationEvent struct {
	ID          ulid.ULID
	AccountID   *ulid.ULID
	Outcome     SignInOutcome
	Fingerprint string
	OccurredAt  time.Time
}

// RequestContext describes the client that made a sign-in request.
type RequestContext struct {
	IPAddress string
	UserAgent string
}

// Fingerprint returns a stable SHA-256 digest of the request context.
func (r RequestContext) Fingerprint(clientID string) string {
	h := sha256.New()
	for _, part := range []string{r.IPAddress, r.UserAgent, clientID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EventLog persists authentication events.
type EventLog interface {
	Append(ctx context.Context, event *AuthenticationEvent) error
}

type multiEventLog []EventLog

// EventLogs returns an EventLog that appends to every log in order.
// All logs are attempted; the joined error of the failures is returned.
func EventLogs(logs ...EventLog) EventLog {
	out := make(multiEventLog, 0, len(logs))
	for _, l := range logs {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m multiEventLog) Append(ctx context.Context, event *AuthenticationEvent) error {
	var errs []error
	for _, l := range m {
		if err := l.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
