// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package authtest

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/authkeep/authkeep/internal/auth"
)

// Clock is a manually advanced auth.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Counter is an in-memory auth.Counter with no expiry.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int64

	// Err, when set, is returned by Increment.
	Err error
}

// NewCounter creates an empty Counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[string]int64)}
}

// Increment adds one to key and returns the new count.
func (c *Counter) Increment(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	c.counts[key]++
	return c.counts[key], nil
}

// Count returns the current value of key.
func (c *Counter) Count(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// Sessions issues predictable session tokens.
type Sessions struct {
	mu     sync.Mutex
	issued []ulid.ULID

	// Err, when set, is returned by Issue.
	Err error
}

// Issue returns "session:<userID>".
func (s *Sessions) Issue(_ context.Context, userID ulid.ULID, _ auth.Account) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	s.issued = append(s.issued, userID)
	return "session:" + userID.String(), nil
}

// Issued returns the users sessions were issued for.
func (s *Sessions) Issued() []ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ulid.ULID(nil), s.issued...)
}

// Events records appended authentication events.
type Events struct {
	mu     sync.Mutex
	events []auth.AuthenticationEvent

	// Err, when set, is returned by Append after recording.
	Err error
}

// Append records event.
func (e *Events) Append(_ context.Context, event *auth.AuthenticationEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, *event)
	return e.Err
}

// All returns the recorded events.
func (e *Events) All() []auth.AuthenticationEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]auth.AuthenticationEvent(nil), e.events...)
}

// Notifier records verification notices.
type Notifier struct {
	mu      sync.Mutex
	notices []auth.VerificationNotice

	// Err, when set, is returned by NotifyVerification.
	Err error
}

// NotifyVerification records notice.
func (n *Notifier) NotifyVerification(_ context.Context, notice auth.VerificationNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.notices = append(n.notices, notice)
	return nil
}

// Notices returns the recorded notices.
func (n *Notifier) Notices() []auth.VerificationNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]auth.VerificationNotice(nil), n.notices...)
}

// FastHashVersions are cheap hash versions for tests.
var FastHashVersions = []auth.PasswordHashVersion{
	{Name: "t1", Algorithm: auth.KDFPBKDF2SHA256, Iterations: 1, KeyLength: 32, SaltLength: 16},
	{Name: "t2", Algorithm: auth.KDFPBKDF2SHA512, Iterations: 2, KeyLength: 32, SaltLength: 16},
	{Name: "t3", Algorithm: auth.KDFArgon2id, Iterations: 1, KeyLength: 32, SaltLength: 16, Memory: 8 * 1024, Parallelism: 1},
}

// NewHasher returns a hasher over FastHashVersions with current as the current version.
func NewHasher(current string) *auth.VersionedHasher {
	h, err := auth.NewVersionedHasher(current, FastHashVersions...)
	if err != nil {
		panic(err)
	}
	return h
}

var (
	_ auth.Clock         = (*Clock)(nil)
	_ auth.Counter       = (*Counter)(nil)
	_ auth.SessionIssuer = (*Sessions)(nil)
	_ auth.EventLog      = (*Events)(nil)
	_ auth.Notifier      = (*Notifier)(nil)
)
