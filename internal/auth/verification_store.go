// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("authkeep/auth")

// tokenEncoding encodes peppers and tokens for transport.
var tokenEncoding = base64.RawURLEncoding

// Default random lengths for verification tokens, in bytes.
const (
	DefaultVerificationSaltLength   = 32
	DefaultVerificationPepperLength = 32
)

// VerificationPolicy configures verification tokens.
type VerificationPolicy struct {
	// MinVerificationAge debounces regeneration for the same user and kind.
	MinVerificationAge time.Duration
	// MaxVerificationAge sets the token lifetime. Zero means tokens live until consumed.
	MaxVerificationAge time.Duration
	Digest             DigestAlgorithm
	SaltLength         int
	PepperLength       int
}

// VerificationOutcome is the result of VerificationStore.VerifyAndConsume.
type VerificationOutcome int

// Verification outcomes.
const (
	VerificationNotVerified VerificationOutcome = iota
	VerificationTokenExpired
	VerificationVerified
)

func (o VerificationOutcome) String() string {
	switch o {
	case VerificationTokenExpired:
		return "token_expired"
	case VerificationVerified:
		return "verified"
	default:
		return "not_verified"
	}
}

// VerificationStore issues and consumes email-verification and
// password-reset tokens. The server keeps the salt; the caller gets the
// pepper. Neither half alone reproduces a token.
type VerificationStore struct {
	records  VerificationRepository
	accounts AccountRepository
	policy   VerificationPolicy
	opts     options
}

// NewVerificationStore creates a VerificationStore.
func NewVerificationStore(records VerificationRepository, accounts AccountRepository, policy VerificationPolicy, opts ...Option) (*VerificationStore, error) {
	if records == nil {
		return nil, oops.Errorf("verification repository is required")
	}
	if accounts == nil {
		return nil, oops.Errorf("account repository is required")
	}
	if policy.MinVerificationAge < 0 || policy.MaxVerificationAge < 0 {
		return nil, oops.Code(CodeInvalidInput).Errorf("verification ages cannot be negative")
	}
	if _, err := policy.Digest.newHash(); err != nil {
		return nil, err
	}
	if policy.Digest == "" {
		policy.Digest = DigestSHA256
	}
	if policy.SaltLength <= 0 {
		policy.SaltLength = DefaultVerificationSaltLength
	}
	if policy.PepperLength <= 0 {
		policy.PepperLength = DefaultVerificationPepperLength
	}
	return &VerificationStore{
		records:  records,
		accounts: accounts,
		policy:   policy,
		opts:     applyOptions(opts),
	}, nil
}

// Generate creates a new token for (userID, kind), expiring the previous
// unexpired one. It fails with a TooRecent policy violation when the
// previous token is younger than MinVerificationAge.
func (s *VerificationStore) Generate(ctx context.Context, userID ulid.ULID, emailAddress string, kind VerificationKind) (_ *VerificationToken, err error) {
	if userID == (ulid.ULID{}) {
		return nil, invalidInput("user_id", "user id cannot be empty")
	}
	if strings.TrimSpace(emailAddress) == "" {
		return nil, invalidInput("email", "email address cannot be empty")
	}
	if !kind.Valid() {
		return nil, invalidInput("kind", "unsupported verification kind %q", kind)
	}

	ctx, span := tracer.Start(ctx, "verification.generate",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("verification.kind", string(kind)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Persisted timestamps carry microsecond precision and the creation
	// date is part of the digest.
	now := s.opts.clock.Now().UTC().Truncate(time.Microsecond)

	prev, err := s.records.LatestUnexpired(ctx, userID, kind, now)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, oops.Code("AUTH_VERIFICATION_GENERATE_FAILED").
			With("operation", "load latest").
			With("user_id", userID.String()).
			Wrap(err)
	default:
		if now.Sub(prev.CreationDate) < s.policy.MinVerificationAge {
			return nil, oops.Code(CodeVerificationTooRecent).
				With("user_id", userID.String()).
				With("kind", string(kind)).
				With("created_at", prev.CreationDate).
				Errorf("verification was requested too recently")
		}
		if err := s.records.Expire(ctx, prev.ID, now); err != nil && !errors.Is(err, ErrConflict) {
			return nil, oops.Code("AUTH_VERIFICATION_GENERATE_FAILED").
				With("operation", "expire previous").
				With("verification_id", prev.ID.String()).
				Wrap(err)
		}
	}

	salt, err := randomBytes(s.policy.SaltLength)
	if err != nil {
		return nil, err
	}
	pepper, err := randomBytes(s.policy.PepperLength)
	if err != nil {
		return nil, err
	}
	digest, err := verificationDigest(s.policy.Digest, emailAddress, now, salt, pepper)
	if err != nil {
		return nil, err
	}

	record := &VerificationRecord{
		ID:           ulid.Make(),
		UserID:       userID,
		EmailAddress: emailAddress,
		Kind:         kind,
		CreationDate: now,
		Salt:         salt,
	}
	if s.policy.MaxVerificationAge > 0 {
		exp := now.Add(s.policy.MaxVerificationAge)
		record.ExpirationDate = &exp
	}
	if err := s.records.Create(ctx, record); err != nil {
		return nil, oops.Code("AUTH_VERIFICATION_GENERATE_FAILED").
			With("operation", "create record").
			With("user_id", userID.String()).
			Wrap(err)
	}

	s.opts.logger.InfoContext(ctx, "verification token generated",
		"user_id", userID.String(),
		"kind", string(kind),
		"verification_id", record.ID.String())

	return &VerificationToken{
		EmailAddress:   emailAddress,
		ExpirationDate: record.ExpirationDate,
		Pepper:         tokenEncoding.EncodeToString(pepper),
		Token:          tokenEncoding.EncodeToString(digest),
	}, nil
}

// VerifyAndConsume checks token and pepper against the latest record for
// (userID, kind). A verified token is expired so it cannot be used again,
// and the account status transition for kind is applied.
func (s *VerificationStore) VerifyAndConsume(ctx context.Context, userID ulid.ULID, emailAddress string, kind VerificationKind, token, pepper string) (outcome VerificationOutcome, err error) {
	if !kind.Valid() {
		return VerificationNotVerified, invalidInput("kind", "unsupported verification kind %q", kind)
	}

	ctx, span := tracer.Start(ctx, "verification.consume",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("verification.kind", string(kind)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("verification.outcome", outcome.String()))
			s.opts.metrics.Verification(string(kind), outcome.String())
		}
		span.End()
	}()

	record, err := s.records.Latest(ctx, userID, kind)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return VerificationNotVerified, nil
		}
		return VerificationNotVerified, oops.Code("AUTH_VERIFICATION_CONSUME_FAILED").
			With("operation", "load latest").
			With("user_id", userID.String()).
			Wrap(err)
	}

	rawPepper, perr := tokenEncoding.DecodeString(pepper)
	rawToken, terr := tokenEncoding.DecodeString(token)
	if perr != nil || terr != nil || len(rawPepper) == 0 || len(rawToken) == 0 {
		return VerificationNotVerified, nil
	}
	expected, err := verificationDigest(s.policy.Digest, emailAddress, record.CreationDate, record.Salt, rawPepper)
	if err != nil {
		return VerificationNotVerified, err
	}
	if subtle.ConstantTimeCompare(expected, rawToken) != 1 {
		return VerificationNotVerified, nil
	}

	now := s.opts.clock.Now().UTC().Truncate(time.Microsecond)
	if record.IsExpiredAt(now) {
		return VerificationTokenExpired, nil
	}

	var status AccountStatus
	consumed := VerificationNotVerified
	err = retry.Do(ctx, statusRetryBackoff(), func(ctx context.Context) error {
		acct, err := s.accounts.GetByID(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				consumed = VerificationNotVerified
				return nil
			}
			return oops.Code("AUTH_VERIFICATION_CONSUME_FAILED").
				With("operation", "get account").
				With("user_id", userID.String()).
				Wrap(err)
		}
		change := StatusChange{Expected: acct.Status, Next: ApplyVerification(acct.Status, kind)}
		err = s.records.Consume(ctx, record.ID, now, userID, change)
		switch {
		case err == nil:
			consumed = VerificationVerified
			status = change.Next
			return nil
		case errors.Is(err, ErrStatusChanged):
			return retry.RetryableError(err)
		case errors.Is(err, ErrConflict):
			consumed = VerificationTokenExpired
			return nil
		case errors.Is(err, ErrNotFound):
			consumed = VerificationNotVerified
			return nil
		default:
			return oops.Code("AUTH_VERIFICATION_CONSUME_FAILED").
				With("operation", "consume record").
				With("verification_id", record.ID.String()).
				Wrap(err)
		}
	})
	if err != nil {
		return VerificationNotVerified, oops.Code("AUTH_VERIFICATION_CONSUME_FAILED").
			With("user_id", userID.String()).
			With("kind", string(kind)).
			Wrap(err)
	}
	if consumed == VerificationVerified {
		s.opts.logger.InfoContext(ctx, "verification consumed",
			"user_id", userID.String(),
			"kind", string(kind),
			"status", status.String())
	}
	return consumed, nil
}

// Request generates a token and hands it to the configured Notifier.
func (s *VerificationStore) Request(ctx context.Context, userID ulid.ULID, emailAddress string, kind VerificationKind) (*VerificationToken, error) {
	if s.opts.notifier == nil {
		return nil, oops.Code("AUTH_NOTIFIER_MISSING").Errorf("no notifier configured")
	}
	acct, err := s.accounts.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, userNotFound(userID)
		}
		return nil, oops.Code("AUTH_VERIFICATION_REQUEST_FAILED").
			With("operation", "get account").
			With("user_id", userID.String()).
			Wrap(err)
	}
	tok, err := s.Generate(ctx, userID, emailAddress, kind)
	if err != nil {
		return nil, err
	}
	notice := VerificationNotice{
		UserID:       userID,
		Username:     acct.Username,
		EmailAddress: tok.EmailAddress,
		Kind:         kind,
		Token:        tok.Token,
		Pepper:       tok.Pepper,
		ExpiresAt:    tok.ExpirationDate,
	}
	if err := s.opts.notifier.NotifyVerification(ctx, notice); err != nil {
		return nil, oops.Code("AUTH_VERIFICATION_NOTIFY_FAILED").
			With("user_id", userID.String()).
			With("kind", string(kind)).
			Wrap(err)
	}
	return tok, nil
}

// PurgeExpired deletes records that expired more than retention ago.
func (s *VerificationStore) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		return 0, invalidInput("retention", "retention cannot be negative")
	}
	cutoff := s.opts.clock.Now().Add(-retention)
	n, err := s.records.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, oops.Code("AUTH_VERIFICATION_PURGE_FAILED").
			With("cutoff", cutoff).
			Wrap(err)
	}
	return n, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, oops.Code("AUTH_RANDOM_FAILED").Wrap(err)
	}
	return b, nil
}
