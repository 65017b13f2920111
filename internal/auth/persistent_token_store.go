// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/authkeep/authkeep/pkg/errutil"
)

// TokenPolicy configures remember-me tokens.
type TokenPolicy struct {
	MaxTokenAge time.Duration
}

// TokenOutcome is the result of PersistentTokenStore.Verify.
type TokenOutcome int

// Persistent token verification outcomes.
const (
	TokenNotAvailable TokenOutcome = iota
	TokenNotVerified
	TokenVerified
)

func (o TokenOutcome) String() string {
	switch o {
	case TokenNotVerified:
		return "not_verified"
	case TokenVerified:
		return "verified"
	default:
		return "not_available"
	}
}

// PersistentTokenStore issues and verifies remember-me tokens.
type PersistentTokenStore struct {
	accounts AccountRepository
	hasher   PasswordHasher
	policy   TokenPolicy
	opts     options
}

// NewPersistentTokenStore creates a PersistentTokenStore.
func NewPersistentTokenStore(accounts AccountRepository, hasher PasswordHasher, policy TokenPolicy, opts ...Option) (*PersistentTokenStore, error) {
	if accounts == nil {
		return nil, oops.Errorf("account repository is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if policy.MaxTokenAge <= 0 {
		return nil, oops.Code(CodeInvalidInput).Errorf("max token age must be positive")
	}
	return &PersistentTokenStore{
		accounts: accounts,
		hasher:   hasher,
		policy:   policy,
		opts:     applyOptions(opts),
	}, nil
}

func (s *PersistentTokenStore) account(ctx context.Context, userID ulid.ULID) (*Account, error) {
	acct, err := s.accounts.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, userNotFound(userID)
		}
		return nil, oops.Code("AUTH_TOKEN_STORE_FAILED").
			With("operation", "get account").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return acct, nil
}

// Issue stores a token for clientID, replacing any previous token for the
// same client and pruning expired tokens. It returns the expiration date.
func (s *PersistentTokenStore) Issue(ctx context.Context, userID ulid.ULID, clientID, clientToken string) (time.Time, error) {
	if strings.TrimSpace(clientID) == "" {
		return time.Time{}, invalidInput("client_id", "client id cannot be empty")
	}
	if clientToken == "" {
		return time.Time{}, invalidInput("client_token", "client token cannot be empty")
	}
	acct, err := s.account(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	return s.issueFor(ctx, acct, clientID, clientToken)
}

func (s *PersistentTokenStore) issueFor(ctx context.Context, acct *Account, clientID, clientToken string) (time.Time, error) {
	if acct.Password == nil {
		return time.Time{}, oops.Code(CodeInvalidAccountState).
			With("user_id", acct.ID.String()).
			Errorf("account has no password on file")
	}
	hashed, err := s.hasher.Hash(clientID+clientToken, nil, "")
	if err != nil {
		return time.Time{}, oops.Code("AUTH_TOKEN_ISSUE_FAILED").
			With("operation", "hash token").
			Wrap(err)
	}
	now := s.opts.clock.Now()
	token := PersistentToken{
		ClientID:       clientID,
		Hash:           hashed.Hash,
		Salt:           hashed.Salt,
		Version:        hashed.Version,
		ExpirationDate: now.Add(s.policy.MaxTokenAge),
	}
	if err := s.accounts.UpsertPersistentToken(ctx, acct.ID, token, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return time.Time{}, userNotFound(acct.ID)
		}
		return time.Time{}, oops.Code("AUTH_TOKEN_ISSUE_FAILED").
			With("operation", "upsert token").
			With("user_id", acct.ID.String()).
			Wrap(err)
	}
	return token.ExpirationDate, nil
}

// Verify checks clientToken against the token stored for clientID.
// Expired tokens are pruned whatever the outcome.
func (s *PersistentTokenStore) Verify(ctx context.Context, userID ulid.ULID, clientID, clientToken string) (TokenOutcome, error) {
	acct, err := s.account(ctx, userID)
	if err != nil {
		return TokenNotAvailable, err
	}
	now := s.opts.clock.Now()
	if acct.hasExpiredTokensAt(now) {
		defer s.prune(ctx, userID, now)
	}

	tok, ok := acct.activeToken(clientID, now)
	if !ok {
		return TokenNotAvailable, nil
	}
	res, err := s.hasher.Verify(tok.Version, tok.Salt, tok.Hash, clientID+clientToken)
	if err != nil {
		return TokenNotVerified, oops.Code("AUTH_TOKEN_VERIFY_FAILED").
			With("user_id", userID.String()).
			With("client_id", clientID).
			Wrap(err)
	}
	if res == HashNotVerified {
		return TokenNotVerified, nil
	}
	return TokenVerified, nil
}

func (s *PersistentTokenStore) prune(ctx context.Context, userID ulid.ULID, now time.Time) {
	n, err := s.accounts.PrunePersistentTokens(ctx, userID, now)
	if err != nil {
		errutil.LogError(ctx, s.opts.logger, "prune persistent tokens failed", oops.
			With("user_id", userID.String()).
			Wrap(err))
		return
	}
	if n > 0 {
		s.opts.logger.DebugContext(ctx, "pruned expired persistent tokens",
			"user_id", userID.String(), "count", n)
	}
}
