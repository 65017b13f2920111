// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/authkeep/authkeep/pkg/errutil"
)

// DefaultMaxPasswordAttempts is the lockout threshold when none is configured.
const DefaultMaxPasswordAttempts = 10

// clientTokenLength is the size in bytes of server-generated remember-me secrets.
const clientTokenLength = 32

// SignInPolicy configures sign-in lockout.
type SignInPolicy struct {
	// MaxPasswordAttempts is the number of attempts allowed within the
	// counter's window. The next attempt is locked out.
	MaxPasswordAttempts int64
}

// SignInOutcome is the final authentication decision.
type SignInOutcome int

// Sign-in outcomes.
const (
	NotAuthenticated SignInOutcome = iota
	Authenticated
	PasswordExpired
	LockedOut
	Suspended
)

var signInOutcomeNames = [...]string{
	NotAuthenticated: "not_authenticated",
	Authenticated:    "authenticated",
	PasswordExpired:  "password_expired",
	LockedOut:        "locked_out",
	Suspended:        "suspended",
}

func (o SignInOutcome) String() string {
	if o >= 0 && int(o) < len(signInOutcomeNames) {
		return signInOutcomeNames[o]
	}
	return fmt.Sprintf("SignInOutcome(%d)", int(o))
}

// ParseSignInOutcome parses the string form produced by SignInOutcome.String.
func ParseSignInOutcome(s string) (SignInOutcome, error) {
	for i, name := range signInOutcomeNames {
		if name == s {
			return SignInOutcome(i), nil
		}
	}
	return 0, invalidInput("outcome", "unknown sign-in outcome %q", s)
}

// SignInRequest carries one sign-in attempt.
type SignInRequest struct {
	UserID     ulid.ULID
	Password   string
	RememberMe bool
	// ClientID identifies the remembered device. Generated when empty.
	ClientID string
	Client   RequestContext
}

// IssuedPersistentToken is a freshly issued remember-me token. ClientToken
// is shown once and never stored in plaintext.
type IssuedPersistentToken struct {
	ClientID    string
	ClientToken string
	ExpiresAt   time.Time
}

// SignInResult is the outcome of SignIn plus any tokens issued.
type SignInResult struct {
	Outcome         SignInOutcome
	AccountID       ulid.ULID
	SessionToken    string
	PersistentToken *IssuedPersistentToken
}

// SignInService composes the stores and collaborators into a single
// authentication decision.
type SignInService struct {
	accounts  AccountRepository
	passwords *PasswordStore
	tokens    *PersistentTokenStore
	counter   Counter
	sessions  SessionIssuer
	events    EventLog
	policy    SignInPolicy
	opts      options
}

// SignInDeps groups the collaborators of SignInService.
type SignInDeps struct {
	Accounts  AccountRepository
	Passwords *PasswordStore
	Tokens    *PersistentTokenStore
	Counter   Counter
	Sessions  SessionIssuer
	Events    EventLog
}

// NewSignInService creates a SignInService.
func NewSignInService(deps SignInDeps, policy SignInPolicy, opts ...Option) (*SignInService, error) {
	switch {
	case deps.Accounts == nil:
		return nil, oops.Errorf("account repository is required")
	case deps.Passwords == nil:
		return nil, oops.Errorf("password store is required")
	case deps.Tokens == nil:
		return nil, oops.Errorf("persistent token store is required")
	case deps.Counter == nil:
		return nil, oops.Errorf("attempt counter is required")
	case deps.Sessions == nil:
		return nil, oops.Errorf("session issuer is required")
	case deps.Events == nil:
		return nil, oops.Errorf("event log is required")
	}
	if policy.MaxPasswordAttempts <= 0 {
		policy.MaxPasswordAttempts = DefaultMaxPasswordAttempts
	}
	return &SignInService{
		accounts:  deps.Accounts,
		passwords: deps.Passwords,
		tokens:    deps.Tokens,
		counter:   deps.Counter,
		sessions:  deps.Sessions,
		events:    deps.Events,
		policy:    policy,
		opts:      applyOptions(opts),
	}, nil
}

// AttemptKey is the counter key for sign-in attempts against an account.
func AttemptKey(id ulid.ULID) string {
	return "signin:attempts:" + id.String()
}

// SignIn authenticates req and records the decision. Errors are returned
// only for infrastructure failures; a wrong password or unknown account is
// a NotAuthenticated result.
func (s *SignInService) SignIn(ctx context.Context, req SignInRequest) (_ *SignInResult, err error) {
	ctx, span := tracer.Start(ctx, "signin",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID.String()),
			attribute.Bool("signin.remember_me", req.RememberMe),
		),
	)
	result := &SignInResult{Outcome: NotAuthenticated}
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("signin.outcome", result.Outcome.String()))
			s.opts.metrics.SignIn(result.Outcome.String())
		}
		span.End()
	}()

	acct, err := s.accounts.GetByID(ctx, req.UserID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, oops.Code("AUTH_SIGNIN_FAILED").
				With("operation", "get account").
				With("user_id", req.UserID.String()).
				Wrap(err)
		}
		s.passwords.dummyVerify(req.Password)
		s.record(ctx, req, nil, result.Outcome)
		return result, nil
	}
	result.AccountID = acct.ID

	checked, err := s.decide(ctx, req, acct, result)
	if err != nil {
		if checked {
			s.record(ctx, req, &acct.ID, result.Outcome)
		}
		return nil, err
	}
	s.record(ctx, req, &acct.ID, result.Outcome)
	return result, nil
}

// decide fills result for acct. checked reports whether the password was
// verified, so that a later failure still leaves an authentication event.
func (s *SignInService) decide(ctx context.Context, req SignInRequest, acct *Account, result *SignInResult) (checked bool, err error) {
	if acct.Status.Suspended {
		result.Outcome = Suspended
		return false, nil
	}

	attempts, err := s.counter.Increment(ctx, AttemptKey(acct.ID))
	if err != nil {
		return false, oops.Code("AUTH_SIGNIN_FAILED").
			With("operation", "increment attempts").
			With("user_id", acct.ID.String()).
			Wrap(err)
	}
	if attempts > s.policy.MaxPasswordAttempts {
		result.Outcome = LockedOut
		return false, nil
	}

	verified, err := s.passwords.verifyAccount(ctx, acct, req.Password)
	if err != nil {
		return false, oops.Code("AUTH_SIGNIN_FAILED").
			With("operation", "verify password").
			Wrap(err)
	}
	switch {
	case verified == PasswordNotVerified:
		result.Outcome = NotAuthenticated
		return true, nil
	case verified == PasswordVerifiedButExpired, acct.Status.PasswordChangeRequired:
		result.Outcome = PasswordExpired
	default:
		result.Outcome = Authenticated
	}

	session, err := s.sessions.Issue(ctx, acct.ID, sessionSnapshot(acct))
	if err != nil {
		return true, oops.Code("AUTH_SIGNIN_FAILED").
			With("operation", "issue session").
			With("user_id", acct.ID.String()).
			With("outcome", result.Outcome.String()).
			Wrap(err)
	}
	result.SessionToken = session

	if result.Outcome == Authenticated && req.RememberMe {
		issued, err := s.issuePersistent(ctx, acct, req.ClientID)
		if err != nil {
			return true, err
		}
		result.PersistentToken = issued
	}
	return true, nil
}

func (s *SignInService) issuePersistent(ctx context.Context, acct *Account, clientID string) (*IssuedPersistentToken, error) {
	if clientID == "" {
		clientID = ulid.Make().String()
	}
	secret, err := randomBytes(clientTokenLength)
	if err != nil {
		return nil, err
	}
	clientToken := tokenEncoding.EncodeToString(secret)
	expires, err := s.tokens.issueFor(ctx, acct, clientID, clientToken)
	if err != nil {
		return nil, oops.Code("AUTH_SIGNIN_FAILED").
			With("operation", "issue persistent token").
			Wrap(err)
	}
	return &IssuedPersistentToken{
		ClientID:    clientID,
		ClientToken: clientToken,
		ExpiresAt:   expires,
	}, nil
}

// record appends the authentication event. Failures are logged and counted.
func (s *SignInService) record(ctx context.Context, req SignInRequest, accountID *ulid.ULID, outcome SignInOutcome) {
	event := &AuthenticationEvent{
		ID:          ulid.Make(),
		AccountID:   accountID,
		Outcome:     outcome,
		Fingerprint: req.Client.Fingerprint(req.ClientID),
		OccurredAt:  s.opts.clock.Now(),
	}
	if err := s.events.Append(ctx, event); err != nil {
		s.opts.metrics.EventLogFailed()
		errutil.LogError(ctx, s.opts.logger, "append authentication event failed", oops.
			With("event_id", event.ID.String()).
			With("outcome", outcome.String()).
			Wrap(err))
	}
}

// sessionSnapshot strips credentials before the account leaves this package.
func sessionSnapshot(acct *Account) Account {
	snap := *acct
	snap.Password = nil
	snap.PersistentTokens = nil
	return snap
}
