// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

// Package session issues signed session tokens for authenticated accounts.
package session

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/authkeep/authkeep/internal/auth"
)

// MinSecretLength is the minimum HS256 key size in bytes.
const MinSecretLength = 32

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 12 * time.Hour

// Claims are the session token claims.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	// Status is the account status at issue time, for example "password_change_required".
	Status string `json:"status"`
}

// JWTIssuer implements auth.SessionIssuer with HS256 tokens.
type JWTIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  auth.Clock
}

// NewJWTIssuer creates a JWTIssuer. A nil clock uses auth.SystemClock.
func NewJWTIssuer(secret []byte, issuer string, ttl time.Duration, clock auth.Clock) (*JWTIssuer, error) {
	if len(secret) < MinSecretLength {
		return nil, oops.Code("SESSION_SECRET_TOO_SHORT").
			With("min_length", MinSecretLength).
			Errorf("session secret must be at least %d bytes", MinSecretLength)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = auth.SystemClock
	}
	return &JWTIssuer{secret: secret, issuer: issuer, ttl: ttl, clock: clock}, nil
}

// Issue signs a session token for userID.
func (i *JWTIssuer) Issue(_ context.Context, userID ulid.ULID, account auth.Account) (string, error) {
	now := i.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Issuer:    i.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Username: account.Username,
		Status:   account.Status.String(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", oops.Code("SESSION_SIGN_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return signed, nil
}

// Parse validates token and returns its claims.
func (i *JWTIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID").Wrap(err)
	}
	if !parsed.Valid {
		return nil, oops.Code("SESSION_INVALID").Errorf("session token is not valid")
	}
	return claims, nil
}

var _ auth.SessionIssuer = (*JWTIssuer)(nil)
