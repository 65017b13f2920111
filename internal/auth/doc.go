// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

// Package auth is the credential and token lifecycle engine.
//
// # Stores
//
// Each store validates its dependencies in its New* constructor:
//   - PasswordStore - saves and verifies passwords, rehashing on verify
//     when the stored hash version is no longer current
//   - PersistentTokenStore - issues and verifies remember-me tokens
//   - VerificationStore - issues and consumes email-verification and
//     password-reset tokens
//
// SignInService composes the stores with an attempt Counter, a
// SessionIssuer and an EventLog into a single SignInOutcome.
//
// # Persistence
//
// AccountRepository and VerificationRepository are implemented in
// internal/auth/postgres. Every mutation is a conditional update so
// concurrent requests for one account cannot interleave; a lost update
// surfaces as ErrConflict.
//
// # Errors
//
// Failures are oops errors carrying a code. KindOf maps a code to the
// ErrorKind taxonomy callers use to build responses.
package auth
