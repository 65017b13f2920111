// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// ErrNotFound is returned by repositories when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by repositories when a conditional update lost
// against a concurrent writer.
var ErrConflict = errors.New("concurrent modification")

// ErrStatusChanged is returned by VerificationRepository.Consume when the
// account status changed since it was read.
var ErrStatusChanged = errors.New("account status changed")

// Error codes attached to domain failures.
const (
	CodeUserNotFound          = "AUTH_USER_NOT_FOUND"
	CodeTooRecentChange       = "AUTH_PASSWORD_TOO_RECENT"
	CodeIdenticalPassword     = "AUTH_PASSWORD_IDENTICAL"
	CodeVerificationTooRecent = "AUTH_VERIFICATION_TOO_RECENT"
	CodeInvalidInput          = "AUTH_INVALID_INPUT"
	CodeEmptyPassword         = "AUTH_EMPTY_PASSWORD"
	CodeUnknownHashVersion    = "AUTH_UNKNOWN_HASH_VERSION"
	CodeInvalidAccountState   = "AUTH_INVALID_ACCOUNT_STATE"
)

// ErrorKind classifies domain failures for callers that map them to responses.
type ErrorKind int

// Error kinds.
const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindPolicyViolation
	KindInvalidInput
	KindInvalidAccountState
)

var kindNames = map[ErrorKind]string{
	KindInternal:            "internal",
	KindNotFound:            "not_found",
	KindPolicyViolation:     "policy_violation",
	KindInvalidInput:        "invalid_input",
	KindInvalidAccountState: "invalid_account_state",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

var kindByCode = map[string]ErrorKind{
	CodeUserNotFound:          KindNotFound,
	CodeTooRecentChange:       KindPolicyViolation,
	CodeIdenticalPassword:     KindPolicyViolation,
	CodeVerificationTooRecent: KindPolicyViolation,
	CodeInvalidInput:          KindInvalidInput,
	CodeEmptyPassword:         KindInvalidInput,
	CodeUnknownHashVersion:    KindInvalidInput,
	CodeInvalidAccountState:   KindInvalidAccountState,
}

// KindOf reports the taxonomy kind of err. Errors that carry no domain
// code are KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return KindInternal
	}
	if kind, ok := kindByCode[fmt.Sprint(oopsErr.Code())]; ok {
		return kind
	}
	return KindInternal
}

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code(CodeEmptyPassword).Errorf("password cannot be empty")

func userNotFound(userID ulid.ULID) error {
	return oops.Code(CodeUserNotFound).
		With("user_id", userID.String()).
		Errorf("user not found")
}

func invalidInput(field, format string, args ...any) error {
	return oops.Code(CodeInvalidInput).
		With("field", field).
		Errorf(format, args...)
}
