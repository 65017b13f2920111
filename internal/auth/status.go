// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"fmt"

	"github.com/samber/oops"
)

// Status is the externally visible account status.
type Status int

// Account statuses.
const (
	StatusOK Status = iota
	StatusEmailUnverified
	StatusPasswordChangeRequired
	StatusEmailUnverifiedAndPasswordChangeRequired
	StatusSuspended
)

var statusNames = [...]string{
	StatusOK:                     "ok",
	StatusEmailUnverified:        "email_unverified",
	StatusPasswordChangeRequired: "password_change_required",
	StatusEmailUnverifiedAndPasswordChangeRequired: "email_unverified_and_password_change_required",
	StatusSuspended: "suspended",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus parses the string form produced by Status.String.
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	return 0, oops.Code(CodeInvalidInput).With("status", s).Errorf("unknown account status %q", s)
}

// AccountStatus holds the independent status flags of an account.
// Suspended is absorbing: once set, the account reports StatusSuspended
// and no verification transition changes it.
type AccountStatus struct {
	EmailUnverified        bool
	PasswordChangeRequired bool
	Suspended              bool
}

// Status collapses the flags into the five-value enumeration.
func (a AccountStatus) Status() Status {
	switch {
	case a.Suspended:
		return StatusSuspended
	case a.EmailUnverified && a.PasswordChangeRequired:
		return StatusEmailUnverifiedAndPasswordChangeRequired
	case a.EmailUnverified:
		return StatusEmailUnverified
	case a.PasswordChangeRequired:
		return StatusPasswordChangeRequired
	default:
		return StatusOK
	}
}

func (a AccountStatus) String() string {
	return a.Status().String()
}

// StatusFlags expands an enumerated status into flags. StatusSuspended
// expands to only the Suspended flag because the enumeration does not
// carry the underlying flags.
func StatusFlags(s Status) (AccountStatus, error) {
	switch s {
	case StatusOK:
		return AccountStatus{}, nil
	case StatusEmailUnverified:
		return AccountStatus{EmailUnverified: true}, nil
	case StatusPasswordChangeRequired:
		return AccountStatus{PasswordChangeRequired: true}, nil
	case StatusEmailUnverifiedAndPasswordChangeRequired:
		return AccountStatus{EmailUnverified: true, PasswordChangeRequired: true}, nil
	case StatusSuspended:
		return AccountStatus{Suspended: true}, nil
	default:
		return AccountStatus{}, oops.Code(CodeInvalidInput).
			With("status", int(s)).
			Errorf("unknown account status %d", int(s))
	}
}

// Apply returns the status after a successful verification of kind.
func (a AccountStatus) Apply(kind VerificationKind) AccountStatus {
	if a.Suspended {
		return a
	}
	switch kind {
	case VerificationEmail:
		a.EmailUnverified = false
	case VerificationPasswordReset:
		a.PasswordChangeRequired = false
	}
	return a
}

// ApplyVerification is the verification state machine.
func ApplyVerification(current AccountStatus, kind VerificationKind) AccountStatus {
	return current.Apply(kind)
}
