// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Conditional writes that lose against a concurrent status change are
// retried from a fresh read of the account.
const (
	statusRetries   = 5
	statusRetryBase = 5 * time.Millisecond
)

func statusRetryBackoff() retry.Backoff {
	return retry.WithMaxRetries(statusRetries, retry.NewExponential(statusRetryBase))
}
