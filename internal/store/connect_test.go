// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authkeep/authkeep/pkg/errutil"
)

type flakyPinger struct {
	failures int
	calls    int
}

func (p *flakyPinger) Ping(context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestWaitReady_SucceedsAfterFailures(t *testing.T) {
	p := &flakyPinger{failures: 2}
	err := WaitReady(context.Background(), p, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls)
}

func TestWaitReady_GivesUpAfterAttempts(t *testing.T) {
	p := &flakyPinger{failures: 100}
	err := WaitReady(context.Background(), p, 3, time.Millisecond)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "DB_CONNECT_FAILED")
	errutil.AssertErrorContext(t, err, "attempts", 3)
	assert.Equal(t, 3, p.calls)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWaitReady_SingleAttemptWhenUnset(t *testing.T) {
	p := &flakyPinger{failures: 1}
	err := WaitReady(context.Background(), p, 0, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestWaitReady_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &flakyPinger{failures: 100}
	err := WaitReady(ctx, p, 10, time.Second)
	require.Error(t, err)
	assert.LessOrEqual(t, p.calls, 1)
}

func TestConnect_InvalidDSN(t *testing.T) {
	_, err := Connect(context.Background(), "postgres://%zz", DefaultPoolConfig())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "DB_CONFIG_INVALID")
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, uint64(5), cfg.ConnectAttempts)
	assert.Positive(t, cfg.ConnectBackoff)
}
