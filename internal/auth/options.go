// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package auth

import (
	"log/slog"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// Metrics records authentication outcomes. Labels are plain strings so
// implementations need not import this package.
type Metrics interface {
	SignIn(outcome string)
	Verification(kind, outcome string)
	RehashFailed()
	EventLogFailed()
}

type noopMetrics struct{}

func (noopMetrics) SignIn(string)               {}
func (noopMetrics) Verification(string, string) {}
func (noopMetrics) RehashFailed()               {}
func (noopMetrics) EventLogFailed()             {}

type options struct {
	clock    Clock
	logger   *slog.Logger
	metrics  Metrics
	notifier Notifier
}

func defaultOptions() options {
	return options{
		clock:   SystemClock,
		logger:  slog.Default(),
		metrics: noopMetrics{},
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Option configures a store or service.
type Option func(*options)

// WithClock injects the clock used for every "now".
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the outcome recorder.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithNotifier sets the notifier used by VerificationStore.Request.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}
