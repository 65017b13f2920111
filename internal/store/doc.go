// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

// Package store owns the PostgreSQL schema and connection pool shared by
// the authkeep repositories.
package store
