// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage implements the C1 storage backend: a small
// key/stream interface with a local-filesystem driver and an
// S3-compatible object-store driver behind it. Every write is atomic
// — a reader never observes a partially written object.
package storage

import (
	"context"
	"io"
)

// Backend is the storage contract shared by the local and S3 drivers.
// Every method is safe for concurrent use by multiple callers.
type Backend interface {
	// Put writes all of r under key. On return, either the full
	// object is visible to Get/List or none of it is — a caller that
	// observes a Put in progress via List never sees a partial
	// object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens key for reading. Returns a *errs.Error with Kind
	// errs.NotFound if key does not exist. The caller must Close the
	// returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns every key with the given prefix, in lexicographic
	// order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}
