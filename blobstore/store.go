// Package blobstore implements the blob contracts the registry core
// stores crate archives and toolchain archives through. Blobs are keyed
// by name and version (toolchain archives by date and filename), not by
// content: Put returns the checksum of what was actually written, Get
// returns the bytes or a not-found error, and Delete is idempotent. The store is never transactional with the database; the
// registry core compensates by deleting newly-written blobs on a
// failed publish and logging (never auto-retrying) an orphan left
// behind by a failed delete.
package blobstore

import "context"

// Store is the capability every blob-store backend implements.
// original_name is the crate's un-normalized name and version its
// semver string; backends key blobs by (original_name, version) and
// are free to choose any internal layout.
type Store interface {
	// Put writes bytes under (originalName, version) and returns the
	// hex-encoded SHA-256 of the stored content. Callers that already
	// know the expected checksum compare it against the return value
	// and treat a mismatch as an integrity failure.
	Put(ctx context.Context, originalName, version string, data []byte) (cksum string, err error)
	// Get returns the stored bytes, or a kellnrerr NotFound error if
	// nothing has been put under (originalName, version).
	Get(ctx context.Context, originalName, version string) ([]byte, error)
	// Delete removes the blob at (originalName, version). Deleting a
	// blob that does not exist is not an error.
	Delete(ctx context.Context, originalName, version string) error
}
