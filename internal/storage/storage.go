// Package storage defines the object store that audit archive batches are
// written to.
//
// Backends register themselves with the factory from an init function in
// their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return New(&cfg.Storage.MyBackend)
//	    })
//	}
//
// The server imports each backend with a blank import to trigger init.
package storage

import (
	"context"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Storage is a write-once object store. Archive objects are never updated
// after they are written, so the interface has no read or delete path.
type Storage interface {
	// Put writes body under key. Writing an existing key replaces it.
	Put(ctx context.Context, key string, body []byte, contentType string) (*PutResult, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases the backend's client resources.
	Close() error
}

// PutResult describes a stored object.
type PutResult struct {
	Key      string
	Size     int64
	Checksum string
}

// ChecksumMetadataKey is the object metadata key carrying Checksum.
const ChecksumMetadataKey = "blake3"

// Checksum returns the hex BLAKE3 digest stored alongside each object.
func Checksum(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}
