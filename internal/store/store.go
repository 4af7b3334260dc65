// Package store persists users, their credentials, and their file structure
// blobs. The RPC server is the only component that talks to a Store; the
// gateway reaches it over the pool.
package store

import (
	"context"
	"errors"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound = errors.New("user not found")
	ErrExists   = errors.New("user already exists")
)

// User is one registered identity. Salt and Digest are the credential
// material produced by the auth package; the id is assigned by the store and
// names the user's on-disk directory.
type User struct {
	ID     int
	Email  string
	Salt   []byte
	Digest string
}

// Store is the backing storage for users and file structures. Implementations
// do not need to be concurrency-safe: the RPC server serialises every call
// under its own write lock.
type Store interface {
	// AddUser inserts a new user and returns the assigned id. ErrExists if
	// the email is taken.
	AddUser(ctx context.Context, email string, salt []byte, digest string) (int, error)

	// UserByEmail returns the user record. ErrNotFound if absent. Email
	// matching is case-sensitive.
	UserByEmail(ctx context.Context, email string) (*User, error)

	// SetFilesStruct replaces the user's file structure blob.
	SetFilesStruct(ctx context.Context, userID int, blob []byte) error

	// FilesStruct returns the user's file structure blob. A user who has
	// never stored one gets a nil blob, not an error.
	FilesStruct(ctx context.Context, userID int) ([]byte, error)

	// AllUsers lists every user in id order.
	AllUsers(ctx context.Context) ([]User, error)

	// Close releases the underlying storage.
	Close() error
}
