package storage

import "github.com/vireclass/attendd/internal/storage/badgerkv"

// Version is the opaque CAS cookie returned on read, accepted on a
// conditional write, per spec.md §6.
type Version = badgerkv.Version

// Re-exported sentinel errors so callers outside this package never need
// to import badgerkv directly.
var (
	ErrNotFound      = badgerkv.ErrNotFound
	ErrConflict      = badgerkv.ErrConflict
	ErrAlreadyExists = badgerkv.ErrAlreadyExists
)
