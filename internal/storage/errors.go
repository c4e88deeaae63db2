package storage

import "errors"

var (
	// ErrInvalidKey is returned for keys outside 1..250 bytes. The parser
	// validates keys too; this is a second check at the storage seam.
	ErrInvalidKey = errors.New("invalid key")

	// ErrCorruption is returned when a stored record cannot be decoded.
	ErrCorruption = errors.New("corrupt record")

	// ErrNotFound is returned by read-modify-write operations when the key
	// is missing or expired. Plain reads report a miss as a nil value.
	ErrNotFound = errors.New("not found")

	ErrNonNumeric = errors.New("cannot increment or decrement non-numeric value")
	ErrOverflow   = errors.New("increment or decrement overflow")
)
