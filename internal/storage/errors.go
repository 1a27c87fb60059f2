package storage

import "errors"

// Common storage errors
var (
	ErrNotFound       = errors.New("record not found")
	ErrAlreadyExists  = errors.New("record already exists")
	ErrStatusConflict = errors.New("session status changed concurrently")
)
