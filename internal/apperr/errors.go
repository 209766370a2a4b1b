package apperr

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidNode      = errors.New("invalid node")
	ErrQueryFailed      = errors.New("query failed")
	ErrClosed           = errors.New("closed")
	ErrTooManyTables    = errors.New("too many tables")
	ErrEncodingMismatch = errors.New("encoding mismatch")
)
