package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicatePath        = errors.New("path already exists for this user")
	ErrInvalidPath          = errors.New("invalid path")
	ErrDuplicateEmail       = errors.New("email already registered")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrAuthenticationFailed = errors.New("authentication failed")
)
