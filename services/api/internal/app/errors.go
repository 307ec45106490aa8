package app

import "errors"

var (
	// ErrForbidden is returned when the caller lacks the role or the account is inactive.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidRequest marks request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUserNotFound is returned by admin operations on unknown users.
	ErrUserNotFound = errors.New("user not found")
)
