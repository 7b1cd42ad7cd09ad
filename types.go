package bookdesk

import (
	"errors"
)

var ErrNotFound = errors.New("Query no results")
var ErrDuplicate = errors.New("Duplicate key")

// errors surfaced by the identity backend
var (
	ErrEmailInUse       = errors.New("email already in use")
	ErrWrongPassword    = errors.New("wrong password")
	ErrUserNotFound     = errors.New("user not found")
	ErrEmptyCredentials = errors.New("Email and password must not be empty.")
	ErrWeakPassword     = errors.New("password too weak")
	ErrInvalidToken     = errors.New("invalid or expired token")
)

// errors returned when validating listing input
var (
	ErrEmptyName    = errors.New("name must not be empty")
	ErrInvalidISBN  = errors.New("invalid isbn")
	ErrInvalidPrice = errors.New("invalid price")
	ErrNoOwner      = errors.New("listing needs an owner")
)

// IsCredentialError reports whether err means the supplied credentials were
// rejected, as opposed to the identity backend failing.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrWrongPassword) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrEmptyCredentials)
}
