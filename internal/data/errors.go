package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrUserAccessNotFound is returned when no access row exists for a subject.
	ErrUserAccessNotFound = errors.New("user access not found")
	// ErrUserIDRequired is returned when a repository call omits the subject id.
	ErrUserIDRequired = errors.New("user_id is required")
	// ErrInvalidRole is returned when a grant names an unknown role.
	ErrInvalidRole = errors.New("role must be basic_user, premium_user or admin")
)
