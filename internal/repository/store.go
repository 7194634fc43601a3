package repository

import "neurax/internal/domain"

var (
	// ErrSessionNotFound is returned when a session key is not present in a store.
	ErrSessionNotFound = domain.ErrSessionNotFound
	// ErrSessionExists is returned by Rename when the target key is already taken.
	ErrSessionExists = domain.ErrSessionExists
)
