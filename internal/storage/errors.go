package storage

import "errors"

var (
	// ErrNotFound is returned by Retrieve and Remove for absent keys. Callers
	// never see badger.ErrKeyNotFound.
	ErrNotFound = errors.New("key not found")

	// ErrAlreadyExists is returned by Insert when the key is taken.
	ErrAlreadyExists = errors.New("key already exists")

	// ErrConflict is returned by Update when its transaction kept losing to
	// concurrent writers.
	ErrConflict = errors.New("transaction conflict")
)
