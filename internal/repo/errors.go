package repo

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress indicates the recipient address is not a
	// well-formed ledger address.
	ErrInvalidAddress = errors.New("invalid recipient address")

	// ErrStorageUnavailable wraps underlying storage failures. Callers
	// must not assume partial writes occurred.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound indicates no deposit matched the given identifier.
	ErrNotFound = errors.New("deposit not found")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStorageUnavailable, err))
}
