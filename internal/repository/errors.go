package repository

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a uniqueness constraint would be violated.
var ErrConflict = errors.New("repository: conflict")

// ConflictError names the field that collided.
type ConflictError struct {
	Field string
	Value string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q is already in use", e.Field, e.Value)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
