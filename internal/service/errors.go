package service

import (
	"errors"
	"fmt"

	"flagsync/internal/repository"
)

var (
	ErrTypeMismatch            = errors.New("trait value is not an integer")
	ErrTraitNotFound           = errors.New("trait not found")
	ErrIdentityNotFound        = errors.New("identity not found")
	ErrFeatureNotFound         = errors.New("feature not found")
	ErrVersionNotFound         = errors.New("version not found")
	ErrNoLiveVersion           = errors.New("no version is live")
	ErrVersionAlreadyPublished = repository.ErrVersionAlreadyPublished
	ErrRequired                = errors.New("this field is required")
	ErrTooLong                 = errors.New("field is too long")
)

// FieldError ties a validation failure to a request field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

func fieldErr(field string, err error) error {
	return &FieldError{Field: field, Err: err}
}
