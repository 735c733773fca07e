package apperrors

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("invalid request")
	ErrInvalidState      = errors.New("migration is not in a state that allows this change")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptySheet        = errors.New("sheet has no header row")
	ErrInvalidEntityType = errors.New("invalid migration entity type")
	ErrUnknownSource     = errors.New("unknown source system")
)
