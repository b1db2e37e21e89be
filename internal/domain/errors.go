package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrEmptyInput        = errors.New("empty input")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotReady          = errors.New("result not ready")
	ErrCorruptResult     = errors.New("stored result is corrupt")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrNoJobAvailable    = errors.New("no job available")
)
