package store

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrClosed        = errors.New("store is closed")
	ErrCorruptValue  = errors.New("corrupt stored value")
)
