package format

import "errors"

var (
	// ErrMisaligned indicates an address or size violated the required alignment.
	ErrMisaligned = errors.New("format: misaligned address")
	// ErrOutOfRange indicates an address fell outside the structure it was looked up in.
	ErrOutOfRange = errors.New("format: address out of range")
)
