package domain

import (
	"errors"
	"fmt"
)

// Record is one corpus line: a position and its white-relative engine score.
type Record struct {
	Fen        string
	Centipawns int
}

var ErrFormat = errors.New("format error")

// FormatError reports a position string or corpus line that cannot be decoded.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error: %v: %q", e.Reason, e.Input)
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

func NewFormatError(input, reason string) *FormatError {
	return &FormatError{Input: input, Reason: reason}
}
