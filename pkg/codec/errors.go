package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when a container does not have the expected shape
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownDiscriminator is returned for a discriminator outside the known enumeration
	ErrUnknownDiscriminator = errors.New("unknown discriminator")
)

// DecodeError describes why a message could not be decoded.
// Decode errors are never fatal: the caller drops the message and continues.
type DecodeError struct {
	Stage         string
	Discriminator int32
	Err           error
}

func (e *DecodeError) Error() string {
	if e.Discriminator != 0 {
		return fmt.Sprintf("decode %s (discriminator %d): %v", e.Stage, e.Discriminator, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(stage string, disc int32, err error) *DecodeError {
	return &DecodeError{Stage: stage, Discriminator: disc, Err: err}
}

func malformed(stage, format string, args ...interface{}) *DecodeError {
	return decodeErr(stage, 0, fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...)))
}

// IsUnknownDiscriminator reports whether err was caused by a discriminator
// this build does not know. Consumers may skip such messages.
func IsUnknownDiscriminator(err error) bool {
	return errors.Is(err, ErrUnknownDiscriminator)
}
