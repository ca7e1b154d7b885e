package turbostream

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/stewi1014/turbostream/frameio"
)

// Error kinds. Errors returned by this package wrap one of these and can be checked with errors.Is.
var (
	// ErrUnencodable is returned by Encode when no plugin, tag or post-plugin claims a value.
	// Nothing is written to the stream.
	ErrUnencodable = errors.New("turbostream: unencodable value")

	// ErrMalformed is returned when a frame is impossible to decode.
	ErrMalformed = frameio.ErrMalformed

	// ErrIncompleteStream rejects every deferred value still unsettled when its stream ends.
	ErrIncompleteStream = errors.New("turbostream: stream ended before deferred settled")

	// ErrAborted matches the rejection of every deferred value cancelled through the encoder's context.
	ErrAborted = errors.New("turbostream: aborted")

	errReaderClosed = errors.New("turbostream: stream reader closed")
)

// EncodeError is returned when a value cannot be encoded.
type EncodeError struct {
	// Type is the Go type of the offending value, nil for a nil interface.
	Type reflect.Type
	Err  error
}

// Error implements error
func (e *EncodeError) Error() string {
	return fmt.Sprintf("%v: %v", e.Err, e.Type)
}

// Unwrap implements errors's Unwrap()
func (e *EncodeError) Unwrap() error {
	return e.Err
}

// RejectionError is the rejection of a decoded deferred whose settled reason was not an error,
// such as a value produced by a decode plugin.
type RejectionError struct {
	Value any
}

// Error implements error
func (e *RejectionError) Error() string {
	return fmt.Sprintf("turbostream: rejected with %v", e.Value)
}
