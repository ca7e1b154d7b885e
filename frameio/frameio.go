// Package frameio provides the framing layer of turbostream: an atomic frame writer,
// a push-driven scanner that reassembles frames from arbitrary chunks, and the
// settlement frame header format.
//
// A stream is a sequence of UTF-8 frames, each terminated by Separator.
// The first frame is the critical frame; every following frame is a settlement frame
// of the form
//
//	<event>:<id>:<payload>
//
// where event is "data" or "error".
package frameio

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Separator terminates every frame. Payloads are compact JSON and never contain a raw newline.
var Separator = []byte("\n\n")

var (
	// MaxFrameSize is the largest frame the Scanner will buffer before giving up on the stream.
	// It is used for sanity checking input from unknown sources; feel free to change it.
	//
	// By default it is 32MB on 32bit machines, and 128MB on 64bit machines.
	MaxFrameSize = 1 << (25 + ((^uint(0) >> 32) & 2))

	// Warnings is where warnings about misbehaving io.Writers are sent.
	Warnings io.Writer = os.Stderr
)

var (
	// ErrMalformed is returned when a frame is impossible to parse.
	ErrMalformed = errors.New("malformed")

	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// FrameError describes a frame that could not be parsed.
type FrameError struct {
	// Index is the position of the frame in the stream, 0 being the critical frame.
	Index int
	Err   error
	// Message has extra information about the error.
	Message string
}

// Error implements error.
func (e *FrameError) Error() string {
	str := fmt.Sprintf("frame %d: %v", e.Index, e.Err)
	if e.Message != "" {
		str += " (" + e.Message + ")"
	}
	return str
}

// Unwrap implements errors's Unwrap()
func (e *FrameError) Unwrap() error {
	return e.Err
}

// Write writes all of buff to w, calling it again if it writes short without an error.
// Each short write is reported on Warnings.
func Write(buff []byte, w io.Writer) error {
	written := 0
	for written < len(buff) {
		n, err := w.Write(buff[written:])
		written += n

		switch {
		case written > len(buff):
			return errors.Errorf("bad io.Writer implementation: %T reported %v bytes written of %v", w, written, len(buff))
		case err != nil:
			return errors.Wrapf(err, "frame write stopped after %v of %v bytes", written, len(buff))
		case n == 0:
			return errors.Wrapf(io.ErrShortWrite, "%T wrote nothing with %v bytes left", w, len(buff)-written)
		case written < len(buff):
			fmt.Fprintf(Warnings, "turbostream: %T wrote %v bytes short of %v without an error; writing the rest\n", w, len(buff)-written, len(buff))
		}
	}
	return nil
}
