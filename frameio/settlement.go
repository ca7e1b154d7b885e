package frameio

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

// Event is the discriminator of a settlement frame.
type Event string

const (
	// EventData settles a deferred value successfully.
	EventData Event = "data"
	// EventError rejects a deferred value.
	EventError Event = "error"
)

// AppendSettlement appends the header and payload of a settlement frame to dst.
// The separator is not appended.
func AppendSettlement(dst []byte, event Event, id int, payload []byte) []byte {
	dst = append(dst, event...)
	dst = append(dst, ':')
	dst = strconv.AppendInt(dst, int64(id), 10)
	dst = append(dst, ':')
	return append(dst, payload...)
}

// ParseSettlement splits a settlement frame into its event, deferred id and payload.
// The payload aliases frame.
func ParseSettlement(frame []byte) (Event, int, []byte, error) {
	i := bytes.IndexByte(frame, ':')
	if i < 0 {
		return "", 0, nil, errors.Wrap(ErrMalformed, "settlement frame has no event")
	}

	event := Event(frame[:i])
	if event != EventData && event != EventError {
		return "", 0, nil, errors.Wrapf(ErrMalformed, "unknown event %q", frame[:i])
	}

	rest := frame[i+1:]
	j := bytes.IndexByte(rest, ':')
	if j < 0 {
		return "", 0, nil, errors.Wrap(ErrMalformed, "settlement frame has no id")
	}

	id, err := strconv.Atoi(string(rest[:j]))
	if err != nil || id < 0 {
		return "", 0, nil, errors.Wrapf(ErrMalformed, "bad deferred id %q", rest[:j])
	}

	return event, id, rest[j+1:], nil
}
