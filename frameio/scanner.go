package frameio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Scanner reassembles frames from chunks of a stream.
// Chunk boundaries need not align with frame boundaries, and chunks may be any size, including empty.
//
// It is not thread safe.
type Scanner struct {
	buff []byte
	off  int

	// search is where the next separator lookup starts, so no byte is scanned twice.
	search int
	frames int
}

// Write implements io.Writer, buffering p until it completes a frame.
func (s *Scanner) Write(p []byte) (int, error) {
	return copy(s.buff[s.grow(len(p)):], p), nil
}

// Next returns the next complete frame, without its separator, or nil if no complete frame is buffered.
// The returned slice is owned by the caller.
func (s *Scanner) Next() ([]byte, error) {
	if s.search < s.off {
		s.search = s.off
	}

	i := bytes.Index(s.buff[s.search:], Separator)
	if i < 0 {
		if s.Len() > MaxFrameSize {
			return nil, &FrameError{Index: s.frames, Err: ErrFrameTooLarge, Message: fmt.Sprintf("%v bytes buffered without a separator", s.Len())}
		}
		s.search = len(s.buff) - len(Separator) + 1
		return nil, nil
	}

	end := s.search + i
	frame := make([]byte, end-s.off)
	copy(frame, s.buff[s.off:end])

	s.off = end + len(Separator)
	s.search = s.off
	s.frames++
	return frame, nil
}

// Flush returns any buffered bytes that were never terminated by a separator, treating them as a final frame.
// It returns nil if nothing is buffered.
func (s *Scanner) Flush() []byte {
	rest := bytes.TrimSpace(s.buff[s.off:])
	s.off = len(s.buff)
	if len(rest) == 0 {
		return nil
	}

	frame := make([]byte, len(rest))
	copy(frame, rest)
	s.frames++
	return frame
}

// Len returns the number of buffered bytes not yet returned as a frame.
func (s *Scanner) Len() int {
	return len(s.buff) - s.off
}

// Frames returns the number of frames returned so far.
func (s *Scanner) Frames() int {
	return s.frames
}

// grow extends buff by n bytes, returning the offset they start at.
// Consumed bytes are dropped whenever the buffer must be compacted or reallocated.
func (s *Scanner) grow(n int) int {
	start := len(s.buff)
	if start+n > cap(s.buff) {
		live := s.buff[s.off:]

		// compact in place while the live bytes fill at most an eighth of the buffer.
		dst := s.buff[:0]
		if (len(live)+n)*8 > cap(s.buff) {
			dst = make([]byte, 0, cap(s.buff)*2+n)
		}

		s.buff = append(dst, live...)
		s.search -= s.off
		s.off = 0
		start = len(s.buff)
	}

	s.buff = s.buff[:start+n]
	return start
}

// ReadFrames reads r until EOF, calling fn with every frame in order.
// An unterminated trailing frame is passed to fn as well.
func ReadFrames(r io.Reader, fn func(frame []byte) error) error {
	var s Scanner
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s.Write(chunk[:n])
			for {
				frame, ferr := s.Next()
				if ferr != nil {
					return ferr
				}
				if frame == nil {
					break
				}
				if ferr = fn(frame); ferr != nil {
					return ferr
				}
			}
		}

		if errors.Is(err, io.EOF) {
			if frame := s.Flush(); frame != nil {
				return fn(frame)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
