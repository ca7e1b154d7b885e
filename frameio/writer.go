package frameio

import (
	"io"
	"sync"
)

// NewWriter returns a new Writer writing frames to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w: w,
	}
}

// Writer writes whole frames to an io.Writer.
// Each frame and its separator are handed to the wrapped writer in a single call to Write,
// so concurrent callers never interleave partial frames.
//
// It is thread safe.
type Writer struct {
	w     io.Writer
	mutex sync.Mutex
	buff  []byte
	err   error

	frames int
	bytes  int
}

// WriteFrame writes frame followed by Separator.
// Once a write has failed, every subsequent call returns the same error.
func (fw *Writer) WriteFrame(frame []byte) error {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()

	if fw.err != nil {
		return fw.err
	}

	fw.buff = append(fw.buff[:0], frame...)
	fw.buff = append(fw.buff, Separator...)

	if err := Write(fw.buff, fw.w); err != nil {
		fw.err = err
		return err
	}

	fw.frames++
	fw.bytes += len(fw.buff)
	return nil
}

// Frames returns the number of frames written.
func (fw *Writer) Frames() int {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	return fw.frames
}

// Bytes returns the number of bytes written, separators included.
func (fw *Writer) Bytes() int {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	return fw.bytes
}
