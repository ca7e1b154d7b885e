package turbostream

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"

	"github.com/stewi1014/turbostream/frameio"
)

// Result is a decoded stream.
type Result struct {
	// Value is the root value. Deferred values in it are *Promise handles.
	Value any

	// Done settles once the whole stream has been consumed.
	// It resolves with nil at the end of the stream, and rejects if a frame is malformed.
	Done *Promise
}

// Decode reads a stream from r, returning as soon as its critical frame is decoded.
// The rest of the stream is read in the background, settling the handles of the root value as their frames arrive.
//
// An error in the critical frame is returned directly; later errors reject Result.Done.
// Cancelling ctx stops reading and rejects every handle still pending with context.Cause(ctx).
func Decode(ctx context.Context, r io.Reader, config *Config) (*Result, error) {
	dec := NewDecoder(config)

	go func() {
		_, err := io.Copy(dec, r)
		if err != nil {
			// unblock the writer of r, such as the stream returned by Encode.
			if c, ok := r.(io.Closer); ok {
				c.Close()
			}
		}
		dec.CloseWithError(err)
	}()

	go func() {
		select {
		case <-ctx.Done():
			dec.CloseWithError(context.Cause(ctx))
		case <-dec.Done().Done():
		}
	}()

	v, err := dec.Value(ctx)
	if err != nil {
		return nil, err
	}

	return &Result{
		Value: v,
		Done:  dec.Done(),
	}, nil
}

// NewDecoder returns a new Decoder. Feed it the stream with Write and call Close at its end.
func NewDecoder(config *Config) *Decoder {
	config = config.copyAndFill()
	return &Decoder{
		config:      config,
		labels:      config.MetricLabels,
		state:       newDecodeState(config),
		outstanding: make(map[int]*Promise),
		settled:     make(map[int]bool),
		ready:       make(chan struct{}),
		done:        NewPromise(),
	}
}

// Decoder is the push side of decoding. Chunks written to it may be any size;
// frames are decoded as soon as they are complete.
//
// It is thread safe.
type Decoder struct {
	config *Config
	labels []metrics.Label

	mutex       sync.Mutex
	scanner     frameio.Scanner
	state       *decodeState
	outstanding map[int]*Promise
	settled     map[int]bool
	closed      bool

	// err is the error the stream failed with.
	err error

	// ready is closed once the critical frame is decoded, or the stream failed before it was.
	ready       chan struct{}
	hasCritical bool
	value       any
	criticalErr error

	done *Promise
}

// action is a promise settlement, run once the decoder's lock is released.
type action func()

// Write implements io.Writer.
// It returns an error once the stream has failed or was closed.
func (d *Decoder) Write(p []byte) (int, error) {
	var actions []action
	n, err := d.write(p, &actions)
	run(actions)
	return n, err
}

func (d *Decoder) write(p []byte, actions *[]action) (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.err != nil {
		return 0, d.err
	}
	if d.closed {
		return 0, io.ErrClosedPipe
	}

	d.scanner.Write(p)
	d.config.MetricSink.IncrCounterWithLabels(MetricDecodeBytes, float32(len(p)), d.labels)

	for {
		frame, err := d.scanner.Next()
		if err != nil {
			d.fail(err, actions)
			return 0, err
		}
		if frame == nil {
			return len(p), nil
		}

		if err := d.frame(frame, actions); err != nil {
			d.fail(err, actions)
			return 0, err
		}
	}
}

// Close ends the stream. Unterminated trailing bytes are decoded as a final frame.
// Every handle still pending is rejected with ErrIncompleteStream and Done resolves.
// It returns the error the stream failed with, if any.
func (d *Decoder) Close() error {
	return d.CloseWithError(nil)
}

// CloseWithError ends the stream with err, rejecting Done and every pending handle with it.
// With a nil err it is Close.
func (d *Decoder) CloseWithError(err error) error {
	var actions []action
	defer func() { run(actions) }()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed || d.err != nil {
		d.closed = true
		return d.err
	}
	d.closed = true

	if err != nil {
		d.fail(err, &actions)
		return d.err
	}

	if frame := d.scanner.Flush(); frame != nil {
		if err := d.frame(frame, &actions); err != nil {
			d.fail(err, &actions)
			return d.err
		}
	}

	if !d.hasCritical {
		d.fail(errors.Wrap(ErrIncompleteStream, "stream ended before the critical frame"), &actions)
		return d.err
	}

	for _, id := range d.pendingIDs() {
		p := d.outstanding[id]
		delete(d.outstanding, id)
		d.config.MetricSink.IncrCounterWithLabels(MetricDecodeIncompleteCount, 1, d.labels)
		d.config.Logger.Debug("stream ended before deferred settled", LabelDeferredID.L(id))
		actions = append(actions, func() { p.Reject(ErrIncompleteStream) })
	}

	done := d.done
	actions = append(actions, func() { done.Resolve(nil) })
	d.state.release()
	return nil
}

// Value returns the root value, waiting for the critical frame if it has not been decoded yet.
func (d *Decoder) Value(ctx context.Context) (any, error) {
	select {
	case <-d.ready:
	default:
		select {
		case <-d.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.value, d.criticalErr
}

// Done returns the promise that settles once the whole stream has been consumed.
func (d *Decoder) Done() *Promise {
	return d.done
}

// frame decodes one frame. It must be called with the lock held.
func (d *Decoder) frame(frame []byte, actions *[]action) error {
	index := d.scanner.Frames() - 1
	d.config.MetricSink.IncrCounterWithLabels(MetricDecodeFrames, 1, d.labels)

	if !d.hasCritical {
		return d.critical(frame, index)
	}

	event, id, payload, err := frameio.ParseSettlement(frame)
	if err != nil {
		return &frameio.FrameError{Index: index, Err: err}
	}

	p, ok := d.state.promises[id]
	switch {
	case !ok:
		return &frameio.FrameError{Index: index, Err: errors.Wrapf(ErrMalformed, "settlement of unknown deferred %d", id)}
	case d.settled[id]:
		return &frameio.FrameError{Index: index, Err: errors.Wrapf(ErrMalformed, "deferred %d settled twice", id)}
	}

	root, entries, err := parsePayload(payload)
	if err != nil {
		return &frameio.FrameError{Index: index, Err: err}
	}
	d.state.append(entries)

	v, err := d.state.hydrate(root)
	if err != nil {
		return &frameio.FrameError{Index: index, Err: err}
	}
	d.track()

	d.settled[id] = true
	delete(d.outstanding, id)

	labels := withLabel(d.labels, LabelEvent.M(string(event)))
	d.config.MetricSink.IncrCounterWithLabels(MetricDecodeSettledCount, 1, labels)
	d.config.Logger.Debug("decoded settlement", LabelEvent.L(event), LabelDeferredID.L(id), LabelFrame.L(index))

	if event == frameio.EventData {
		*actions = append(*actions, func() { p.Resolve(v) })
	} else {
		reason := rejection(v)
		*actions = append(*actions, func() { p.Reject(reason) })
	}
	return nil
}

func (d *Decoder) critical(frame []byte, index int) error {
	if len(frame) == 0 || frame[0] != '[' {
		return &frameio.FrameError{Index: index, Err: ErrMalformed, Message: "critical frame is not a JSON array"}
	}

	root, entries, err := parsePayload(frame)
	if err != nil {
		return &frameio.FrameError{Index: index, Err: err}
	}
	d.state.append(entries)

	v, err := d.state.hydrate(root)
	if err != nil {
		return &frameio.FrameError{Index: index, Err: err}
	}
	d.track()

	d.value = v
	d.hasCritical = true
	close(d.ready)

	d.config.Logger.Debug("decoded critical frame", slog.Int("entries", len(entries)), slog.Int("pending", len(d.outstanding)))
	return nil
}

// track adds the handles of newly decoded placeholders to the outstanding set.
func (d *Decoder) track() {
	for _, id := range d.state.fresh {
		d.outstanding[id] = d.state.promises[id]
	}
	d.state.fresh = d.state.fresh[:0]
}

// fail ends the stream with err. It must be called with the lock held.
func (d *Decoder) fail(err error, actions *[]action) {
	d.err = err
	d.closed = true

	if errors.Is(err, ErrMalformed) || errors.Is(err, frameio.ErrFrameTooLarge) {
		d.config.MetricSink.IncrCounterWithLabels(MetricDecodeMalformedCount, 1, d.labels)
	}
	d.config.Logger.Warn("decoding stream failed", LabelError.L(err), LabelFrame.L(d.scanner.Frames()))

	if !d.hasCritical {
		d.criticalErr = err
		close(d.ready)
	}

	for _, id := range d.pendingIDs() {
		p := d.outstanding[id]
		delete(d.outstanding, id)
		*actions = append(*actions, func() { p.Reject(err) })
	}

	done := d.done
	*actions = append(*actions, func() { done.Reject(err) })
	d.state.release()
}

// pendingIDs returns the ids of the outstanding handles, lowest first.
func (d *Decoder) pendingIDs() []int {
	ids := make([]int, 0, len(d.outstanding))
	for id := range d.outstanding {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// rejection is the error a handle rejects with for a decoded error payload.
func rejection(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return &RejectionError{Value: v}
}

func run(actions []action) {
	for _, a := range actions {
		a()
	}
}
