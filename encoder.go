package turbostream

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/stewi1014/turbostream/frameio"
)

// Encode walks v and returns a stream of its frames.
//
// The walk happens before Encode returns; if any value in it cannot be encoded, the error is returned and nothing is streamed.
// The critical frame is then followed by one settlement frame per deferred value, in the order they settle,
// and the stream ends once every deferred has settled.
//
// Strings, including record keys, must be valid UTF-8. Error messages and other strings inside tagged values
// are written as JSON strings, with invalid bytes replaced by U+FFFD.
//
// Cancelling ctx rejects every deferred still pending, including ones found after the cancellation,
// with an AbortError carrying context.Cause(ctx).
//
// Closing the returned reader early stops the stream: pending deferreds are abandoned and the stream's state is released.
func Encode(ctx context.Context, v any, config *Config) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	st := newStream(ctx, config)
	critical, err := st.critical(v)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer cancel(nil)
		pw.CloseWithError(st.run(frameio.NewWriter(pw), critical))
	}()
	return &streamReader{PipeReader: pr, cancel: cancel}, nil
}

// streamReader stops its stream when closed.
type streamReader struct {
	*io.PipeReader
	cancel context.CancelCauseFunc
}

// Close implements io.Closer.
func (r *streamReader) Close() error {
	err := r.PipeReader.Close()
	r.cancel(errReaderClosed)
	return err
}

// NewEncoder returns a new Encoder writing streams to w.
func NewEncoder(w io.Writer, config *Config) *Encoder {
	return &Encoder{
		w:      frameio.NewWriter(w),
		config: config,
	}
}

// Encoder writes streams to an io.Writer.
// Streams written by successive calls to Encode are concatenated, and each must be decoded separately.
type Encoder struct {
	w      *frameio.Writer
	config *Config
	mutex  sync.Mutex
}

// Encode writes the stream of v, returning once every deferred value in it has settled or been aborted.
// See the package level Encode for the stream's semantics.
func (e *Encoder) Encode(ctx context.Context, v any) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	st := newStream(ctx, e.config)
	critical, err := st.critical(v)
	if err != nil {
		return err
	}
	return st.run(e.w, critical)
}

// settlement is the outcome of a deferred value, queued by its callbacks.
type settlement struct {
	id       int
	value    any
	err      error
	rejected bool
}

// stream is the state of one encode.
// Deferred callbacks only append to the queue; everything else belongs to the goroutine running the stream.
type stream struct {
	ctx    context.Context
	config *Config
	labels []metrics.Label
	state  *encodeState

	queueMutex sync.Mutex
	queue      []settlement
	notify     chan struct{}

	pending map[int]struct{}
	nextID  int
}

func newStream(ctx context.Context, config *Config) *stream {
	config = config.copyAndFill()
	st := &stream{
		ctx:     ctx,
		config:  config,
		labels:  config.MetricLabels,
		notify:  make(chan struct{}, 1),
		pending: make(map[int]struct{}),
	}
	st.state = newEncodeState(config, st)
	return st
}

// critical walks v and returns the critical frame.
func (st *stream) critical(v any) ([]byte, error) {
	root, err := st.state.flatten(v)
	if err != nil {
		st.config.MetricSink.IncrCounterWithLabels(MetricEncodeUnencodableCount, 1, st.labels)
		st.state.release()
		return nil, err
	}
	return st.state.payload(root), nil
}

func (st *stream) register(d Deferred) int {
	id := st.nextID
	st.nextID++
	st.pending[id] = struct{}{}

	st.config.MetricSink.IncrCounterWithLabels(MetricEncodeDeferredCount, 1, st.labels)
	st.config.Logger.Debug("registered deferred value", LabelDeferredID.L(id))

	d.Subscribe(
		func(v any) {
			st.enqueue(settlement{id: id, value: v})
		},
		func(err error) {
			st.enqueue(settlement{id: id, err: err, rejected: true})
		},
	)
	return id
}

func (st *stream) forget(id int) {
	delete(st.pending, id)
}

func (st *stream) enqueue(s settlement) {
	st.queueMutex.Lock()
	st.queue = append(st.queue, s)
	st.queueMutex.Unlock()

	select {
	case st.notify <- struct{}{}:
	default:
	}
}

func (st *stream) drain() []settlement {
	st.queueMutex.Lock()
	defer st.queueMutex.Unlock()

	queue := st.queue
	st.queue = nil
	return queue
}

// run writes the critical frame, then settlement frames until nothing is pending.
func (st *stream) run(fw *frameio.Writer, critical []byte) error {
	defer st.state.release()

	if err := st.write(fw, "critical", critical); err != nil {
		return err
	}

	for len(st.pending) > 0 {
		st.config.MetricSink.SetGaugeWithLabels(MetricEncodeDeferredPending, float32(len(st.pending)), st.labels)

		if st.ctx.Err() != nil {
			return st.abort(fw)
		}

		for _, s := range st.drain() {
			// an abort supersedes outcomes that are queued but not yet written.
			if st.ctx.Err() != nil {
				return st.abort(fw)
			}
			if err := st.settle(fw, s); err != nil {
				return err
			}
		}

		if len(st.pending) == 0 {
			break
		}

		select {
		case <-st.notify:
		case <-st.ctx.Done():
		}
	}

	st.config.MetricSink.SetGaugeWithLabels(MetricEncodeDeferredPending, 0, st.labels)
	st.config.Logger.Debug("stream finished", LabelFrame.L(fw.Frames()))
	return nil
}

// abort rejects everything pending, lowest id first.
func (st *stream) abort(fw *frameio.Writer) error {
	reason := abortError(context.Cause(st.ctx))
	st.config.Logger.Debug("aborting pending deferred values", LabelError.L(reason.Message), slog.Int("pending", len(st.pending)))

	for len(st.pending) > 0 {
		ids := make([]int, 0, len(st.pending))
		for id := range st.pending {
			ids = append(ids, id)
		}
		sort.Ints(ids)

		for _, id := range ids {
			st.config.MetricSink.IncrCounterWithLabels(MetricEncodeAbortedCount, 1, st.labels)
			if err := st.settle(fw, settlement{id: id, err: reason, rejected: true}); err != nil {
				return err
			}
		}
	}

	st.config.MetricSink.SetGaugeWithLabels(MetricEncodeDeferredPending, 0, st.labels)
	return nil
}

// settle writes the settlement frame of s.
// A settled value that cannot be encoded rejects the deferred with a TypeError instead.
func (st *stream) settle(fw *frameio.Writer, s settlement) error {
	if _, ok := st.pending[s.id]; !ok {
		st.config.Logger.Warn("dropping settlement of a deferred value that is not pending", LabelDeferredID.L(s.id))
		return nil
	}
	delete(st.pending, s.id)

	event, value := frameio.EventData, s.value
	if s.rejected {
		event, value = frameio.EventError, rejectionValue(s.err)
	}

	snap := st.state.snapshot()
	root, err := st.state.flatten(value)
	if err != nil {
		st.state.rollback(snap)
		st.config.MetricSink.IncrCounterWithLabels(MetricEncodeUnencodableCount, 1, st.labels)
		st.config.Logger.Warn("settled value cannot be encoded", LabelDeferredID.L(s.id), LabelError.L(err))

		event = frameio.EventError
		if root, err = st.state.flatten(NewError(TypeErrorName, err.Error())); err != nil {
			return err
		}
	}

	labels := withLabel(st.labels, LabelEvent.M(string(event)))
	st.config.MetricSink.IncrCounterWithLabels(MetricEncodeSettledCount, 1, labels)

	frame := frameio.AppendSettlement(nil, event, s.id, st.state.payload(root))
	return st.write(fw, string(event)+":"+strconv.Itoa(s.id), frame)
}

// rejectionValue is the value written for a rejection.
func rejectionValue(err error) any {
	if r, ok := err.(*RejectionError); ok {
		return r.Value
	}
	if err == nil {
		return nil
	}
	return err
}

func (st *stream) write(fw *frameio.Writer, name string, frame []byte) error {
	if err := fw.WriteFrame(frame); err != nil {
		st.config.Logger.Warn("writing frame failed", LabelFrame.L(name), LabelError.L(err))
		return err
	}

	labels := withLabel(st.labels, LabelFrame.M(frameKind(name)))
	st.config.MetricSink.IncrCounterWithLabels(MetricEncodeFrames, 1, labels)
	st.config.MetricSink.IncrCounterWithLabels(MetricEncodeBytes, float32(len(frame)+len(frameio.Separator)), labels)
	st.config.Logger.Debug("wrote frame", LabelFrame.L(name), slog.Int("bytes", len(frame)))
	return nil
}

// frameKind strips the deferred id from a frame name, keeping metric cardinality low.
func frameKind(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[:i]
		}
	}
	return name
}
