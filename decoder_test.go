package turbostream_test

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/maxatome/go-testdeep/td"

	"github.com/stewi1014/turbostream"
	"github.com/stewi1014/turbostream/frameio"
)

func chunkedWire(t *testing.T) string {
	t.Helper()

	v := turbostream.NewRecord(
		"user", turbostream.NewRecord("name", "ada", "tags", turbostream.NewSet("x", "y")),
		"posts", turbostream.Resolved([]any{
			turbostream.NewRecord("title", "first", "user", "ada"),
			turbostream.Resolved("nested"),
		}),
		"failed", turbostream.Rejected(turbostream.NewError(turbostream.SyntaxErrorName, "bad token")),
	)
	return encode(t, v, nil)
}

func checkChunked(t *testing.T, dec *turbostream.Decoder) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := dec.Value(ctx)
	td.Require(t).CmpNoError(err)
	rec := v.(*turbostream.Record)

	td.Cmp(t, rec.Value("user"), turbostream.NewRecord("name", "ada", "tags", turbostream.NewSet("x", "y")))

	posts, err := await(t, rec.Value("posts"))
	td.Require(t).CmpNoError(err)
	arr := posts.([]any)
	td.Cmp(t, arr[0], turbostream.NewRecord("title", "first", "user", "ada"))

	nested, err := await(t, arr[1])
	td.CmpNoError(t, err)
	td.Cmp(t, nested, "nested")

	_, err = await(t, rec.Value("failed"))
	td.Cmp(t, err, turbostream.NewError(turbostream.SyntaxErrorName, "bad token"))

	_, err = await(t, dec.Done())
	td.CmpNoError(t, err)
}

func TestDecoderChunkSizes(t *testing.T) {
	wire := chunkedWire(t)

	for size := 1; size <= len(wire); size++ {
		dec := turbostream.NewDecoder(nil)
		for i := 0; i < len(wire); i += size {
			end := i + size
			if end > len(wire) {
				end = len(wire)
			}
			n, err := dec.Write([]byte(wire[i:end]))
			td.Require(t).CmpNoError(err)
			td.Require(t).Cmp(n, end-i)
		}
		td.CmpNoError(t, dec.Close())
		checkChunked(t, dec)
	}
}

func TestDecoderRandomChunks(t *testing.T) {
	wire := []byte(chunkedWire(t))
	rng := rand.New(rand.NewSource(256))

	for i := 0; i < 50; i++ {
		dec := turbostream.NewDecoder(nil)
		for rest := wire; len(rest) > 0; {
			n := rng.Intn(len(rest)) + 1
			_, err := dec.Write(rest[:n])
			td.Require(t).CmpNoError(err)

			// empty writes are allowed anywhere.
			_, err = dec.Write(nil)
			td.Require(t).CmpNoError(err)
			rest = rest[n:]
		}
		td.CmpNoError(t, dec.Close())
		checkChunked(t, dec)
	}
}

func TestDecoderValueBeforeCritical(t *testing.T) {
	dec := turbostream.NewDecoder(nil)

	got := make(chan any, 1)
	go func() {
		v, _ := dec.Value(context.Background())
		got <- v
	}()

	_, err := dec.Write([]byte(`[0,"wai`))
	td.CmpNoError(t, err)

	select {
	case <-got:
		t.Fatal("value returned before the critical frame was complete")
	case <-time.After(10 * time.Millisecond):
	}

	_, err = dec.Write([]byte("ted\"]\n\n"))
	td.CmpNoError(t, err)

	select {
	case v := <-got:
		td.Cmp(t, v, "waited")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v, err := dec.Value(ctx)
	td.CmpNoError(t, err, "a decoded value is returned even if ctx is done")
	td.Cmp(t, v, "waited")
}

func TestDecodeUnterminatedFinalFrame(t *testing.T) {
	res := decode(t, `[0,["P",0]]`+"\n\n"+`data:0:[1,"tail"]`, nil)

	v, err := await(t, res.Value)
	td.CmpNoError(t, err)
	td.Cmp(t, v, "tail")
}

func TestDecodeMalformedCritical(t *testing.T) {
	testCases := []struct {
		name string
		wire string
	}{
		{name: "not an array", wire: `{"a":1}` + "\n\n"},
		{name: "bad json", wire: `[0,` + "\n\n"},
		{name: "empty array", wire: `[]` + "\n\n"},
		{name: "bad root", wire: `["x"]` + "\n\n"},
		{name: "reference out of range", wire: `[3,"a"]` + "\n\n"},
		{name: "unknown constant", wire: `[-99]` + "\n\n"},
		{name: "unknown tag", wire: `[0,["?",1]]` + "\n\n"},
		{name: "bad big integer", wire: `[0,["B","12x"]]` + "\n\n"},
		{name: "bad date", wire: `[0,["D","yesterday"]]` + "\n\n"},
		{name: "odd record", wire: `[0,["O",1],"a"]` + "\n\n"},
		{name: "non-string record key", wire: `[0,["O",1,1],2]` + "\n\n"},
		{name: "self reference through a wrapper", wire: `[0,["$","x",0]]` + "\n\n"},
		{name: "bad array element", wire: `[0,[1.5],"b"]` + "\n\n"},
		{name: "not a value", wire: `[0,nope]` + "\n\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := turbostream.Decode(context.Background(), strings.NewReader(tc.wire), nil)
			td.CmpNil(t, res)
			td.CmpErrorIs(t, err, turbostream.ErrMalformed)

			var frameErr *frameio.FrameError
			if td.CmpTrue(t, errors.As(err, &frameErr)) {
				td.Cmp(t, frameErr.Index, 0)
			}
		})
	}
}

func TestDecodeEmptyStream(t *testing.T) {
	_, err := turbostream.Decode(context.Background(), strings.NewReader(""), nil)
	td.CmpErrorIs(t, err, turbostream.ErrIncompleteStream)
}

func TestDecodeMalformedSettlement(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
	}{
		{name: "unknown event", frame: `done:0:[1,"x"]`},
		{name: "missing id", frame: `data:[1,"x"]`},
		{name: "unknown deferred", frame: `data:7:[1,"x"]`},
		{name: "bad payload", frame: `data:0:{}`},
		{name: "reference out of range", frame: `data:0:[9]`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wire := `[0,[1,2],["P",0],["P",1]]` + "\n\n" + tc.frame + "\n\n"
			res := decode(t, wire, nil)
			arr := res.Value.([]any)

			_, err := await(t, res.Done)
			td.CmpErrorIs(t, err, turbostream.ErrMalformed)

			var frameErr *frameio.FrameError
			if td.CmpTrue(t, errors.As(err, &frameErr)) {
				td.Cmp(t, frameErr.Index, 1)
			}

			for _, v := range arr {
				_, err := await(t, v)
				td.CmpErrorIs(t, err, turbostream.ErrMalformed, "outstanding handles share the failure")
			}
		})
	}
}

func TestDecodeDuplicateSettlement(t *testing.T) {
	wire := `[0,["P",0]]` + "\n\n" + `data:0:[1,"first"]` + "\n\n" + `data:0:[1]` + "\n\n"
	res := decode(t, wire, nil)

	v, err := await(t, res.Value)
	td.CmpNoError(t, err)
	td.Cmp(t, v, "first", "the first settlement wins")

	_, err = await(t, res.Done)
	td.CmpErrorIs(t, err, turbostream.ErrMalformed)
}

func TestDecodeIncompleteStream(t *testing.T) {
	wire := `[0,["O",1,3,2,4],"a","b",["P",0],["P",1]]` + "\n\n" + `data:1:[5,"settled"]` + "\n\n"
	res := decode(t, wire, nil)
	rec := res.Value.(*turbostream.Record)

	_, err := await(t, rec.Value("a"))
	td.CmpErrorIs(t, err, turbostream.ErrIncompleteStream)
	td.CmpFalse(t, errors.Is(err, turbostream.ErrAborted))

	v, err := await(t, rec.Value("b"))
	td.CmpNoError(t, err)
	td.Cmp(t, v, "settled")

	done, err := await(t, res.Done)
	td.CmpNoError(t, err, "an incomplete stream is not malformed")
	td.CmpNil(t, done)
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestDecodeReadError(t *testing.T) {
	readErr := errors.New("connection reset")
	r := &failingReader{data: []byte(`[0,["P",0]]` + "\n\n"), err: readErr}

	res, err := turbostream.Decode(context.Background(), r, nil)
	td.Require(t).CmpNoError(err)

	_, err = await(t, res.Value)
	td.CmpErrorIs(t, err, readErr)

	_, err = await(t, res.Done)
	td.CmpErrorIs(t, err, readErr)
}

func TestDecodeContextCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancelCause(context.Background())
	go pw.Write([]byte(`[0,["P",0]]` + "\n\n"))

	res, err := turbostream.Decode(ctx, pr, nil)
	td.Require(t).CmpNoError(err)

	stop := errors.New("stop")
	cancel(stop)

	_, err = await(t, res.Value)
	td.CmpErrorIs(t, err, stop)

	_, err = await(t, res.Done)
	td.CmpErrorIs(t, err, stop)
}

func TestDecoderWriteAfterClose(t *testing.T) {
	dec := turbostream.NewDecoder(nil)
	_, err := dec.Write([]byte(`[0,"x"]` + "\n\n"))
	td.CmpNoError(t, err)
	td.CmpNoError(t, dec.Close())
	td.CmpNoError(t, dec.Close(), "closing twice is harmless")

	_, err = dec.Write([]byte(`data:0:[0]` + "\n\n"))
	td.CmpErrorIs(t, err, io.ErrClosedPipe)
}

func TestDecoderFrameTooLarge(t *testing.T) {
	defer func(size int) { frameio.MaxFrameSize = size }(frameio.MaxFrameSize)
	frameio.MaxFrameSize = 16

	dec := turbostream.NewDecoder(nil)
	_, err := dec.Write([]byte(`[0,"` + strings.Repeat("x", 32)))
	td.CmpErrorIs(t, err, frameio.ErrFrameTooLarge)

	_, err = dec.Value(context.Background())
	td.CmpErrorIs(t, err, frameio.ErrFrameTooLarge)
}
