package turbostream_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/big"
	"net/url"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/maxatome/go-testdeep/td"

	"github.com/stewi1014/turbostream"
	"github.com/stewi1014/turbostream/frameio"
)

func encode(t *testing.T, v any, config *turbostream.Config) string {
	t.Helper()

	r, err := turbostream.Encode(context.Background(), v, config)
	if err != nil {
		t.Fatalf("Encode(%v): %v", v, err)
	}
	defer r.Close()

	wire, err := io.ReadAll(r)
	td.CmpNoError(t, err)
	return string(wire)
}

func decode(t *testing.T, wire string, config *turbostream.Config) *turbostream.Result {
	t.Helper()

	res, err := turbostream.Decode(context.Background(), strings.NewReader(wire), config)
	if err != nil {
		t.Fatalf("Decode(%q): %v", wire, err)
	}
	return res
}

// await waits for the handle v to settle.
func await(t *testing.T, v any) (any, error) {
	t.Helper()

	p, ok := v.(*turbostream.Promise)
	if !ok {
		t.Fatalf("%T is not a *Promise", v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.Wait(ctx)
}

func roundTrip(t *testing.T, v any, config *turbostream.Config) any {
	t.Helper()
	return decode(t, encode(t, v, config), config).Value
}

func TestRoundTrip(t *testing.T) {
	bigInt, _ := new(big.Int).SetString("-123456789012345678901234567890", 10)
	date := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
	u, _ := url.Parse("https://example.com/a/b?c=d#e")

	testCases := []struct {
		name string
		v    any
		want any
	}{
		{name: "undefined", v: turbostream.Undefined, want: turbostream.Undefined},
		{name: "null", v: nil, want: nil},
		{name: "typed nil", v: (*turbostream.Record)(nil), want: nil},
		{name: "true", v: true, want: true},
		{name: "false", v: false, want: false},
		{name: "int", v: 42, want: 42.0},
		{name: "int8", v: int8(-3), want: -3.0},
		{name: "uint64", v: uint64(7), want: 7.0},
		{name: "float32", v: float32(1.5), want: 1.5},
		{name: "float64", v: 0.1, want: 0.1},
		{name: "zero", v: 0.0, want: 0.0},
		{name: "tiny", v: 1e-9, want: 1e-9},
		{name: "huge", v: 1e300, want: 1e300},
		{name: "positive infinity", v: math.Inf(1), want: math.Inf(1)},
		{name: "negative infinity", v: math.Inf(-1), want: math.Inf(-1)},
		{name: "big integer", v: bigInt, want: bigInt},
		{name: "string", v: "hello", want: "hello"},
		{name: "empty string", v: "", want: ""},
		{name: "html string", v: "<a href=\"x\">&</a>\n", want: "<a href=\"x\">&</a>\n"},
		{name: "unicode string", v: "héllo wörld ✓", want: "héllo wörld ✓"},
		{name: "symbol", v: turbostream.Symbol("Symbol.iterator"), want: turbostream.Symbol("Symbol.iterator")},
		{name: "date", v: date, want: date},
		{name: "date after year 9999", v: time.Date(10000, 1, 1, 0, 0, 0, 1, time.UTC), want: time.Date(10000, 1, 1, 0, 0, 0, 1, time.UTC)},
		{name: "date before year 0", v: time.Date(-5, 3, 4, 5, 6, 7, 999999999, time.UTC), want: time.Date(-5, 3, 4, 5, 6, 7, 999999999, time.UTC)},
		{name: "date before epoch", v: time.Date(1969, 12, 31, 23, 59, 59, 500, time.UTC), want: time.Date(1969, 12, 31, 23, 59, 59, 500, time.UTC)},
		{name: "zoned date", v: date.In(time.FixedZone("X", 3600)), want: date},
		{name: "regexp", v: turbostream.RegExp{Source: "^a+$", Flags: "gi"}, want: turbostream.RegExp{Source: "^a+$", Flags: "gi"}},
		{name: "go regexp", v: regexp.MustCompile(`\d+`), want: turbostream.RegExp{Source: `\d+`}},
		{name: "url", v: u, want: u},
		{name: "error", v: turbostream.NewError(turbostream.TypeErrorName, "bad"), want: turbostream.NewError(turbostream.TypeErrorName, "bad")},
		{
			name: "error with stack",
			v:    &turbostream.Error{Name: turbostream.RangeErrorName, Message: "out of range", Stack: "at f (x.js:1:2)"},
			want: &turbostream.Error{Name: turbostream.RangeErrorName, Message: "out of range", Stack: "at f (x.js:1:2)"},
		},
		{name: "go error", v: errors.New("plain"), want: turbostream.NewError(turbostream.ErrorName, "plain")},
		{name: "empty array", v: []any{}, want: []any{}},
		{
			name: "sparse array",
			v:    []any{1, turbostream.Hole, turbostream.Undefined, nil, "x", turbostream.Hole},
			want: []any{1.0, turbostream.Hole, turbostream.Undefined, nil, "x", turbostream.Hole},
		},
		{name: "int slice", v: []int{1, 2, 3}, want: []any{1.0, 2.0, 3.0}},
		{name: "go array", v: [2]string{"a", "b"}, want: []any{"a", "b"}},
		{name: "record", v: turbostream.NewRecord("b", 1, "a", 2), want: turbostream.NewRecord("b", 1.0, "a", 2.0)},
		{
			name: "null prototype record",
			v:    (&turbostream.Record{NullPrototype: true}).Set("x", "y"),
			want: (&turbostream.Record{NullPrototype: true}).Set("x", "y"),
		},
		{name: "empty record", v: turbostream.NewRecord(), want: turbostream.NewRecord()},
		{name: "go map", v: map[string]int{"b": 2, "a": 1}, want: turbostream.NewRecord("a", 1.0, "b", 2.0)},
		{name: "go map with int keys", v: map[int]string{2: "two", 1: "one"}, want: turbostream.NewMap(1.0, "one", 2.0, "two")},
		{
			name: "map",
			v:    turbostream.NewMap("z", 1, 2, "two", true, turbostream.NewRecord("k", "v")),
			want: turbostream.NewMap("z", 1.0, 2.0, "two", true, turbostream.NewRecord("k", "v")),
		},
		{name: "set", v: turbostream.NewSet("b", "a", 3), want: turbostream.NewSet("b", "a", 3.0)},
		{
			name: "nested",
			v: turbostream.NewRecord(
				"list", []any{turbostream.NewRecord("id", 1), turbostream.NewRecord("id", 2)},
				"tags", turbostream.NewSet("x"),
				"when", date,
			),
			want: turbostream.NewRecord(
				"list", []any{turbostream.NewRecord("id", 1.0), turbostream.NewRecord("id", 2.0)},
				"tags", turbostream.NewSet("x"),
				"when", date,
			),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			td.Cmp(t, roundTrip(t, tc.v, nil), tc.want)
		})
	}
}

func TestRoundTripSpecialNumbers(t *testing.T) {
	got := roundTrip(t, []any{math.NaN(), math.Copysign(0, -1), 0.0, math.Inf(1), math.Inf(-1)}, nil)

	td.Cmp(t, got, []any{td.NaN(), 0.0, 0.0, math.Inf(1), math.Inf(-1)})

	arr := got.([]any)
	td.CmpTrue(t, math.Signbit(arr[1].(float64)), "negative zero keeps its sign")
	td.CmpFalse(t, math.Signbit(arr[2].(float64)), "zero stays positive")
}

func TestEncodeWireFormat(t *testing.T) {
	wire := encode(t, turbostream.NewRecord("a", []any{1, "a", true, nil}, "b", turbostream.Undefined), nil)
	td.Cmp(t, wire, `[0,["O",1,2,5,-1],"a",[3,1,4,-2],1,true,"b"]`+"\n\n")
}

func TestDedup(t *testing.T) {
	v := turbostream.NewRecord(
		"foo", "bar",
		"bar", "bar",
		"baz", turbostream.Resolved("bar"),
	)

	wire := encode(t, v, nil)
	td.Cmp(t, wire, `[0,["O",1,2,2,2,3,4],"foo","bar","baz",["P",0]]`+"\n\ndata:0:[2]\n\n")
	td.Cmp(t, strings.Count(wire, `"bar"`), 1)
	td.Cmp(t, strings.Count(wire, `"foo"`), 1)
	td.Cmp(t, strings.Count(wire, `"baz"`), 1)

	res := decode(t, wire, nil)
	rec := res.Value.(*turbostream.Record)
	td.Cmp(t, rec.Keys(), []string{"foo", "bar", "baz"})
	td.Cmp(t, rec.Value("foo"), "bar")
	td.Cmp(t, rec.Value("bar"), "bar")

	got, err := await(t, rec.Value("baz"))
	td.CmpNoError(t, err)
	td.Cmp(t, got, "bar")
}

func TestDedupIdentity(t *testing.T) {
	shared := turbostream.NewRecord("x", 1)
	twin := turbostream.NewRecord("x", 1)

	wire := encode(t, []any{shared, shared, twin}, nil)
	td.Cmp(t, strings.Count(wire, `["O"`), 2, "structurally equal records are not merged")

	arr := roundTrip(t, []any{shared, shared, twin}, nil).([]any)
	td.Cmp(t, arr[0], td.Shallow(arr[1]))
	td.Cmp(t, arr[0], td.Not(td.Shallow(arr[2])))
	td.Cmp(t, arr[2], turbostream.NewRecord("x", 1.0))
}

func TestKeyOrderUnderReuse(t *testing.T) {
	v := []any{
		turbostream.NewRecord("a", 1, "b", 2, "c", 3),
		turbostream.NewRecord("c", 4, "x", 5, "a", 6),
		map[string]any{"b": 7, "a": 8},
	}

	wire := encode(t, v, nil)
	td.Cmp(t, strings.Count(wire, `"a"`), 1)
	td.Cmp(t, strings.Count(wire, `"c"`), 1)

	arr := decode(t, wire, nil).Value.([]any)
	td.Cmp(t, arr[0].(*turbostream.Record).Keys(), []string{"a", "b", "c"})
	td.Cmp(t, arr[1].(*turbostream.Record).Keys(), []string{"c", "x", "a"})
	td.Cmp(t, arr[2].(*turbostream.Record).Keys(), []string{"a", "b"})
	td.Cmp(t, arr[1].(*turbostream.Record).Value("a"), 6.0)
}

func TestDeferredIndependence(t *testing.T) {
	orders := [][]int{
		{0, 1, 2},
		{2, 1, 0},
		{1, 2, 0},
		{2, 0, 1},
	}

	for _, order := range orders {
		promises := []*turbostream.Promise{
			turbostream.NewPromise(),
			turbostream.NewPromise(),
			turbostream.NewPromise(),
		}
		root := turbostream.NewRecord("a", promises[0], "b", promises[1], "c", promises[2])

		r, err := turbostream.Encode(context.Background(), root, nil)
		td.Require(t).CmpNoError(err)

		res, err := turbostream.Decode(context.Background(), r, nil)
		td.Require(t).CmpNoError(err)
		rec := res.Value.(*turbostream.Record)

		keys := []string{"a", "b", "c"}
		for _, i := range order {
			if i == 1 {
				promises[i].Reject(turbostream.NewError(turbostream.RangeErrorName, "b failed"))
			} else {
				promises[i].Resolve(turbostream.NewRecord("value", keys[i]))
			}

			got, err := await(t, rec.Value(keys[i]))
			if i == 1 {
				td.Cmp(t, err, turbostream.NewError(turbostream.RangeErrorName, "b failed"))
				continue
			}
			td.CmpNoError(t, err)
			td.Cmp(t, got, turbostream.NewRecord("value", keys[i]))
		}

		done, err := await(t, res.Done)
		td.CmpNoError(t, err)
		td.CmpNil(t, done)
	}
}

func TestDeferredSettledInSettlement(t *testing.T) {
	inner := turbostream.Resolved([]any{"deep", 1})
	outer := turbostream.Resolved(turbostream.NewRecord("inner", inner, "again", inner))

	res := decode(t, encode(t, outer, nil), nil)

	v, err := await(t, res.Value)
	td.Require(t).CmpNoError(err)
	rec := v.(*turbostream.Record)
	td.Cmp(t, rec.Value("inner"), td.Shallow(rec.Value("again")), "one handle per deferred")

	v, err = await(t, rec.Value("inner"))
	td.CmpNoError(t, err)
	td.Cmp(t, v, []any{"deep", 1.0})
}

func TestRejectedWithNonError(t *testing.T) {
	wire := encode(t, turbostream.Rejected(&turbostream.RejectionError{Value: "just a string"}), nil)
	td.Cmp(t, wire, `[0,["P",0]]`+"\n\n"+`error:0:[1,"just a string"]`+"\n\n")

	_, err := await(t, decode(t, wire, nil).Value)
	td.Cmp(t, err, &turbostream.RejectionError{Value: "just a string"})
}

func TestAbortBeforeSettlement(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	a, b := turbostream.NewPromise(), turbostream.NewPromise()

	r, err := turbostream.Encode(ctx, turbostream.NewRecord("a", a, "b", b), nil)
	td.Require(t).CmpNoError(err)

	res, err := turbostream.Decode(context.Background(), r, nil)
	td.Require(t).CmpNoError(err)
	rec := res.Value.(*turbostream.Record)

	cancel(errors.New("navigated away"))

	for _, key := range []string{"a", "b"} {
		_, err := await(t, rec.Value(key))
		td.CmpErrorIs(t, err, turbostream.ErrAborted)
		td.Cmp(t, err, turbostream.NewError(turbostream.AbortErrorName, "navigated away"))
	}

	_, err = await(t, res.Done)
	td.CmpNoError(t, err)

	// settling after the abort changes nothing.
	a.Resolve("late")
}

func TestAbortAfterSettlement(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	a, b := turbostream.NewPromise(), turbostream.NewPromise()

	r, err := turbostream.Encode(ctx, []any{a, b}, nil)
	td.Require(t).CmpNoError(err)

	res, err := turbostream.Decode(context.Background(), r, nil)
	td.Require(t).CmpNoError(err)
	arr := res.Value.([]any)

	a.Resolve("first")
	got, err := await(t, arr[0])
	td.Require(t).CmpNoError(err)
	td.Cmp(t, got, "first")

	cancel(errors.New("stop"))

	_, err = await(t, arr[1])
	td.CmpErrorIs(t, err, turbostream.ErrAborted)

	got, err = await(t, arr[0])
	td.CmpNoError(t, err, "a settled deferred is not rejected again")
	td.Cmp(t, got, "first")

	_, err = await(t, res.Done)
	td.CmpNoError(t, err)
}

func TestAbortBeforeEncode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wire := encode2(t, ctx, []any{turbostream.NewPromise(), turbostream.Resolved("too late")})
	td.Cmp(t, wire, `[0,[1,2],["P",0],["P",1]]`+"\n\n"+
		`error:0:[3,["E","AbortError","context canceled"]]`+"\n\n"+
		`error:1:[3]`+"\n\n")

	arr := decode(t, wire, nil).Value.([]any)
	for _, v := range arr {
		_, err := await(t, v)
		td.CmpErrorIs(t, err, turbostream.ErrAborted)
	}
}

func encode2(t *testing.T, ctx context.Context, v any) string {
	t.Helper()

	var buff bytes.Buffer
	td.Require(t).CmpNoError(turbostream.NewEncoder(&buff, nil).Encode(ctx, v))
	return buff.String()
}

func TestDeferredChain(t *testing.T) {
	const depth = 2000

	promises := make([]*turbostream.Promise, depth)
	for i := range promises {
		promises[i] = turbostream.NewPromise()
	}

	r, err := turbostream.Encode(context.Background(), promises[0], nil)
	td.Require(t).CmpNoError(err)

	res, err := turbostream.Decode(context.Background(), r, nil)
	td.Require(t).CmpNoError(err)

	go func() {
		for i, p := range promises {
			var next any
			if i+1 < depth {
				next = promises[i+1]
			}
			p.Resolve(turbostream.NewRecord("depth", i, "next", next))
		}
	}()

	v := res.Value
	count := 0
	for v != nil {
		got, err := await(t, v)
		td.Require(t).CmpNoError(err)

		rec := got.(*turbostream.Record)
		td.Require(t).Cmp(rec.Value("depth"), float64(count))
		v = rec.Value("next")
		count++
	}
	td.Cmp(t, count, depth)

	_, err = await(t, res.Done)
	td.CmpNoError(t, err)
}

func TestUnencodable(t *testing.T) {
	config := &turbostream.Config{}

	r, err := turbostream.Encode(context.Background(), turbostream.NewRecord("ok", 1, "ch", make(chan int)), config)
	td.CmpNil(t, r)
	td.CmpErrorIs(t, err, turbostream.ErrUnencodable)

	var encErr *turbostream.EncodeError
	if td.CmpTrue(t, errors.As(err, &encErr)) {
		td.Cmp(t, encErr.Type.String(), "chan int")
	}

	_, err = turbostream.Encode(context.Background(), "a\xffb", nil)
	td.CmpErrorIs(t, err, turbostream.ErrUnencodable, "invalid UTF-8 is not silently replaced")

	_, err = turbostream.Encode(context.Background(), turbostream.NewRecord("k\xff", 1), nil)
	td.CmpErrorIs(t, err, turbostream.ErrUnencodable)

	var buff bytes.Buffer
	err = turbostream.NewEncoder(&buff, nil).Encode(context.Background(), struct{ X int }{1})
	td.CmpErrorIs(t, err, turbostream.ErrUnencodable)
	td.Cmp(t, buff.Len(), 0, "nothing is written")
}

func TestDateWireFormat(t *testing.T) {
	td.Cmp(t, encode(t, time.UnixMilli(1700000000123).UTC(), nil), `[0,["D",1700000000123]]`+"\n\n")
	td.Cmp(t, encode(t, time.Unix(-1, 5), nil), `[0,["D",-1000,5]]`+"\n\n")

	// beyond the milliseconds an int64 holds.
	_, err := turbostream.Encode(context.Background(), time.Date(300000000, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	td.CmpErrorIs(t, err, turbostream.ErrUnencodable)
}

func TestUnencodableSettlement(t *testing.T) {
	wire := encode(t, []any{"kept", turbostream.Resolved([]any{"kept", func() {}})}, nil)

	arr := decode(t, wire, nil).Value.([]any)
	td.Cmp(t, arr[0], "kept")

	_, err := await(t, arr[1])
	var e *turbostream.Error
	if td.CmpTrue(t, errors.As(err, &e)) {
		td.Cmp(t, e.Name, turbostream.TypeErrorName)
	}
}

func TestUnencodableSettlementForgetsDeferreds(t *testing.T) {
	never := turbostream.NewPromise()

	// the placeholder of never is rolled back with the rest of the value, so nothing is left pending.
	wire := encode(t, turbostream.Resolved([]any{never, func() {}}), nil)
	td.Cmp(t, wire, `[0,["P",0]]`+"\n\n"+
		`error:0:[1,["E","TypeError","turbostream: unencodable value: func()"]]`+"\n\n")

	never.Resolve("too late")
}

// careless settles over and over, now and after later is closed.
type careless struct {
	later chan struct{}
}

func (c *careless) Subscribe(onResolve func(any), onReject func(error)) {
	onResolve("first")
	onResolve("second")
	onReject(errors.New("third"))

	go func() {
		<-c.later
		onResolve("fourth")
		onReject(errors.New("fifth"))
	}()
}

// racing settles both ways at once.
type racing struct{}

func (racing) Subscribe(onResolve func(any), onReject func(error)) {
	go onResolve("resolved")
	go onReject(errors.New("rejected"))
}

func TestSettledOnce(t *testing.T) {
	c := &careless{later: make(chan struct{})}
	wire := encode(t, turbostream.NewRecord("a", c, "b", c), nil)
	td.Cmp(t, wire, `[0,["O",1,2,3,2],"a",["P",0],"b"]`+"\n\n"+`data:0:[4,"first"]`+"\n\n")
	close(c.later)

	rec := decode(t, wire, nil).Value.(*turbostream.Record)
	v, err := await(t, rec.Value("a"))
	td.CmpNoError(t, err)
	td.Cmp(t, v, "first")

	for i := 0; i < 20; i++ {
		var frames []string
		wire := encode(t, racing{}, nil)
		err := frameio.ReadFrames(strings.NewReader(wire), func(frame []byte) error {
			frames = append(frames, string(frame))
			return nil
		})
		td.CmpNoError(t, err)
		td.Cmp(t, frames, td.Any(
			[]string{`[0,["P",0]]`, `data:0:[1,"resolved"]`},
			[]string{`[0,["P",0]]`, `error:0:[1,["E","Error","rejected"]]`},
		))
	}
}

func TestCycles(t *testing.T) {
	rec := turbostream.NewRecord("name", "loop")
	rec.Set("self", rec)

	m := turbostream.NewMap()
	m.Set("me", m)

	wire := encode(t, []any{rec, m}, nil)
	td.Cmp(t, wire, `[0,[1,5],["O",2,3,4,1],"name","loop","self",["M",6,5],"me"]`+"\n\n")

	arr := decode(t, wire, nil).Value.([]any)

	got := arr[0].(*turbostream.Record)
	td.Cmp(t, got.Value("self"), td.Shallow(got))
	td.Cmp(t, got.Value("name"), "loop")

	gotMap := arr[1].(*turbostream.Map)
	me, _ := gotMap.Get("me")
	td.Cmp(t, me, td.Shallow(gotMap))
}

type point struct {
	X, Y int
}

func pointPlugin(v any) (string, []any, bool) {
	p, ok := v.(point)
	if !ok {
		return "", nil, false
	}
	return "point", []any{p.X, p.Y}, true
}

func pointDecodePlugin(tag string, args []any) (any, bool) {
	if tag != "point" || len(args) != 2 {
		return nil, false
	}
	return point{X: int(args[0].(float64)), Y: int(args[1].(float64))}, true
}

func TestPlugins(t *testing.T) {
	config := &turbostream.Config{
		Plugins: []turbostream.EncodePlugin{
			pointPlugin,
			func(v any) (string, []any, bool) {
				if _, ok := v.(point); ok {
					t.Error("second plugin consulted after the first matched")
				}
				return "", nil, false
			},
		},
		DecodePlugins: []turbostream.DecodePlugin{
			func(tag string, args []any) (any, bool) { return nil, false },
			pointDecodePlugin,
		},
	}

	wire := encode(t, []any{point{1, 2}, point{2, 1}}, config)
	td.Cmp(t, wire, `[0,[1,4],["$","point",2,3],1,2,["$","point",3,2]]`+"\n\n")

	td.Cmp(t, decode(t, wire, config).Value, []any{point{1, 2}, point{2, 1}})
}

func TestPluginOverridesTags(t *testing.T) {
	upper := func(v any) (string, []any, bool) {
		if s, ok := v.(string); ok && s == "shout" {
			return "upper", []any{strings.ToUpper(s)}, true
		}
		return "", nil, false
	}
	config := &turbostream.Config{
		Plugins: []turbostream.EncodePlugin{upper},
		DecodePlugins: []turbostream.DecodePlugin{
			func(tag string, args []any) (any, bool) {
				if tag != "upper" {
					return nil, false
				}
				return args[0], true
			},
		},
	}

	td.Cmp(t, roundTrip(t, []any{"shout", "quiet"}, config), []any{"SHOUT", "quiet"})
}

func TestPostPlugins(t *testing.T) {
	var calls int
	config := &turbostream.Config{
		PostPlugins: []turbostream.EncodePlugin{
			func(v any) (string, []any, bool) {
				calls++
				if _, ok := v.(func()); ok {
					return "function", nil, true
				}
				return "", nil, false
			},
		},
		DecodePlugins: []turbostream.DecodePlugin{
			func(tag string, args []any) (any, bool) {
				if tag != "function" {
					return nil, false
				}
				return turbostream.Undefined, true
			},
		},
	}

	got := roundTrip(t, turbostream.NewRecord("name", "x", "fn", func() {}), config)
	td.Cmp(t, got, turbostream.NewRecord("name", "x", "fn", turbostream.Undefined))
	td.Cmp(t, calls, 1, "post-plugins only see values nothing else claims")

	_, err := turbostream.Encode(context.Background(), func() {}, nil)
	td.CmpErrorIs(t, err, turbostream.ErrUnencodable)
}

func TestPluginWithoutDecoder(t *testing.T) {
	config := &turbostream.Config{Plugins: []turbostream.EncodePlugin{pointPlugin}}
	wire := encode(t, point{1, 2}, config)

	_, err := turbostream.Decode(context.Background(), strings.NewReader(wire), nil)
	td.CmpErrorIs(t, err, turbostream.ErrMalformed)
}

func TestEncodeReaderClosedEarly(t *testing.T) {
	before := runtime.NumGoroutine()

	pending := make([]*turbostream.Promise, 20)
	for i := range pending {
		pending[i] = turbostream.NewPromise()
		r, err := turbostream.Encode(context.Background(), pending[i], nil)
		td.Require(t).CmpNoError(err)

		buff := make([]byte, 64)
		n, err := r.Read(buff)
		td.CmpNoError(t, err)
		td.Cmp(t, string(buff[:n]), `[0,["P",0]]`+"\n\n")
		td.CmpNoError(t, r.Close())

		_, err = r.Read(buff)
		td.CmpErrorIs(t, err, io.ErrClosedPipe)
	}

	// none of the deferreds ever settle; closing the reader alone must end each stream.
	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	td.Cmp(t, runtime.NumGoroutine(), td.Lte(before), "every stream goroutine exits")

	// late settlements are ignored.
	for _, p := range pending {
		p.Resolve("ignored")
	}
}
