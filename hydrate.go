package turbostream

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// entry hydration states
const (
	entryRaw = iota
	entryHydrating
	entryReady
)

// decodeState is the decode side of the reference table: the raw entries of every frame read so far,
// and the values hydrated from them. Entries are hydrated lazily, once, when first referenced.
//
// It is not thread safe.
type decodeState struct {
	config *Config

	raw    []json.RawMessage
	values []any
	states []uint8

	// promises holds the handle of every placeholder, by deferred id.
	promises map[int]*Promise
	// fresh holds the ids of the handles created since the decoder last looked.
	fresh []int
}

func newDecodeState(config *Config) *decodeState {
	return &decodeState{
		config:   config,
		promises: make(map[int]*Promise),
	}
}

// parsePayload splits the payload of a frame into its root reference and its entries.
func parsePayload(payload []byte) (int, []json.RawMessage, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(payload, &elems); err != nil {
		return 0, nil, errors.Wrapf(ErrMalformed, "bad payload: %v", err)
	}
	if len(elems) == 0 {
		return 0, nil, errors.Wrap(ErrMalformed, "payload has no root")
	}

	root, err := strconv.Atoi(string(elems[0]))
	if err != nil {
		return 0, nil, errors.Wrapf(ErrMalformed, "bad root reference %s", elems[0])
	}
	return root, elems[1:], nil
}

// append adds the entries of a frame to the table.
func (d *decodeState) append(entries []json.RawMessage) {
	d.raw = append(d.raw, entries...)
	d.values = append(d.values, make([]any, len(entries))...)
	d.states = append(d.states, make([]uint8, len(entries))...)
}

// set stores the value of an entry. Containers call it before hydrating their children, so a child may refer back to them.
func (d *decodeState) set(index int, v any) {
	d.values[index] = v
	d.states[index] = entryReady
}

func (d *decodeState) hydrateArg(args []json.RawMessage, i int) (any, error) {
	ref, err := argInt(args, i)
	if err != nil {
		return nil, err
	}
	return d.hydrate(ref)
}

// hydrate returns the value of ref.
func (d *decodeState) hydrate(ref int) (any, error) {
	switch ref {
	case refUndefined:
		return Undefined, nil
	case refNull:
		return nil, nil
	case refNaN:
		return math.NaN(), nil
	case refPosInf:
		return math.Inf(1), nil
	case refNegInf:
		return math.Inf(-1), nil
	case refNegZero:
		return math.Copysign(0, -1), nil
	case refHole:
		return Hole, nil
	}

	if ref < 0 || ref >= len(d.raw) {
		return nil, errors.Wrapf(ErrMalformed, "reference %d out of range [0, %d)", ref, len(d.raw))
	}

	switch d.states[ref] {
	case entryReady:
		return d.values[ref], nil
	case entryHydrating:
		return nil, errors.Wrapf(ErrMalformed, "entry %d refers to itself", ref)
	}

	d.states[ref] = entryHydrating
	v, err := d.parse(ref, d.raw[ref])
	if err != nil {
		return nil, err
	}
	d.set(ref, v)
	return v, nil
}

func (d *decodeState) parse(index int, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, errors.Wrapf(ErrMalformed, "entry %d is empty", index)
	}

	switch raw[0] {
	case '"':
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "entry %d: %v", index, err)
		}
		return str, nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "entry %d: %v", index, err)
		}
		return b, nil

	case '[':
		return d.parseArray(index, raw)
	}

	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "entry %d is not a value: %s", index, raw)
	}
	return f, nil
}

func (d *decodeState) parseArray(index int, raw json.RawMessage) (any, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "entry %d: %v", index, err)
	}

	if len(elems) > 0 && len(elems[0]) > 0 && elems[0][0] == '"' {
		var tag string
		if err := json.Unmarshal(elems[0], &tag); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "entry %d: %v", index, err)
		}

		codec, ok := registryByTag[tag]
		if !ok || codec.decode == nil {
			return nil, errors.Wrapf(ErrMalformed, "entry %d has unknown tag %q", index, tag)
		}

		v, err := codec.decode(d, index, elems[1:])
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s entry %d", codec.name, index)
		}
		return v, nil
	}

	arr := make([]any, len(elems))
	d.set(index, arr)
	for i := range elems {
		v, err := d.hydrateArg(elems, i)
		if err != nil {
			return nil, err
		}
		arr[i] = v
	}
	return arr, nil
}

// promise returns the handle of the deferred id, creating it at its first placeholder.
func (d *decodeState) promise(id int) (*Promise, error) {
	if id < 0 {
		return nil, errors.Wrapf(ErrMalformed, "bad deferred id %d", id)
	}
	if p, ok := d.promises[id]; ok {
		return p, nil
	}

	p := NewPromise()
	d.promises[id] = p
	d.fresh = append(d.fresh, id)
	return p, nil
}

// release drops every value the table holds.
func (d *decodeState) release() {
	d.raw = nil
	d.values = nil
	d.states = nil
}
