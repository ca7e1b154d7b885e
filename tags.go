package turbostream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Wire tags of the built-in kinds.
// Strings, numbers and booleans are bare JSON values, arrays are bare JSON arrays of references,
// and every other entry is a JSON array whose first element is its tag.
const (
	tagBigInt     = "B"
	tagDate       = "D"
	tagError      = "E"
	tagURL        = "L"
	tagMap        = "M"
	tagRecord     = "O"
	tagDeferred   = "P"
	tagRegExp     = "R"
	tagSet        = "S"
	tagSymbol     = "Y"
	tagNullRecord = "Z"
	tagPlugin     = "$"
)

// Reserved references for values that are never interned.
const (
	refUndefined = -1 - iota
	refNull
	refNaN
	refPosInf
	refNegInf
	refNegZero
	refHole
)

// tagCodec is an entry of the tag registry.
type tagCodec struct {
	name string

	// tag is empty for kinds written as bare JSON.
	tag string

	// encode returns the entry for v, or ok false if v is not of this kind.
	encode func(s *encodeState, v any) (entry []byte, ok bool, err error)

	// decode rebuilds the value at index from the arguments following the tag.
	// Containers must be stored with decodeState.set before their children are hydrated.
	decode func(d *decodeState, index int, args []json.RawMessage) (any, error)
}

var (
	// registry is tried in order; the first kind to claim a value encodes it.
	registry []tagCodec

	// registryByTag finds the decoder of a tagged entry.
	registryByTag map[string]*tagCodec
)

func init() {
	registry = []tagCodec{
		{name: "deferred", tag: tagDeferred, encode: encodeDeferred, decode: decodeDeferred},
		{name: "string", encode: encodeString},
		{name: "boolean", encode: encodeBool},
		{name: "number", encode: encodeNumber},
		{name: "bigint", tag: tagBigInt, encode: encodeBigInt, decode: decodeBigInt},
		{name: "symbol", tag: tagSymbol, encode: encodeSymbol, decode: decodeSymbol},
		{name: "date", tag: tagDate, encode: encodeDate, decode: decodeDate},
		{name: "regexp", tag: tagRegExp, encode: encodeRegExp, decode: decodeRegExp},
		{name: "url", tag: tagURL, encode: encodeURL, decode: decodeURL},
		{name: "array", encode: encodeArray},
		{name: "record", tag: tagRecord, encode: encodeRecord, decode: decodeRecord},
		{name: "null-prototype record", tag: tagNullRecord, decode: decodeNullRecord},
		{name: "map", tag: tagMap, encode: encodeMap, decode: decodeMap},
		{name: "set", tag: tagSet, encode: encodeSet, decode: decodeSet},
		{name: "error", tag: tagError, encode: encodeError, decode: decodeError},
		{name: "plugin", tag: tagPlugin, decode: decodePlugin},
		{name: "reflected slice", encode: encodeReflectSlice},
		{name: "reflected map", encode: encodeReflectMap},
	}

	registryByTag = make(map[string]*tagCodec)
	for i := range registry {
		if registry[i].tag != "" {
			registryByTag[registry[i].tag] = &registry[i]
		}
	}
}

// isNil reports whether v is nil or a nil pointer, map, slice, func or channel; all are written as null.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface, reflect.UnsafePointer:
		return val.IsNil()
	}
	return false
}

// number returns v as a float64 if it is any Go integer or float kind.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	}

	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(val.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(val.Uint()), true
	case reflect.Float32, reflect.Float64:
		return val.Float(), true
	}
	return 0, false
}

// constantRef returns the reserved reference of v, if it has one.
func constantRef(v any) (int, bool) {
	switch v.(type) {
	case undefined:
		return refUndefined, true
	case hole:
		return refHole, true
	}

	if isNil(v) {
		return refNull, true
	}

	if f, ok := number(v); ok {
		switch {
		case math.IsNaN(f):
			return refNaN, true
		case math.IsInf(f, 1):
			return refPosInf, true
		case math.IsInf(f, -1):
			return refNegInf, true
		case f == 0 && math.Signbit(f):
			return refNegZero, true
		}
	}
	return 0, false
}

func encodeDeferred(s *encodeState, v any) ([]byte, bool, error) {
	d, ok := v.(Deferred)
	if !ok {
		return nil, false, nil
	}
	id := s.register(d)
	return appendEnd(appendInt(beginTag(tagDeferred), id)), true, nil
}

func decodeDeferred(d *decodeState, index int, args []json.RawMessage) (any, error) {
	id, err := argInt(args, 0)
	if err != nil {
		return nil, err
	}
	return d.promise(id)
}

func encodeString(s *encodeState, v any) ([]byte, bool, error) {
	str, ok := v.(string)
	if !ok {
		return nil, false, nil
	}
	// JSON would silently replace the bad bytes.
	if !utf8.ValidString(str) {
		return nil, true, &EncodeError{Type: reflect.TypeOf(v), Err: ErrUnencodable}
	}
	return appendString(nil, str), true, nil
}

func encodeBool(s *encodeState, v any) ([]byte, bool, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, false, nil
	}
	return strconv.AppendBool(nil, b), true, nil
}

func encodeNumber(s *encodeState, v any) ([]byte, bool, error) {
	f, ok := number(v)
	if !ok {
		return nil, false, nil
	}
	return appendFloat(nil, f), true, nil
}

func encodeBigInt(s *encodeState, v any) ([]byte, bool, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return nil, false, nil
	}
	return appendEnd(appendString(append(beginTag(tagBigInt), ','), n.String())), true, nil
}

func decodeBigInt(d *decodeState, index int, args []json.RawMessage) (any, error) {
	digits, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "bad big integer %q", digits)
	}
	return n, nil
}

func encodeSymbol(s *encodeState, v any) ([]byte, bool, error) {
	sym, ok := v.(Symbol)
	if !ok {
		return nil, false, nil
	}
	return appendEnd(appendString(append(beginTag(tagSymbol), ','), string(sym))), true, nil
}

func decodeSymbol(d *decodeState, index int, args []json.RawMessage) (any, error) {
	key, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	return Symbol(key), nil
}

// encodeDate writes the instant as milliseconds since the Unix epoch, followed by the nanoseconds within
// that millisecond when there are any. The location is not kept; dates decode in UTC.
func encodeDate(s *encodeState, v any) ([]byte, bool, error) {
	var t time.Time
	switch d := v.(type) {
	case time.Time:
		t = d
	case *time.Time:
		t = *d
	default:
		return nil, false, nil
	}
	if sec := t.Unix(); sec > math.MaxInt64/1000 || sec < math.MinInt64/1000 {
		return nil, true, &EncodeError{Type: reflect.TypeOf(v), Err: ErrUnencodable}
	}

	entry := strconv.AppendInt(append(beginTag(tagDate), ','), t.UnixMilli(), 10)
	if nanos := t.Nanosecond() % int(time.Millisecond); nanos != 0 {
		entry = appendInt(entry, nanos)
	}
	return appendEnd(entry), true, nil
}

func decodeDate(d *decodeState, index int, args []json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, errors.Wrap(ErrMalformed, "missing argument 0")
	}
	ms, err := strconv.ParseInt(string(args[0]), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "bad date %s", args[0])
	}

	var nanos int
	if len(args) > 1 {
		if nanos, err = argInt(args, 1); err != nil {
			return nil, err
		}
		if nanos < 0 || nanos >= int(time.Millisecond) {
			return nil, errors.Wrapf(ErrMalformed, "date nanoseconds %d out of range", nanos)
		}
	}
	return time.UnixMilli(ms).Add(time.Duration(nanos)).UTC(), nil
}

func encodeRegExp(s *encodeState, v any) ([]byte, bool, error) {
	var re RegExp
	switch r := v.(type) {
	case RegExp:
		re = r
	case *RegExp:
		re = *r
	case *regexp.Regexp:
		re = RegExp{Source: r.String()}
	default:
		return nil, false, nil
	}
	entry := appendString(append(beginTag(tagRegExp), ','), re.Source)
	entry = appendString(append(entry, ','), re.Flags)
	return appendEnd(entry), true, nil
}

func decodeRegExp(d *decodeState, index int, args []json.RawMessage) (any, error) {
	source, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	flags, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	return RegExp{Source: source, Flags: flags}, nil
}

func encodeURL(s *encodeState, v any) ([]byte, bool, error) {
	var href string
	switch u := v.(type) {
	case *url.URL:
		href = u.String()
	case url.URL:
		href = u.String()
	default:
		return nil, false, nil
	}
	return appendEnd(appendString(append(beginTag(tagURL), ','), href)), true, nil
}

func decodeURL(d *decodeState, index int, args []json.RawMessage) (any, error) {
	href, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(href)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "bad url %q: %v", href, err)
	}
	return u, nil
}

func encodeArray(s *encodeState, v any) ([]byte, bool, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false, nil
	}
	entry, err := s.appendRefs([]byte{'['}, arr...)
	if err != nil {
		return nil, true, err
	}
	return appendEnd(trimComma(entry)), true, nil
}

func encodeRecord(s *encodeState, v any) ([]byte, bool, error) {
	r, ok := v.(*Record)
	if !ok {
		return nil, false, nil
	}

	tag := tagRecord
	if r.NullPrototype {
		tag = tagNullRecord
	}

	entry := beginTag(tag)
	var err error
	r.Range(func(key string, value any) bool {
		entry, err = s.appendRefs(append(entry, ','), key, value)
		entry = trimComma(entry)
		return err == nil
	})
	if err != nil {
		return nil, true, err
	}
	return appendEnd(entry), true, nil
}

func decodeRecord(d *decodeState, index int, args []json.RawMessage) (any, error) {
	return hydrateRecord(d, index, &Record{}, args)
}

func decodeNullRecord(d *decodeState, index int, args []json.RawMessage) (any, error) {
	return hydrateRecord(d, index, &Record{NullPrototype: true}, args)
}

func hydrateRecord(d *decodeState, index int, r *Record, args []json.RawMessage) (any, error) {
	if len(args)%2 != 0 {
		return nil, errors.Wrap(ErrMalformed, "record has an odd number of arguments")
	}
	d.set(index, r)

	for i := 0; i < len(args); i += 2 {
		k, err := d.hydrateArg(args, i)
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, errors.Wrapf(ErrMalformed, "record key is a %T", k)
		}
		value, err := d.hydrateArg(args, i+1)
		if err != nil {
			return nil, err
		}
		r.Set(key, value)
	}
	return r, nil
}

func encodeMap(s *encodeState, v any) ([]byte, bool, error) {
	m, ok := v.(*Map)
	if !ok {
		return nil, false, nil
	}

	entry := beginTag(tagMap)
	var err error
	m.Range(func(key, value any) bool {
		entry, err = s.appendRefs(append(entry, ','), key, value)
		entry = trimComma(entry)
		return err == nil
	})
	if err != nil {
		return nil, true, err
	}
	return appendEnd(entry), true, nil
}

func decodeMap(d *decodeState, index int, args []json.RawMessage) (any, error) {
	if len(args)%2 != 0 {
		return nil, errors.Wrap(ErrMalformed, "map has an odd number of arguments")
	}

	m := &Map{}
	d.set(index, m)

	for i := 0; i < len(args); i += 2 {
		key, err := d.hydrateArg(args, i)
		if err != nil {
			return nil, err
		}
		value, err := d.hydrateArg(args, i+1)
		if err != nil {
			return nil, err
		}
		m.Set(key, value)
	}
	return m, nil
}

func encodeSet(s *encodeState, v any) ([]byte, bool, error) {
	set, ok := v.(*Set)
	if !ok {
		return nil, false, nil
	}

	entry, err := s.appendRefs(append(beginTag(tagSet), ','), set.values.keys...)
	if err != nil {
		return nil, true, err
	}
	return appendEnd(trimComma(entry)), true, nil
}

func decodeSet(d *decodeState, index int, args []json.RawMessage) (any, error) {
	set := &Set{}
	d.set(index, set)

	for i := range args {
		v, err := d.hydrateArg(args, i)
		if err != nil {
			return nil, err
		}
		set.Add(v)
	}
	return set, nil
}

func encodeError(s *encodeState, v any) ([]byte, bool, error) {
	var e *Error
	switch err := v.(type) {
	case *Error:
		e = err
	case error:
		e = NewError(ErrorName, err.Error())
	default:
		return nil, false, nil
	}

	name := e.Name
	if name == "" {
		name = ErrorName
	}

	entry := appendString(append(beginTag(tagError), ','), name)
	entry = appendString(append(entry, ','), e.Message)
	if e.Stack != "" {
		entry = appendString(append(entry, ','), e.Stack)
	}
	return appendEnd(entry), true, nil
}

func decodeError(d *decodeState, index int, args []json.RawMessage) (any, error) {
	name, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	message, err := argString(args, 1)
	if err != nil {
		return nil, err
	}

	e := NewError(name, message)
	if len(args) > 2 {
		if e.Stack, err = argString(args, 2); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// encodePluginEntry writes the result of a plugin or post-plugin.
func encodePluginEntry(s *encodeState, tag string, args []any) ([]byte, error) {
	entry := appendString(append(beginTag(tagPlugin), ','), tag)
	entry, err := s.appendRefs(append(entry, ','), args...)
	if err != nil {
		return nil, err
	}
	return appendEnd(trimComma(entry)), nil
}

func decodePlugin(d *decodeState, index int, args []json.RawMessage) (any, error) {
	tag, err := argString(args, 0)
	if err != nil {
		return nil, err
	}

	values := make([]any, len(args)-1)
	for i := range values {
		if values[i], err = d.hydrateArg(args, i+1); err != nil {
			return nil, err
		}
	}

	v, ok := decodePlugins(d.config.DecodePlugins, tag, values)
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "no decode plugin claims tag %q", tag)
	}
	return v, nil
}

// encodeReflectSlice writes any other slice or array as an array.
func encodeReflectSlice(s *encodeState, v any) ([]byte, bool, error) {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Slice && val.Kind() != reflect.Array {
		return nil, false, nil
	}

	elems := make([]any, val.Len())
	for i := range elems {
		elems[i] = val.Index(i).Interface()
	}
	entry, err := s.appendRefs([]byte{'['}, elems...)
	if err != nil {
		return nil, true, err
	}
	return appendEnd(trimComma(entry)), true, nil
}

// encodeReflectMap writes maps with string keys as records, and any other map as a Map.
// Keys are sorted, so the output is deterministic.
func encodeReflectMap(s *encodeState, v any) ([]byte, bool, error) {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Map {
		return nil, false, nil
	}

	keys := val.MapKeys()
	tag := tagMap
	if val.Type().Key().Kind() == reflect.String {
		tag = tagRecord
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	} else {
		sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j]) })
	}

	entry := beginTag(tag)
	for _, k := range keys {
		var key any = k.Interface()
		if tag == tagRecord {
			key = k.String()
		}

		var err error
		entry, err = s.appendRefs(append(entry, ','), key, val.MapIndex(k).Interface())
		if err != nil {
			return nil, true, err
		}
		entry = trimComma(entry)
	}
	return appendEnd(entry), true, nil
}

func beginTag(tag string) []byte {
	return appendString([]byte{'['}, tag)
}

func appendEnd(entry []byte) []byte {
	return append(entry, ']')
}

func appendInt(dst []byte, i int) []byte {
	return strconv.AppendInt(append(dst, ','), int64(i), 10)
}

// trimComma removes the trailing comma left by appendRefs.
func trimComma(entry []byte) []byte {
	if len(entry) > 0 && entry[len(entry)-1] == ',' {
		return entry[:len(entry)-1]
	}
	return entry
}

// appendString appends str as a JSON string. HTML characters are not escaped.
func appendString(dst []byte, str string) []byte {
	var buff bytes.Buffer
	enc := json.NewEncoder(&buff)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(str)
	return append(dst, bytes.TrimSuffix(buff.Bytes(), []byte{'\n'})...)
}

// appendFloat appends f the way encoding/json formats numbers.
func appendFloat(dst []byte, f float64) []byte {
	format := byte('f')
	if abs := math.Abs(f); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		format = 'e'
	}
	return strconv.AppendFloat(dst, f, format, -1, 64)
}

func argString(args []json.RawMessage, i int) (string, error) {
	if i >= len(args) {
		return "", errors.Wrapf(ErrMalformed, "missing argument %d", i)
	}
	var str string
	if err := json.Unmarshal(args[i], &str); err != nil {
		return "", errors.Wrapf(ErrMalformed, "argument %d is not a string: %v", i, err)
	}
	return str, nil
}

func argInt(args []json.RawMessage, i int) (int, error) {
	if i >= len(args) {
		return 0, errors.Wrapf(ErrMalformed, "missing argument %d", i)
	}
	n, err := strconv.Atoi(string(args[i]))
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "argument %d is not an integer: %s", i, args[i])
	}
	return n, nil
}
