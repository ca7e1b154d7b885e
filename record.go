package turbostream

import (
	"fmt"
	"strings"
)

// NewRecord returns a record holding the given key-value pairs in order.
// It panics if kv has an odd length or a key is not a string.
func NewRecord(kv ...any) *Record {
	if len(kv)%2 != 0 {
		panic("turbostream: NewRecord needs key-value pairs")
	}

	r := &Record{}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("turbostream: record key %v is a %T, not a string", kv[i], kv[i]))
		}
		r.Set(key, kv[i+1])
	}
	return r
}

// Record is an object with string keys kept in insertion order.
// NullPrototype marks a base-less record.
//
// The zero value is an empty record ready to use.
type Record struct {
	NullPrototype bool

	keys   []string
	values map[string]any
}

// Set sets the value of key, appending key if it is new. It returns r.
func (r *Record) Set(key string, value any) *Record {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
	return r
}

// Get returns the value of key.
func (r *Record) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Value returns the value of key, or Undefined if it is not set.
func (r *Record) Value(key string) any {
	if v, ok := r.values[key]; ok {
		return v
	}
	return Undefined
}

// Delete removes key.
func (r *Record) Delete(key string) {
	if _, ok := r.values[key]; !ok {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			return
		}
	}
}

// Keys returns the keys in insertion order.
func (r *Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Len returns the number of keys.
func (r *Record) Len() int {
	return len(r.keys)
}

// Range calls fn for every key in insertion order until fn returns false.
func (r *Record) Range(fn func(key string, value any) bool) {
	for _, k := range r.keys {
		if !fn(k, r.values[k]) {
			return
		}
	}
}

func (r *Record) String() string {
	var b strings.Builder
	if r.NullPrototype {
		b.WriteString("[Object: null prototype] ")
	}
	b.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", k, r.values[k])
	}
	b.WriteByte('}')
	return b.String()
}
