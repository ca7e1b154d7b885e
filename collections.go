package turbostream

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/stewi1014/turbostream/internal/reftable"
)

// orderedKeys locates values in insertion order.
// Comparable values match by ==, composites match by identity.
type orderedKeys struct {
	keys  []any
	index map[any]int
}

func lookupKey(v any) any {
	switch f := v.(type) {
	case nil:
		return nil
	case float64:
		if f != f {
			return nanKey{reflect.TypeOf(v)}
		}
	case float32:
		if f != f {
			return nanKey{reflect.TypeOf(v)}
		}
	}
	if reflect.TypeOf(v).Comparable() {
		return v
	}
	if key, ok := reftable.KeyOf(v); ok {
		return key
	}
	// empty slices have no identity; all of one type are the same key.
	return emptyKey{reflect.TypeOf(v)}
}

// nanKey makes every NaN of a type the same key, as NaN never equals itself.
type nanKey struct {
	t reflect.Type
}

type emptyKey struct {
	t reflect.Type
}

func (o *orderedKeys) find(v any) int {
	i, ok := o.index[lookupKey(v)]
	if !ok {
		return -1
	}
	return i
}

// add appends v, returning its position and whether it was already present.
func (o *orderedKeys) add(v any) (int, bool) {
	if i := o.find(v); i >= 0 {
		return i, true
	}
	if o.index == nil {
		o.index = make(map[any]int)
	}
	o.index[lookupKey(v)] = len(o.keys)
	o.keys = append(o.keys, v)
	return len(o.keys) - 1, false
}

func (o *orderedKeys) remove(i int) {
	delete(o.index, lookupKey(o.keys[i]))
	o.keys = append(o.keys[:i], o.keys[i+1:]...)
	for j := i; j < len(o.keys); j++ {
		o.index[lookupKey(o.keys[j])] = j
	}
}

// NewMap returns a map holding the given key-value pairs in order.
// It panics if kv has an odd length.
func NewMap(kv ...any) *Map {
	if len(kv)%2 != 0 {
		panic("turbostream: NewMap needs key-value pairs")
	}

	m := &Map{}
	for i := 0; i < len(kv); i += 2 {
		m.Set(kv[i], kv[i+1])
	}
	return m
}

// Map is an ordered key-value container with keys of any type.
//
// The zero value is an empty map ready to use.
type Map struct {
	keys   orderedKeys
	values []any
}

// Set sets the value of key, appending key if it is new. It returns m.
func (m *Map) Set(key, value any) *Map {
	if i, ok := m.keys.add(key); ok {
		m.values[i] = value
	} else {
		m.values = append(m.values, value)
	}
	return m
}

// Get returns the value of key.
func (m *Map) Get(key any) (any, bool) {
	i := m.keys.find(key)
	if i < 0 {
		return nil, false
	}
	return m.values[i], true
}

// Has reports whether key is present.
func (m *Map) Has(key any) bool {
	return m.keys.find(key) >= 0
}

// Delete removes key.
func (m *Map) Delete(key any) {
	i := m.keys.find(key)
	if i < 0 {
		return
	}
	m.keys.remove(i)
	m.values = append(m.values[:i], m.values[i+1:]...)
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.values)
}

// Range calls fn for every entry in insertion order until fn returns false.
func (m *Map) Range(fn func(key, value any) bool) {
	for i, k := range m.keys.keys {
		if !fn(k, m.values[i]) {
			return
		}
	}
}

func (m *Map) String() string {
	parts := make([]string, 0, m.Len())
	m.Range(func(k, v any) bool {
		parts = append(parts, fmt.Sprintf("%v => %v", k, v))
		return true
	})
	return fmt.Sprintf("Map(%d) {%s}", m.Len(), strings.Join(parts, ", "))
}

// NewSet returns a set holding values in order, ignoring repeats.
func NewSet(values ...any) *Set {
	s := &Set{}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Set is a uniqueness container kept in insertion order.
//
// The zero value is an empty set ready to use.
type Set struct {
	values orderedKeys
}

// Add appends v if it is not present. It returns s.
func (s *Set) Add(v any) *Set {
	s.values.add(v)
	return s
}

// Has reports whether v is present.
func (s *Set) Has(v any) bool {
	return s.values.find(v) >= 0
}

// Delete removes v.
func (s *Set) Delete(v any) {
	if i := s.values.find(v); i >= 0 {
		s.values.remove(i)
	}
}

// Len returns the number of values.
func (s *Set) Len() int {
	return len(s.values.keys)
}

// Values returns the values in insertion order.
func (s *Set) Values() []any {
	return append([]any(nil), s.values.keys...)
}

// Range calls fn for every value in insertion order until fn returns false.
func (s *Set) Range(fn func(v any) bool) {
	for _, v := range s.values.keys {
		if !fn(v) {
			return
		}
	}
}

func (s *Set) String() string {
	parts := make([]string, 0, s.Len())
	s.Range(func(v any) bool {
		parts = append(parts, fmt.Sprint(v))
		return true
	})
	return fmt.Sprintf("Set(%d) {%s}", s.Len(), strings.Join(parts, ", "))
}
