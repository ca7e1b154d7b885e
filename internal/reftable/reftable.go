// Package reftable assigns stable indices to the values seen during one encode pass,
// so that every later occurrence of a value is written as a backreference.
//
// Primitive values are deduplicated by value, composite values by identity.
package reftable

import (
	"math"
	"math/big"
	"reflect"
	"unsafe"
)

// Key identifies a value in a Table. Two values with equal keys share an index.
type Key interface{}

// value keys; distinct types keep "1" and 1 apart.
type (
	stringKey string
	numberKey float64
	boolKey   bool
	bigKey    string
	atomKey   string
)

// identityKey is the address of a composite value. Keeping the pointer in the table keeps the value alive for the whole pass.
type identityKey struct {
	t   reflect.Type
	ptr unsafe.Pointer
	len int
}

// Atom is implemented by values that are deduplicated by a registry key rather than by identity.
type Atom interface {
	AtomKey() string
}

// KeyOf returns the table key for v.
// ok is false for values that have neither a comparable value nor an identity, such as time.Time;
// they are encoded afresh at every occurrence.
func KeyOf(v interface{}) (key Key, ok bool) {
	switch v := v.(type) {
	case string:
		return stringKey(v), true
	case bool:
		return boolKey(v), true
	case float64:
		// NaN and negative zero are written as constants, never interned.
		return numberKey(v), v == v && !(v == 0 && math.Signbit(v))
	case *big.Int:
		if v == nil {
			return nil, false
		}
		return bigKey(v.String()), true
	case Atom:
		return atomKey(v.AtomKey()), true
	}

	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if val.IsNil() {
			return nil, false
		}
		return identityKey{t: val.Type(), ptr: val.UnsafePointer()}, true
	case reflect.Slice:
		// zero length slices may share the runtime's zero-size allocation.
		if val.Len() == 0 {
			return nil, false
		}
		return identityKey{t: val.Type(), ptr: val.UnsafePointer(), len: val.Len()}, true
	}

	return nil, false
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		indexByKey: make(map[Key]int),
	}
}

// Table is the encode side of the reference table.
// Indices are assigned in order, starting at 0.
//
// It is not thread safe.
type Table struct {
	indexByKey map[Key]int
	// keyByIndex is nil where an index was reserved without a key.
	keyByIndex []Key
}

// Intern returns the index of key, assigning the next index if key has not been seen.
// seen reports whether the index was assigned by an earlier call.
func (t *Table) Intern(key Key) (index int, seen bool) {
	if index, seen = t.indexByKey[key]; seen {
		return index, true
	}

	index = t.Reserve()
	t.indexByKey[key] = index
	t.keyByIndex[index] = key
	return index, false
}

// Lookup returns the index of key, if it has one.
func (t *Table) Lookup(key Key) (int, bool) {
	index, ok := t.indexByKey[key]
	return index, ok
}

// Reserve assigns the next index without a key; the value it holds can never be referenced again.
func (t *Table) Reserve() int {
	t.keyByIndex = append(t.keyByIndex, nil)
	return len(t.keyByIndex) - 1
}

// Len returns the number of indices assigned.
func (t *Table) Len() int {
	return len(t.keyByIndex)
}

// Truncate forgets every index from n on, so the values they held are interned afresh when seen again.
func (t *Table) Truncate(n int) {
	if n >= len(t.keyByIndex) {
		return
	}
	for _, key := range t.keyByIndex[n:] {
		if key != nil {
			delete(t.indexByKey, key)
		}
	}
	t.keyByIndex = t.keyByIndex[:n]
}

// Reset releases every key, keeping nothing alive.
func (t *Table) Reset() {
	t.indexByKey = make(map[Key]int)
	t.keyByIndex = nil
}
