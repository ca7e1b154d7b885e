package turbostream

import (
	"reflect"
	"strconv"

	"github.com/stewi1014/turbostream/internal/reftable"
)

// deferredRegistry tracks the deferred values met by an encodeState.
type deferredRegistry interface {
	// register subscribes to d and returns its fresh id.
	register(d Deferred) int
	// forget drops an id whose placeholder was never written.
	forget(id int)
}

// encodeState flattens values into table entries.
// The table is shared by the critical frame and every settlement frame of one stream,
// so a value written once is a backreference in every later frame.
//
// It is not thread safe.
type encodeState struct {
	config    *Config
	table     *reftable.Table
	deferreds deferredRegistry

	// entries holds the entries not yet written, starting at index base.
	entries [][]byte
	base    int

	// registered holds the ids of the deferreds met since the last payload.
	registered []int
}

func newEncodeState(config *Config, deferreds deferredRegistry) *encodeState {
	return &encodeState{
		config:    config,
		table:     reftable.New(),
		deferreds: deferreds,
	}
}

// snapshot is the state of an encodeState before a value is flattened.
type snapshot struct {
	tableLen   int
	registered int
}

func (s *encodeState) snapshot() snapshot {
	return snapshot{
		tableLen:   s.table.Len(),
		registered: len(s.registered),
	}
}

// rollback undoes everything flattened since snap was taken.
func (s *encodeState) rollback(snap snapshot) {
	s.table.Truncate(snap.tableLen)
	s.entries = s.entries[:snap.tableLen-s.base]
	for _, id := range s.registered[snap.registered:] {
		s.deferreds.forget(id)
	}
	s.registered = s.registered[:snap.registered]
}

func (s *encodeState) register(d Deferred) int {
	id := s.deferreds.register(d)
	s.registered = append(s.registered, id)
	return id
}

// flatten returns the reference of v, appending the entries of every value not seen before.
func (s *encodeState) flatten(v any) (int, error) {
	if ref, ok := constantRef(v); ok {
		return ref, nil
	}

	key, hasKey := keyOf(v)
	if hasKey {
		if index, ok := s.table.Lookup(key); ok {
			return index, nil
		}
	}

	var index int
	if hasKey {
		index, _ = s.table.Intern(key)
	} else {
		index = s.table.Reserve()
	}
	// the index is taken before children are flattened, so a child referring back to v is a backreference.
	s.entries = append(s.entries, nil)

	entry, err := s.stringify(v)
	if err != nil {
		return 0, err
	}
	s.entries[index-s.base] = entry
	return index, nil
}

// keyOf derives the table key of v.
// Unnamed numeric kinds share the key of the equal float64; named ones keep their own type for the plugins.
func keyOf(v any) (reftable.Key, bool) {
	if t := reflect.TypeOf(v); t != nil && t.PkgPath() == "" {
		if f, ok := number(v); ok {
			return reftable.KeyOf(f)
		}
	}
	return reftable.KeyOf(v)
}

// stringify builds the entry of v: plugins first, then the built-in tags, then the post-plugins.
func (s *encodeState) stringify(v any) ([]byte, error) {
	if tag, args, ok := encodePlugins(s.config.Plugins, v); ok {
		return encodePluginEntry(s, tag, args)
	}

	for i := range registry {
		if registry[i].encode == nil {
			continue
		}
		entry, ok, err := registry[i].encode(s, v)
		if err != nil {
			return nil, err
		}
		if ok {
			return entry, nil
		}
	}

	if tag, args, ok := encodePlugins(s.config.PostPlugins, v); ok {
		return encodePluginEntry(s, tag, args)
	}

	return nil, &EncodeError{
		Type: reflect.TypeOf(v),
		Err:  ErrUnencodable,
	}
}

// appendRefs flattens each value and appends its reference and a comma to dst.
func (s *encodeState) appendRefs(dst []byte, values ...any) ([]byte, error) {
	for _, v := range values {
		ref, err := s.flatten(v)
		if err != nil {
			return nil, err
		}
		dst = strconv.AppendInt(dst, int64(ref), 10)
		dst = append(dst, ',')
	}
	return dst, nil
}

// payload returns the JSON array of root followed by every entry not yet written, and marks them written.
func (s *encodeState) payload(root int) []byte {
	size := 16
	for _, entry := range s.entries {
		size += len(entry) + 1
	}

	buff := make([]byte, 0, size)
	buff = append(buff, '[')
	buff = strconv.AppendInt(buff, int64(root), 10)
	for _, entry := range s.entries {
		buff = append(buff, ',')
		buff = append(buff, entry...)
	}
	buff = append(buff, ']')

	s.base += len(s.entries)
	s.entries = s.entries[:0]
	s.registered = s.registered[:0]
	return buff
}

// release drops every value the table holds.
func (s *encodeState) release() {
	s.table.Reset()
	s.entries = nil
	s.registered = nil
}
