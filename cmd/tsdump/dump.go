package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/stewi1014/turbostream"
	"github.com/stewi1014/turbostream/frameio"
)

// pluginValue stands in for plugin entries no installed plugin understands.
type pluginValue struct {
	tag  string
	args []any
}

func opaque(tag string, args []any) (any, bool) {
	return pluginValue{tag: tag, args: args}, true
}

type watched struct {
	id      int
	promise *turbostream.Promise
}

func newDumper(out io.Writer) *dumper {
	return &dumper{
		out: out,
		ids: make(map[*turbostream.Promise]int),
	}
}

// dumper prints values, numbering the deferred values it finds and printing them again once they settle.
// Output is serialised, as settlements are printed from the decoding goroutine.
type dumper struct {
	mutex  sync.Mutex
	out    io.Writer
	ids    map[*turbostream.Promise]int
	frames frameio.Scanner

	// incomplete is set once a deferred value is rejected because the stream ended early.
	incomplete bool
}

// show prints v with format, then watches any deferred values found in it.
func (d *dumper) show(format string, v any) {
	var found []watched

	d.mutex.Lock()
	fmt.Fprintf(d.out, format, d.render(v, &found, make(map[any]bool)))
	d.mutex.Unlock()

	// Subscribe calls back at once for settled values, so it must run unlocked.
	for _, w := range found {
		id := w.id
		w.promise.Subscribe(func(v any) {
			d.show(fmt.Sprintf("deferred %d resolved: %%s\n", id), v)
		}, func(err error) {
			if errors.Is(err, turbostream.ErrIncompleteStream) {
				d.mutex.Lock()
				d.incomplete = true
				d.mutex.Unlock()
			}
			d.show(fmt.Sprintf("deferred %d rejected: %%s\n", id), err)
		})
	}
}

func (d *dumper) render(v any, found *[]watched, seen map[any]bool) string {
	switch v := v.(type) {
	case *turbostream.Promise:
		id, ok := d.ids[v]
		if !ok {
			id = len(d.ids)
			d.ids[v] = id
			*found = append(*found, watched{id: id, promise: v})
		}
		return "<deferred " + strconv.Itoa(id) + ">"

	case string:
		return strconv.Quote(v)

	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = d.render(e, found, seen)
		}
		return "[" + strings.Join(parts, ", ") + "]"

	case *turbostream.Record:
		if seen[v] {
			return "[Circular]"
		}
		seen[v] = true
		defer delete(seen, v)

		parts := make([]string, 0, v.Len())
		v.Range(func(key string, value any) bool {
			parts = append(parts, key+": "+d.render(value, found, seen))
			return true
		})
		prefix := ""
		if v.NullPrototype {
			prefix = "[Object: null prototype] "
		}
		return prefix + "{" + strings.Join(parts, ", ") + "}"

	case *turbostream.Map:
		if seen[v] {
			return "[Circular]"
		}
		seen[v] = true
		defer delete(seen, v)

		parts := make([]string, 0, v.Len())
		v.Range(func(key, value any) bool {
			parts = append(parts, d.render(key, found, seen)+" => "+d.render(value, found, seen))
			return true
		})
		return fmt.Sprintf("Map(%d) {%s}", v.Len(), strings.Join(parts, ", "))

	case *turbostream.Set:
		if seen[v] {
			return "[Circular]"
		}
		seen[v] = true
		defer delete(seen, v)

		parts := make([]string, 0, v.Len())
		v.Range(func(e any) bool {
			parts = append(parts, d.render(e, found, seen))
			return true
		})
		return fmt.Sprintf("Set(%d) {%s}", v.Len(), strings.Join(parts, ", "))

	case pluginValue:
		parts := make([]string, len(v.args))
		for i, e := range v.args {
			parts[i] = d.render(e, found, seen)
		}
		return v.tag + "(" + strings.Join(parts, ", ") + ")"

	default:
		return fmt.Sprint(v)
	}
}

// err returns ErrIncompleteStream if any deferred value shown was left unsettled by the stream.
func (d *dumper) err() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.incomplete {
		return turbostream.ErrIncompleteStream
	}
	return nil
}

// frameWriter returns a writer printing every frame written to it.
func (d *dumper) frameWriter() io.Writer {
	return frameWriterFunc(func(p []byte) (int, error) {
		d.mutex.Lock()
		defer d.mutex.Unlock()

		d.frames.Write(p)
		for {
			frame, err := d.frames.Next()
			if err != nil {
				return 0, err
			}
			if frame == nil {
				return len(p), nil
			}
			fmt.Fprintf(d.out, "frame %d: %s\n", d.frames.Frames()-1, frame)
		}
	})
}

type frameWriterFunc func(p []byte) (int, error)

func (fn frameWriterFunc) Write(p []byte) (int, error) {
	return fn(p)
}
