// Package cborplugin carries registered Go types through a turbostream as CBOR.
//
// Values of a registered type are written as a plugin entry holding the type's id and its CBOR encoding in base64,
// and decoded back into the same type by any Registry that registered it under the same name.
package cborplugin

import (
	"encoding/base64"
	"errors"
	"fmt"
	"hash/crc64"
	"reflect"
	"strconv"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/stewi1014/turbostream"
)

// Tag is the plugin tag of CBOR carried values.
const Tag = "cbor"

var (
	// ErrAlreadyRegistered is returned if a type or name is already registered.
	ErrAlreadyRegistered = errors.New("already registered")

	// ErrNotRegistered is returned if a type has not been registered.
	ErrNotRegistered = errors.New("not registered")
)

// encMode writes Core Deterministic CBOR, so equal values always produce the same payload.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("cborplugin: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("cborplugin: CBOR decoder initialization failed: " + err.Error())
	}
}

var table = crc64.MakeTable(crc64.ISO)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		idByType: make(map[reflect.Type]string),
		typeByID: make(map[string]reflect.Type),
	}
}

// Registry holds the types carried as CBOR. Each type has an id, the crc64 of its name,
// so the encoding and decoding side must register the same types under the same names.
//
// It is thread safe.
type Registry struct {
	mutex    sync.RWMutex
	idByType map[reflect.Type]string
	typeByID map[string]reflect.Type
}

// Register registers the type of v and the pointer to it, named after their package path and name.
// v may also be a reflect.Type.
func (r *Registry) Register(v any) error {
	ty, ok := v.(reflect.Type)
	if !ok {
		ty = reflect.TypeOf(v)
	}
	if ty == nil {
		return fmt.Errorf("cborplugin: cannot register the nil interface")
	}

	if err := r.RegisterName(Name(ty), ty); err != nil {
		return err
	}

	if ty.Kind() == reflect.Ptr {
		ty = ty.Elem()
	} else {
		ty = reflect.PointerTo(ty)
	}
	if err := r.RegisterName(Name(ty), ty); err != nil && !errors.Is(err, ErrAlreadyRegistered) {
		return err
	}
	return nil
}

// RegisterName registers the type of v under name. v may also be a reflect.Type.
func (r *Registry) RegisterName(name string, v any) error {
	ty, ok := v.(reflect.Type)
	if !ok {
		ty = reflect.TypeOf(v)
	}
	if ty == nil {
		return fmt.Errorf("cborplugin: cannot register the nil interface")
	}

	id := strconv.FormatUint(crc64.Checksum([]byte(name), table), 16)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if other, ok := r.typeByID[id]; ok {
		if other == ty {
			return fmt.Errorf("%w: type %v", ErrAlreadyRegistered, ty)
		}
		return fmt.Errorf("%w: id of %v and %v are both %v", ErrAlreadyRegistered, ty, other, id)
	}
	if _, ok := r.idByType[ty]; ok {
		return fmt.Errorf("%w: type %v", ErrAlreadyRegistered, ty)
	}

	r.typeByID[id] = ty
	r.idByType[ty] = id
	return nil
}

// ID returns the id of a registered type.
func (r *Registry) ID(ty reflect.Type) (string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	id, ok := r.idByType[ty]
	if !ok {
		return "", fmt.Errorf("%w: type %v", ErrNotRegistered, ty)
	}
	return id, nil
}

// Encode is a turbostream.EncodePlugin claiming values of registered types.
// A value that fails to marshal is left to the next plugin.
func (r *Registry) Encode(v any) (string, []any, bool) {
	id, err := r.ID(reflect.TypeOf(v))
	if err != nil {
		return "", nil, false
	}

	data, err := encMode.Marshal(v)
	if err != nil {
		return "", nil, false
	}
	return Tag, []any{id, base64.StdEncoding.EncodeToString(data)}, true
}

// Decode is a turbostream.DecodePlugin rebuilding values of registered types.
func (r *Registry) Decode(tag string, args []any) (any, bool) {
	if tag != Tag || len(args) != 2 {
		return nil, false
	}
	id, ok := args[0].(string)
	if !ok {
		return nil, false
	}
	payload, ok := args[1].(string)
	if !ok {
		return nil, false
	}

	r.mutex.RLock()
	ty, ok := r.typeByID[id]
	r.mutex.RUnlock()
	if !ok {
		return nil, false
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}

	if ty.Kind() == reflect.Ptr {
		ptr := reflect.New(ty.Elem())
		if err := decMode.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, false
		}
		return ptr.Interface(), true
	}

	ptr := reflect.New(ty)
	if err := decMode.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, false
	}
	return ptr.Elem().Interface(), true
}

// Install adds the plugins of r to config, returning config. A nil config is allocated.
func (r *Registry) Install(config *turbostream.Config) *turbostream.Config {
	if config == nil {
		config = new(turbostream.Config)
	}
	config.Plugins = append(config.Plugins, r.Encode)
	config.DecodePlugins = append(config.DecodePlugins, r.Decode)
	return config
}

// Name returns the registration name of ty: its package path and name, prefixed by '*' for pointers.
// Unnamed types use their Go syntax.
func Name(ty reflect.Type) string {
	if ty.Kind() == reflect.Ptr {
		return "*" + Name(ty.Elem())
	}
	if ty.Name() == "" || ty.PkgPath() == "" {
		return ty.String()
	}
	return ty.PkgPath() + "." + ty.Name()
}
