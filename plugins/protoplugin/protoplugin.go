// Package protoplugin carries protobuf messages through a turbostream.
//
// A message is written as a plugin entry holding its full name and its wire encoding in base64.
// The decoding side finds the message type by name, so it needs the message's Go package linked in,
// or a custom resolver.
package protoplugin

import (
	"encoding/base64"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"

	"github.com/stewi1014/turbostream"
)

// Tag is the plugin tag of protobuf messages.
const Tag = "proto"

var marshalOptions = proto.MarshalOptions{Deterministic: true}

// Encode is a turbostream.EncodePlugin claiming every proto.Message.
func Encode(v any) (string, []any, bool) {
	m, ok := v.(proto.Message)
	if !ok {
		return "", nil, false
	}

	data, err := marshalOptions.Marshal(m)
	if err != nil {
		return "", nil, false
	}

	name := string(m.ProtoReflect().Descriptor().FullName())
	return Tag, []any{name, base64.StdEncoding.EncodeToString(data)}, true
}

// Decoder rebuilds messages, resolving their types with Resolver.
type Decoder struct {
	// Resolver finds message types by name. If nil, protoregistry.GlobalTypes is used.
	Resolver protoregistry.MessageTypeResolver
}

// Decode is a turbostream.DecodePlugin rebuilding messages of any type in protoregistry.GlobalTypes.
func Decode(tag string, args []any) (any, bool) {
	return Decoder{}.Decode(tag, args)
}

// Decode is a turbostream.DecodePlugin.
func (d Decoder) Decode(tag string, args []any) (any, bool) {
	if tag != Tag || len(args) != 2 {
		return nil, false
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, false
	}
	payload, ok := args[1].(string)
	if !ok {
		return nil, false
	}

	resolver := d.Resolver
	if resolver == nil {
		resolver = protoregistry.GlobalTypes
	}

	mt, err := resolver.FindMessageByName(protoreflect.FullName(name))
	if err != nil {
		return nil, false
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}

	m := mt.New().Interface()
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, false
	}
	return m, true
}

// Install adds the plugins to config, returning config. A nil config is allocated.
func Install(config *turbostream.Config) *turbostream.Config {
	if config == nil {
		config = new(turbostream.Config)
	}
	config.Plugins = append(config.Plugins, Encode)
	config.DecodePlugins = append(config.DecodePlugins, Decode)
	return config
}
