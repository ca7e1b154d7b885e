package turbostream

// EncodePlugin claims values the built-in tags cannot represent, or represents them differently.
// It returns a tag and the arguments to encode in place of v, or ok false to let the next plugin try.
// Arguments are encoded like any other value, so they may be deduplicated, contain deferreds, or be claimed by plugins.
type EncodePlugin func(v any) (tag string, args []any, ok bool)

// DecodePlugin rebuilds a value from a tag and its decoded arguments, or returns ok false to let the next plugin try.
type DecodePlugin func(tag string, args []any) (v any, ok bool)

// encodePlugins runs plugins in order; the first match wins.
func encodePlugins(plugins []EncodePlugin, v any) (string, []any, bool) {
	for _, plugin := range plugins {
		if tag, args, ok := plugin(v); ok {
			return tag, args, true
		}
	}
	return "", nil, false
}

// decodePlugins runs plugins in order; the first match wins.
func decodePlugins(plugins []DecodePlugin, tag string, args []any) (any, bool) {
	for _, plugin := range plugins {
		if v, ok := plugin(tag, args); ok {
			return v, true
		}
	}
	return nil, false
}
