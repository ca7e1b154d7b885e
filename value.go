package turbostream

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type undefined struct{}

func (undefined) String() string { return "undefined" }

type hole struct{}

func (hole) String() string { return "<hole>" }

var (
	// Undefined is the absent value. It is distinct from nil, which is null.
	Undefined = undefined{}

	// Hole marks a missing element of a sparse array. It is distinct from an element that is Undefined.
	Hole = hole{}
)

// Symbol is a globally registered atom, identified by its registry key.
// Two symbols with the same key are the same value.
type Symbol string

// AtomKey returns the registry key of the symbol.
func (s Symbol) AtomKey() string {
	return string(s)
}

func (s Symbol) String() string {
	return "Symbol(" + string(s) + ")"
}

// RegExp is a pattern object.
type RegExp struct {
	Source string
	Flags  string
}

func (r RegExp) String() string {
	return "/" + r.Source + "/" + r.Flags
}

// Compile compiles the pattern with the Go regexp engine.
// The i, m and s flags are translated; g, y, u, v and d have no Go equivalent and are ignored.
func (r RegExp) Compile() (*regexp.Regexp, error) {
	var flags strings.Builder
	for _, f := range r.Flags {
		switch f {
		case 'i', 'm', 's':
			flags.WriteRune(f)
		case 'g', 'y', 'u', 'v', 'd':
		default:
			return nil, fmt.Errorf("unknown regular expression flag %q", f)
		}
	}

	if flags.Len() == 0 {
		return regexp.Compile(r.Source)
	}
	return regexp.Compile("(?" + flags.String() + ")" + r.Source)
}

// Error subtypes with a well-known meaning.
const (
	ErrorName          = "Error"
	TypeErrorName      = "TypeError"
	RangeErrorName     = "RangeError"
	SyntaxErrorName    = "SyntaxError"
	ReferenceErrorName = "ReferenceError"
	EvalErrorName      = "EvalError"
	URIErrorName       = "URIError"
	AbortErrorName     = "AbortError"
)

// Error is an exception object. Name is the subtype and survives the round trip.
//
// Any other error is encoded as an Error named "Error" holding its message.
type Error struct {
	Name    string
	Message string
	Stack   string
}

// NewError returns an Error of the given subtype.
func NewError(name, message string) *Error {
	return &Error{
		Name:    name,
		Message: message,
	}
}

// Error implements error
func (e *Error) Error() string {
	name := e.Name
	if name == "" {
		name = ErrorName
	}
	if e.Message == "" {
		return name
	}
	return name + ": " + e.Message
}

// Is reports AbortError subtypes as ErrAborted.
func (e *Error) Is(target error) bool {
	return target == ErrAborted && e.Name == AbortErrorName
}

// abortError is the rejection given to every pending deferred when the encoder's context is cancelled.
func abortError(cause error) *Error {
	if cause == nil {
		cause = errors.New("aborted")
	}
	return NewError(AbortErrorName, cause.Error())
}
