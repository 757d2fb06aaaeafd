package types

import (
	"errors"
	"fmt"
)

// Kind classifies errors surfaced by providers, the cache and search.
type Kind int

const (
	KindRemoteBackend Kind = iota
	KindAuthExpired
	KindProviderUnavailable
	KindConfiguration
	KindNotFound
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	default:
		return "remote_backend"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrAuthExpired         = &Error{Kind: KindAuthExpired}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrRemoteBackend       = &Error{Kind: KindRemoteBackend}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrValidation          = &Error{Kind: KindValidation}
)

// Error is a classified error
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// NewError creates a classified error wrapping err.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors report KindRemoteBackend.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRemoteBackend
}
