package vfs

import (
	"errors"

	"github.com/tunnelmesh/meshdrive/internal/keycodec"
	"github.com/tunnelmesh/meshdrive/internal/objstore"
	"github.com/tunnelmesh/meshdrive/internal/share"
)

// Filesystem error types. Every error returned by the Service matches exactly
// one of these through errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
	ErrStoreUnavailable = errors.New("object store unavailable")
	ErrInvalidName      = errors.New("invalid name")
	ErrTooLarge         = errors.New("upload too large")
)

// Kind classifies a filesystem error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindQuotaExceeded
	KindStoreUnavailable
	KindInvalidName
	KindTooLarge
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindQuotaExceeded:
		return ErrQuotaExceeded
	case KindStoreUnavailable:
		return ErrStoreUnavailable
	case KindInvalidName:
		return ErrInvalidName
	case KindTooLarge:
		return ErrTooLarge
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown error"
}

// Error is the error type returned by the Service.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "upload"
	Msg  string // human readable detail
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Msg
	switch {
	case msg == "" && e.Err != nil:
		msg = e.Err.Error()
	case msg == "":
		msg = e.Kind.String()
	case e.Err != nil:
		msg += ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// classify wraps a lower layer error into an *Error. Errors that are already
// classified pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	kind := KindStoreUnavailable
	switch {
	case errors.Is(err, objstore.ErrNotFound), errors.Is(err, share.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, keycodec.ErrInvalidName), errors.Is(err, objstore.ErrInvalidKey):
		kind = KindInvalidName
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
