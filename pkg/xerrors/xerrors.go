package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies xorstore errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidSignature
	KindStaleWrite
	KindPayloadTooLarge
	KindIncompleteDataMap
	KindCorruptChunk
	KindDuplicatePath
	KindMissingPath
	KindPayment
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "address not found"
	case KindAlreadyExists:
		return "already exists"
	case KindInvalidSignature:
		return "invalid signature"
	case KindStaleWrite:
		return "stale write conflict"
	case KindPayloadTooLarge:
		return "payload too large"
	case KindIncompleteDataMap:
		return "incomplete data map"
	case KindCorruptChunk:
		return "corrupt chunk"
	case KindDuplicatePath:
		return "duplicate path"
	case KindMissingPath:
		return "missing path"
	case KindPayment:
		return "payment required"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Retryable reports whether an operation failing with kind may succeed when
// reissued unchanged. Validation failures never are.
func (k Kind) Retryable() bool {
	switch k {
	case KindNotFound, KindIncompleteDataMap, KindInternal:
		return true
	default:
		return false
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrExist),
		errors.Is(err, os.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
