package compute

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures by the stage that raises them.
type ErrorKind int

const (
	// KindUnsupported is a validation failure at descriptor build time.
	KindUnsupported ErrorKind = iota + 1
	// KindCompile is a kernel compilation failure at primitive init.
	KindCompile
	// KindDevice is a fault raised while a launched pipeline runs.
	KindDevice
	// KindInvalidArgument is a caller error at execution time (missing buffers).
	KindInvalidArgument
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupported:
		return "unsupported"
	case KindCompile:
		return "compile"
	case KindDevice:
		return "device"
	case KindInvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// Error is a classified failure with the operation that raised it.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error in %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare sentinels below by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Msg != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrUnsupported     = &Error{Kind: KindUnsupported}
	ErrCompile         = &Error{Kind: KindCompile}
	ErrDevice          = &Error{Kind: KindDevice}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
)

// Unsupported reports a configuration the implementation refuses.
func Unsupported(op, format string, args ...any) error {
	return &Error{Kind: KindUnsupported, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// CompileError wraps a kernel build failure.
func CompileError(op string, err error, format string, args ...any) error {
	return &Error{Kind: KindCompile, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// DeviceError wraps a fault observed on a stream.
func DeviceError(op string, err error, format string, args ...any) error {
	return &Error{Kind: KindDevice, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// InvalidArgument reports a bad execution argument.
func InvalidArgument(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
