package runtime

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrorCode is the closed enumeration of runtime failure classes.
type ErrorCode int

const (
	// CodeRuntimeError is a structural failure: duplicate network name,
	// violated profiling precondition, partitioning failure.
	CodeRuntimeError ErrorCode = iota
	// CodeNetNotFound is returned when running an unknown network.
	CodeNetNotFound
	// CodeNetBusy is returned when removing a network that is being added or
	// still has outstanding runs.
	CodeNetBusy
	// CodeRequestRefused is returned when the admission queue is full.
	CodeRequestRefused
	// CodeDeviceOutOfMemory is returned when a device cannot hold a
	// partition.
	CodeDeviceOutOfMemory
)

var errorCodeNames = map[ErrorCode]string{
	CodeRuntimeError:      "RUNTIME_ERROR",
	CodeNetNotFound:       "RUNTIME_NET_NOT_FOUND",
	CodeNetBusy:           "RUNTIME_NET_BUSY",
	CodeRequestRefused:    "RUNTIME_REQUEST_REFUSED",
	CodeDeviceOutOfMemory: "RUNTIME_OUT_OF_DEVICE_MEMORY",
}

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	if name, found := errorCodeNames[c]; found {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is a runtime failure tagged with an ErrorCode.
type Error struct {
	code ErrorCode
	err  error
}

// NewError returns an Error with the given code and message.
func NewError(code ErrorCode, msg string) *Error {
	return &Error{code: code, err: errors.New(msg)}
}

// Errorf returns an Error with the given code and formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{code: code, err: errors.Errorf(format, args...)}
}

// WrapError annotates err with a code and message. A nil err returns nil.
func WrapError(code ErrorCode, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, err: errors.Wrap(err, msg)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.err)
}

// Code returns the error code.
func (e *Error) Code() ErrorCode { return e.code }

// Unwrap supports errors.Is/As chains.
func (e *Error) Unwrap() error { return e.err }

// CodeOf extracts the ErrorCode carried by err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.code, true
	}
	return 0, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// OneErrOnly keeps the first error it is given; later errors are logged and
// suppressed. The zero value is ready to use and safe for concurrent setters.
type OneErrOnly struct {
	mu  sync.Mutex
	err error
}

// Set records err if it is the first non-nil error seen. It returns true when
// err was recorded.
func (o *OneErrOnly) Set(err error) bool {
	if err == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err == nil {
		o.err = err
		return true
	}
	klog.Warningf("suppressing error, another one already recorded: %v", err)
	return false
}

// Get returns the recorded error, if any.
func (o *OneErrOnly) Get() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
