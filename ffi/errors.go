// Package ffi implements the validation and error layer for every call that
// crosses from the control surface into the engine. All indices, ranges and
// numeric parameters are checked here before they touch engine state, and all
// failures are reported as categorized, serializable errors rather than
// sentinel values or panics.
package ffi

import (
	"encoding/json"
	"fmt"
)

// Category classifies a boundary failure. The numeric values are part of the
// wire format and must not be reordered.
type Category int

const (
	InvalidInput Category = iota
	OutOfBounds
	InvalidState
	NotFound
	ResourceExhausted
	IOError
	SerializationError
	AudioError
	SyncError
	Unknown
)

// String returns the category name used in log fields and messages.
func (c Category) String() string {
	switch c {
	case InvalidInput:
		return "InvalidInput"
	case OutOfBounds:
		return "OutOfBounds"
	case InvalidState:
		return "InvalidState"
	case NotFound:
		return "NotFound"
	case ResourceExhausted:
		return "ResourceExhausted"
	case IOError:
		return "IOError"
	case SerializationError:
		return "SerializationError"
	case AudioError:
		return "AudioError"
	case SyncError:
		return "SyncError"
	default:
		return "Unknown"
	}
}

// Retryable reports whether an operation that failed with this category may
// succeed on retry. Caller mistakes never become correct by repetition.
func (c Category) Retryable() bool {
	return c == IOError || c == Unknown
}

// Error is the structured error type crossing the boundary. It is constructed
// per failed call and serialized as JSON; it is never persisted.
type Error struct {
	Category   Category `json:"category"`
	Code       uint16   `json:"code"`
	Message    string   `json:"message"`
	Context    string   `json:"context,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`

	wrapped error
}

// Error codes. Grouped by hundreds per category so a code alone identifies
// the failure site.
const (
	CodeIndexOutOfRange   uint16 = 100
	CodeRangeOutOfRange   uint16 = 101
	CodeBufferSizeBad     uint16 = 200
	CodeValueNotFinite    uint16 = 201
	CodeValueOutOfUnit    uint16 = 202
	CodeEmptyArgument     uint16 = 203
	CodeWouldCycle        uint16 = 300
	CodeWrongChannelKind  uint16 = 301
	CodeEngineStopped     uint16 = 302
	CodeUnknownID         uint16 = 400
	CodeUnknownCall       uint16 = 401
	CodeHardCeiling       uint16 = 500
	CodeLoadFailed        uint16 = 600
	CodeTimeout           uint16 = 601
	CodePathEscape        uint16 = 602
	CodeBadPayload        uint16 = 700
	CodeBadSampleRate     uint16 = 800
	CodePublishConflict   uint16 = 900
	CodeInternal          uint16 = 1000
)

// New creates a boundary error with a category, code and formatted message.
func New(cat Category, code uint16, format string, args ...any) *Error {
	return &Error{Category: cat, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with boundary categorization.
func Wrap(cat Category, code uint16, err error, format string, args ...any) *Error {
	return &Error{
		Category: cat,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		wrapped:  err,
	}
}

// WithContext records the originating call name.
func (e *Error) WithContext(call string) *Error {
	e.Context = call
	return e
}

// WithSuggestion records a remediation hint for the caller.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s[%d] %s: %s", e.Category, e.Code, e.Context, e.Message)
	}
	return fmt.Sprintf("%s[%d]: %s", e.Category, e.Code, e.Message)
}

// Unwrap exposes the underlying error for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is matches any *Error with the same category, so callers can test
// errors.Is(err, ffi.New(ffi.OutOfBounds, 0, "")) style sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Category == e.Category && (t.Code == 0 || t.Code == e.Code)
}

// MarshalJSON emits the boundary wire shape with an integer category.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Category   int    `json:"category"`
		Code       int    `json:"code"`
		Message    string `json:"message"`
		Context    string `json:"context,omitempty"`
		Suggestion string `json:"suggestion,omitempty"`
	}{int(e.Category), int(e.Code), e.Message, e.Context, e.Suggestion})
}

// UnmarshalJSON parses the boundary wire shape.
func (e *Error) UnmarshalJSON(data []byte) error {
	var wire struct {
		Category   int    `json:"category"`
		Code       int    `json:"code"`
		Message    string `json:"message"`
		Context    string `json:"context"`
		Suggestion string `json:"suggestion"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Category < int(InvalidInput) || wire.Category > int(Unknown) {
		wire.Category = int(Unknown)
	}
	e.Category = Category(wire.Category)
	e.Code = uint16(wire.Code)
	e.Message = wire.Message
	e.Context = wire.Context
	e.Suggestion = wire.Suggestion
	return nil
}

// CategoryOf extracts the category from any error; non-boundary errors map to
// Unknown so the retry policy stays conservative.
func CategoryOf(err error) Category {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Category
	}
	return Unknown
}

// AsError coerces any error into a structured *Error. Errors that already
// carry a category pass through; anything else becomes Unknown, so the
// boundary never leaks an uncategorized failure.
func AsError(err error) *Error {
	var e *Error
	if ok := asError(err, &e); ok {
		return e
	}
	return Wrap(Unknown, CodeInternal, err, "uncategorized failure")
}
