package errors

import (
	"fmt"
	"strings"
)

// Kind classifies a configuration problem.
type Kind int

const (
	// InvalidPolicy covers malformed weights, missing required fields and out-of-range values.
	InvalidPolicy Kind = iota + 1
	// ConflictingPolicy is reported when more than one policy targets the same destination version.
	ConflictingPolicy
	// UnsupportedFeature marks schema variants the engine does not implement.
	UnsupportedFeature
	// RegexCompileError is reported for match patterns that fail to compile.
	RegexCompileError
)

func (k Kind) String() string {
	switch k {
	case InvalidPolicy:
		return "invalid_policy"
	case ConflictingPolicy:
		return "conflicting_policy"
	case UnsupportedFeature:
		return "unsupported_feature"
	case RegexCompileError:
		return "regex_compile_error"
	default:
		return "unknown"
	}
}

// ConfigError describes why one configuration entry was rejected or degraded.
type ConfigError struct {
	Kind       Kind   `json:"kind"`
	Entry      string `json:"entry,omitempty"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Entry != "" {
		b.WriteString(" [")
		b.WriteString(e.Entry)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Details != "" {
		b.WriteString(" (")
		b.WriteString(e.Details)
		b.WriteString(")")
	}
	if e.underlying != nil {
		b.WriteString(": ")
		b.WriteString(e.underlying.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.underlying
}

// Is reports kind equality so callers can match against the sentinels.
func (e *ConfigError) Is(target error) bool {
	t, ok := target.(*ConfigError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Entry == "" || t.Entry == e.Entry)
}

// Sentinels for errors.Is matching by kind.
var (
	ErrInvalidPolicy      = &ConfigError{Kind: InvalidPolicy, Message: "invalid policy"}
	ErrConflictingPolicy  = &ConfigError{Kind: ConflictingPolicy, Message: "conflicting policy"}
	ErrUnsupportedFeature = &ConfigError{Kind: UnsupportedFeature, Message: "unsupported feature"}
	ErrRegexCompile       = &ConfigError{Kind: RegexCompileError, Message: "regex compile error"}
)

// New creates a ConfigError for the named entry.
func New(kind Kind, entry, message string) *ConfigError {
	return &ConfigError{
		Kind:    kind,
		Entry:   entry,
		Message: message,
	}
}

// Newf is New with a formatted message.
func Newf(kind Kind, entry, format string, args ...any) *ConfigError {
	return New(kind, entry, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with a kind and entry context.
func Wrap(err error, kind Kind, entry, message string) *ConfigError {
	return &ConfigError{
		Kind:       kind,
		Entry:      entry,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy of the error carrying additional details.
func (e *ConfigError) WithDetails(details string) *ConfigError {
	return &ConfigError{
		Kind:       e.Kind,
		Entry:      e.Entry,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// WithEntry returns a copy of the error attributed to another entry.
func (e *ConfigError) WithEntry(entry string) *ConfigError {
	return &ConfigError{
		Kind:       e.Kind,
		Entry:      entry,
		Message:    e.Message,
		Details:    e.Details,
		underlying: e.underlying,
	}
}

// IsConfigError checks if an error is a ConfigError
func IsConfigError(err error) (*ConfigError, bool) {
	if ce, ok := err.(*ConfigError); ok {
		return ce, true
	}
	return nil, false
}

// KindOf returns the kind of a ConfigError, or zero for any other error.
func KindOf(err error) Kind {
	if ce, ok := IsConfigError(err); ok {
		return ce.Kind
	}
	return 0
}
