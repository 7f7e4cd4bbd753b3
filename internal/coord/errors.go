package coord

import (
	"errors"
	"fmt"
)

// Category classifies a command-boundary failure.
//
// Every fallible path in the coordination core reports one of these
// categories; none of them terminates the process.
type Category string

const (
	// CategoryValidation marks malformed input rejected before any log write.
	CategoryValidation Category = "validation"
	// CategoryNotFound marks a referenced session, entry, or lock that is absent.
	CategoryNotFound Category = "not_found"
	// CategoryStateConflict marks duplicate creation, an already-held lock,
	// or an invalid state transition.
	CategoryStateConflict Category = "state_conflict"
	// CategoryPermissionDenied marks filesystem or workspace access failures.
	CategoryPermissionDenied Category = "permission_denied"
	// CategoryExternal marks a workspace-manager or multiplexer subprocess failure.
	CategoryExternal Category = "external"
	// CategoryConfiguration marks missing initialization or bad settings.
	CategoryConfiguration Category = "configuration"
)

// Error is the structured error reported at the command boundary.
//
// Remediation, when set, is a suggested operator action surfaced verbatim
// in issue records ("run 'isolate init' first").
type Error struct {
	Category    Category `json:"category"`
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message"`
	Remediation string   `json:"remediation,omitempty"`
	Err         error    `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidation builds a validation error with a remediation hint.
func NewValidation(message, remediation string) *Error {
	return &Error{Category: CategoryValidation, Message: message, Remediation: remediation}
}

// NewNotFound builds a not-found error for a named resource.
func NewNotFound(message, remediation string) *Error {
	return &Error{Category: CategoryNotFound, Message: message, Remediation: remediation}
}

// NewStateConflict builds a state-conflict error.
func NewStateConflict(message, remediation string) *Error {
	return &Error{Category: CategoryStateConflict, Message: message, Remediation: remediation}
}

// NewPermissionDenied builds a permission error wrapping the OS failure.
func NewPermissionDenied(message string, err error) *Error {
	return &Error{Category: CategoryPermissionDenied, Message: message, Err: err}
}

// NewExternal builds an error for an external collaborator failure.
func NewExternal(message string, err error) *Error {
	return &Error{Category: CategoryExternal, Message: message, Err: err}
}

// NewConfiguration builds a configuration error with a remediation hint.
func NewConfiguration(message, remediation string) *Error {
	return &Error{Category: CategoryConfiguration, Message: message, Remediation: remediation}
}

// CategoryOf extracts the taxonomy category from err.
// Unclassified errors report as external failures.
func CategoryOf(err error) Category {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryExternal
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return CategoryOf(err) == CategoryNotFound
}

// IsStateConflict reports whether err is a state-conflict error.
func IsStateConflict(err error) bool {
	return CategoryOf(err) == CategoryStateConflict
}

// HasCode reports whether err carries the given machine code.
func HasCode(err error, code string) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// RemediationOf extracts the remediation hint from err, if any.
func RemediationOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Remediation
	}
	return ""
}
