// Package errs defines the system-wide error taxonomy: sentinel kinds
// shared by the store, registry, queue, worker, and delivery packages,
// plus the validation and pagination helpers used at their boundaries.
package errs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind is a coarse classification of an error, stable across layers so
// that callers (HTTP handlers, the coordinator, CLI entrypoints) can
// map it to a response without inspecting error strings.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindAlreadyExists Kind = "already_exists"
	KindInvalidInput Kind = "invalid_input"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindTimeout      Kind = "timeout"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
	KindUnsupported  Kind = "unsupported"

	// Script-level kinds, surfaced by the worker's execution engine and
	// recorded on Execution.ErrorKind.
	KindAuthenticationError   Kind = "authentication_error"
	KindAuthorizationError    Kind = "authorization_error"
	KindNetworkError          Kind = "network_error"
	KindHTTPError             Kind = "http_error"
	KindValidationError       Kind = "validation_error"
	KindConfigurationError    Kind = "configuration_error"
	KindRateLimitError        Kind = "rate_limit_error"
	KindServiceUnavailable    Kind = "service_unavailable_error"
	KindScriptTimeout         Kind = "timeout_error"
	KindDataError             Kind = "data_error"
	KindUnknownError          Kind = "unknown_error"

	// Delivery-specific kinds (spec.md §7), surfaced by internal/delivery
	// and recorded on DeliveryResult.Detail/ErrorMessage.
	KindDeliveryRejected   Kind = "delivery_rejected"
	KindDeliveryPartial    Kind = "delivery_partial"
	KindTemplateRender     Kind = "template_render"
	KindFilesystem         Kind = "filesystem"
	KindFileExists         Kind = "file_exists"
	KindWebhookFailed      Kind = "webhook_failed"
	KindNetwork            Kind = "network"
	KindMaxRetriesExceeded Kind = "max_retries_exceeded"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidInput  = errors.New("invalid input")
	ErrConflict      = errors.New("conflict")
	ErrTimeout       = errors.New("timed out")
	ErrUnavailable   = errors.New("unavailable")
	ErrInternal      = errors.New("internal error")
	ErrUnsupported   = errors.New("unsupported")
)

var sentinelByKind = map[Kind]error{
	KindNotFound:      ErrNotFound,
	KindAlreadyExists: ErrAlreadyExists,
	KindUnauthorized:  ErrUnauthorized,
	KindForbidden:     ErrForbidden,
	KindInvalidInput:  ErrInvalidInput,
	KindConflict:      ErrConflict,
	KindTimeout:       ErrTimeout,
	KindUnavailable:   ErrUnavailable,
	KindInternal:      ErrInternal,
	KindUnsupported:   ErrUnsupported,
}

// Error is a classified, entity-scoped error wrapping an underlying cause.
type Error struct {
	Kind    Kind
	Entity  string
	ID      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Entity != "" {
		b.WriteString(e.Entity)
		if e.ID != "" {
			fmt.Fprintf(&b, " %q", e.ID)
		}
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else if e.Cause != nil {
		b.WriteString(e.Cause.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if sentinel, ok := sentinelByKind[e.Kind]; ok {
		return sentinel
	}
	return e.Cause
}

// New builds a classified Error.
func New(kind Kind, entity, id, message string) error {
	return &Error{Kind: kind, Entity: entity, ID: id, Message: message}
}

// Wrap classifies an existing error under kind, preserving it as the cause.
func Wrap(kind Kind, entity, id string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Entity: entity, ID: id, Cause: cause}
}

// NotFound builds a KindNotFound error for entity/id, e.g. "task \"abc\": task not found".
func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Message: fmt.Sprintf("%s not found", entity)}
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// carries no classification of its own.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	}
	return KindInternal
}

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
func IsInvalidInput(err error) bool  { return errors.Is(err, ErrInvalidInput) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
func IsUnauthorized(err error) bool  { return errors.Is(err, ErrUnauthorized) }
func IsTimeout(err error) bool       { return errors.Is(err, ErrTimeout) }
func IsUnavailable(err error) bool   { return errors.Is(err, ErrUnavailable) }

// =============================================================================
// Input validation
// =============================================================================

var (
	uuidRegex         = regexp.MustCompile(`^[a-fA-F0-9]{8}-?[a-fA-F0-9]{4}-?[a-fA-F0-9]{4}-?[a-fA-F0-9]{4}-?[a-fA-F0-9]{12}$`)
	alphanumericRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidateID validates an ID string (UUID or alphanumeric with separators).
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidInput)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: id too long", ErrInvalidInput)
	}
	if !uuidRegex.MatchString(id) && !alphanumericRegex.MatchString(id) {
		return fmt.Errorf("%w: invalid id format", ErrInvalidInput)
	}
	return nil
}

// ValidateLimit normalizes a limit parameter against defaults and a hard cap.
func ValidateLimit(limit, defaultLimit, maxLimit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// ValidateOffset normalizes an offset parameter.
func ValidateOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// SanitizeString strips control characters (other than tab/newline/CR)
// and trims surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// =============================================================================
// Pagination
// =============================================================================

// Pagination holds validated limit/offset parameters for list operations.
type Pagination struct {
	Limit  int
	Offset int
}

// DefaultPagination returns the baseline page size used when callers omit one.
func DefaultPagination() Pagination {
	return Pagination{Limit: 50, Offset: 0}
}

// NewPagination validates and clamps the requested limit/offset.
func NewPagination(limit, offset int) Pagination {
	return Pagination{
		Limit:  ValidateLimit(limit, 50, 1000),
		Offset: ValidateOffset(offset),
	}
}
