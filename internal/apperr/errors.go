// Package apperr provides coded domain errors with localized user messages.
package apperr

import "errors"

// Kind classifies an error for callers that map it to transport status.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindGone
	KindTransient
	KindUnauthorized
	KindForbidden
)

// Code is a machine-readable error code.
type Code string

const (
	CodeValidation      Code = "VALIDATION_FAILED"
	CodeCourseNotFound  Code = "COURSE_NOT_FOUND"
	CodeSignupNotFound  Code = "SIGNUP_NOT_FOUND"
	CodeAlreadySignedUp Code = "ALREADY_SIGNED_UP"
	CodeCourseNotFull   Code = "COURSE_NOT_FULL"
	CodeCourseFull      Code = "COURSE_FULL"
	CodeCourseCancelled Code = "COURSE_CANCELLED"
	CodeInvalidState    Code = "INVALID_STATE"
	CodeTokenInvalid    Code = "OFFER_TOKEN_INVALID"
	CodeAlreadyClaimed  Code = "OFFER_ALREADY_CLAIMED"
	CodeOfferExpired    Code = "OFFER_EXPIRED"
	CodeStoreBusy       Code = "STORE_BUSY"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeInternal        Code = "INTERNAL"
)

var codeKinds = map[Code]Kind{
	CodeValidation:      KindValidation,
	CodeCourseNotFound:  KindNotFound,
	CodeSignupNotFound:  KindNotFound,
	CodeAlreadySignedUp: KindConflict,
	CodeCourseNotFull:   KindConflict,
	CodeCourseFull:      KindConflict,
	CodeCourseCancelled: KindConflict,
	CodeInvalidState:    KindConflict,
	CodeTokenInvalid:    KindNotFound,
	CodeAlreadyClaimed:  KindConflict,
	CodeOfferExpired:    KindGone,
	CodeStoreBusy:       KindTransient,
	CodeUnauthorized:    KindUnauthorized,
	CodeForbidden:       KindForbidden,
	CodeInternal:        KindInternal,
}

// Kind returns the classification of the code.
func (c Code) Kind() Kind {
	if k, ok := codeKinds[c]; ok {
		return k
	}
	return KindInternal
}

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs)
	Metadata map[string]string // Additional context for templating
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks. Returned errors carry their own message and
// metadata but match these by code.
var (
	ErrValidation      = New(CodeValidation, "validation failed")
	ErrCourseNotFound  = New(CodeCourseNotFound, "course not found")
	ErrSignupNotFound  = New(CodeSignupNotFound, "signup not found")
	ErrAlreadySignedUp = New(CodeAlreadySignedUp, "email already has an active signup for the course")
	ErrCourseNotFull   = New(CodeCourseNotFull, "course has free spots")
	ErrCourseFull      = New(CodeCourseFull, "course capacity exhausted")
	ErrCourseCancelled = New(CodeCourseCancelled, "course is cancelled")
	ErrInvalidState    = New(CodeInvalidState, "invalid state for operation")
	ErrTokenInvalid    = New(CodeTokenInvalid, "claim token not recognised")
	ErrAlreadyClaimed  = New(CodeAlreadyClaimed, "offer already claimed")
	ErrOfferExpired    = New(CodeOfferExpired, "offer expired")
	ErrStoreBusy       = New(CodeStoreBusy, "store busy")
	ErrUnauthorized    = New(CodeUnauthorized, "missing or invalid credentials")
	ErrForbidden       = New(CodeForbidden, "forbidden")
)

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithMetadata creates a domain error with metadata for message templating.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Validation is shorthand for a VALIDATION_FAILED error on one field.
func Validation(field, message string) *Error {
	return WithMetadata(CodeValidation, field+": "+message, map[string]string{"Field": field})
}

// InvalidState reports an operation attempted from the wrong state.
func InvalidState(message string, metadata map[string]string) *Error {
	return WithMetadata(CodeInvalidState, message, metadata)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MetadataOf returns the metadata of the first *Error in err's chain.
func MetadataOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Metadata
	}
	return nil
}
