package domain

import (
	stderrors "errors"
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound         = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrTokenConflict         = NewErr("TOKEN_CONFLICT", "token already exists", http.StatusConflict)
	ErrStorage               = NewErr("STORAGE_ERROR", "storage failure", http.StatusInternalServerError)
	ErrPasteTooLarge         = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrTitleTooLong          = NewErr("TITLE_TOO_LONG", "title too long", http.StatusRequestEntityTooLarge)
	ErrInvalidRequest        = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded     = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrTokenGenerationFailed = NewErr("TOKEN_GENERATION_FAILED", "token generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// storageErr keeps the driver error visible in logs while matching ErrStorage.
type storageErr struct {
	op    string
	cause error
}

func (e *storageErr) Error() string { return e.op + ": " + e.cause.Error() }
func (e *storageErr) Cause() error  { return ErrStorage }
func (e *storageErr) Unwrap() []error {
	return []error{ErrStorage, e.cause}
}

// Storage classifies err as an IO failure of the paste store.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storageErr{op: op, cause: err}
}

// Status maps err to an HTTP status; unknown errors are 500.
func Status(err error) int {
	if e := asErr(err); e != nil {
		return e.Status
	}
	return http.StatusInternalServerError
}
func asErr(err error) *Err {
	if e, ok := err.(*Err); ok {
		return e
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e
	}
	var e *Err
	if stderrors.As(err, &e) {
		return e
	}
	return nil
}
