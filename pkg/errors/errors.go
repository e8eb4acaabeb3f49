package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
)

// Kind classifies a failure independently of the transport that reports it.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindAuth       Kind = "unauthorized"
	KindConflict   Kind = "conflict"
	KindTransport  Kind = "transport"
	KindMalformed  Kind = "malformed_message"
	KindInternal   Kind = "internal"
)

type AppError struct {
	Kind    Kind   `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NewAppError(kind Kind, code int, message string, err error) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(message string) *AppError {
	return NewAppError(KindValidation, http.StatusBadRequest, message, nil)
}

func NotFound(message string) *AppError {
	return NewAppError(KindNotFound, http.StatusNotFound, message, nil)
}

func Unauthorized(message string) *AppError {
	return NewAppError(KindAuth, http.StatusUnauthorized, message, nil)
}

func Conflict(message string) *AppError {
	return NewAppError(KindConflict, http.StatusConflict, message, nil)
}

// Transport wraps a broker failure. These are logged, never returned to HTTP callers.
func Transport(message string, err error) *AppError {
	return NewAppError(KindTransport, http.StatusBadGateway, message, err)
}

func Malformed(message string, err error) *AppError {
	return NewAppError(KindMalformed, http.StatusBadRequest, message, err)
}

func Internal(message string, err error) *AppError {
	return NewAppError(KindInternal, http.StatusInternalServerError, message, err)
}

// As extracts the AppError from err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err carries an AppError of the given kind.
func Is(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

// WriteError renders err as {"error": ..., "code": ...}. Errors without an AppError in
// their chain become a 500 with a generic message.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = Internal("internal error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": appErr.Message,
		"code":  appErr.Code,
	})
}
