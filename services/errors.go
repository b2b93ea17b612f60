package services

import (
	"errors"
	"fmt"
	"net/http"

	"grantdocs/logger"
	"grantdocs/metrics"
	"grantdocs/models"
	"grantdocs/storage"

	"gorm.io/gorm"
)

var (
	ErrDuplicateName = errors.New("duplicate name")
	ErrNotFound      = errors.New("not found")
	ErrNotInBin      = errors.New("not in bin")
	ErrIntegrity     = errors.New("integrity violation")
	ErrPhysicalIO    = errors.New("physical io failure")
	ErrOrphanRestore = errors.New("orphan restore")
	ErrInvalidInput  = errors.New("invalid input")
)

type AppError struct {
	HTTPCode int
	Kind     error
	Message  string
	Data     interface{}
	Err      error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the error kind so callers can test with errors.Is(err, ErrNotInBin).
func (e *AppError) Is(target error) bool {
	return e != nil && e.Kind != nil && e.Kind == target
}

func newAppError(httpCode int, message string, err error) *AppError {
	return &AppError{HTTPCode: httpCode, Message: message, Err: err}
}

func newKindError(kind error, message string, err error) *AppError {
	return &AppError{HTTPCode: statusForKind(kind), Kind: kind, Message: message, Err: err}
}

func newKindErrorWithData(kind error, message string, data interface{}, err error) *AppError {
	return &AppError{HTTPCode: statusForKind(kind), Kind: kind, Message: message, Data: data, Err: err}
}

func statusForKind(kind error) int {
	switch kind {
	case ErrDuplicateName, ErrOrphanRestore:
		return http.StatusConflict
	case ErrNotFound:
		return http.StatusNotFound
	case ErrNotInBin, ErrInvalidInput:
		return http.StatusBadRequest
	case ErrPhysicalIO:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func notFoundError(kind models.NodeKind, id uint) *AppError {
	return newKindError(ErrNotFound, fmt.Sprintf("%s %d not found", kind, id), nil)
}

func duplicateNameError(kind models.NodeKind, name string) *AppError {
	return newKindErrorWithData(ErrDuplicateName, fmt.Sprintf("a %s named %q already exists here", kind, name), map[string]string{"name": name}, nil)
}

// integrityError logs at error level; corrupted ancestry is never repaired silently.
func integrityError(kind models.NodeKind, id uint, detail string) *AppError {
	metrics.IntegrityErrorsTotal.Inc()
	logger.L().Error().
		Str("node_kind", string(kind)).
		Uint("node_id", id).
		Str("detail", detail).
		Msg("tree integrity violation")
	return newKindError(ErrIntegrity, fmt.Sprintf("integrity violation at %s %d: %s", kind, id, detail), nil)
}

func physicalIOError(message string, err error) *AppError {
	return newKindError(ErrPhysicalIO, message, err)
}

// asAppError converts whatever came out of a transaction into an *AppError.
func asAppError(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var ioErr *storage.IOError
	if errors.As(err, &ioErr) {
		return physicalIOError(message, err)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newKindError(ErrNotFound, message, err)
	}
	return newAppError(http.StatusInternalServerError, message, err)
}
