package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput           = "KINTAI_BAD_INPUT"
	ErrorUnnamedCallback    = "KINTAI_UNNAMED_CALLBACK"
	ErrorQueueBusy          = "KINTAI_QUEUE_BUSY"
	ErrorRateLimited        = "KINTAI_RATE_LIMITED"
	ErrorNotInstalled       = "KINTAI_NOT_INSTALLED"
	ErrorInvalidOAuthState  = "KINTAI_INVALID_OAUTH_STATE"
	ErrorInvalidToken       = "KINTAI_INVALID_TOKEN"
	ErrorDuplicateRequest   = "KINTAI_DUPLICATE_REQUEST"
	ErrorNoListener         = "KINTAI_NO_LISTENER"
	ErrorUnknownInteraction = "KINTAI_UNKNOWN_INTERACTION"
	ErrorNotFound           = "KINTAI_NOT_FOUND"
	ErrorStoreUnavailable   = "KINTAI_STORE_UNAVAILABLE"
	ErrorExternalFailed     = "KINTAI_EXTERNAL_FAILED"
	ErrorInternal           = "KINTAI_INTERNAL_ERROR"
)

// NewError builds a rich error carrying category, HTTP status and text code.
func NewError(message string, category goerrors.Category, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(HTTPStatusForCategory(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// WrapError wraps source keeping it reachable through errors.Is.
func WrapError(source error, category goerrors.Category, textCode string, message string, metadata map[string]any) *goerrors.Error {
	if source == nil {
		return NewError(message, category, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(HTTPStatusForCategory(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// HasTextCode reports whether err, or any error it wraps, is a rich error
// with the given text code. sentinel, when non-nil, is also matched with
// errors.Is.
func HasTextCode(err error, textCode string, sentinel error) bool {
	if err == nil {
		return false
	}
	if sentinel != nil && errors.Is(err, sentinel) {
		return true
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return strings.EqualFold(strings.TrimSpace(rich.TextCode), textCode)
	}
	return false
}

// MapError normalizes any error into a rich error envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureErrorEnvelope(rich)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return NewError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound, nil)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return NewError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput, nil)
	}
	return ensureErrorEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
}

// HTTPStatus returns the status code a web layer should answer with for err.
func HTTPStatus(err error) int {
	mapped := MapError(err)
	if mapped == nil {
		return http.StatusOK
	}
	return mapped.Code
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = HTTPStatusForCategory(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorInvalidToken
	case goerrors.CategoryConflict:
		return ErrorDuplicateRequest
	case goerrors.CategoryRateLimit:
		return ErrorQueueBusy
	case goerrors.CategoryExternal:
		return ErrorExternalFailed
	default:
		return ErrorInternal
	}
}

func HTTPStatusForCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
