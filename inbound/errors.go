package inbound

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

var (
	ErrInvalidToken       = errors.New("inbound: verification token mismatch")
	ErrDuplicateRequest   = errors.New("inbound: duplicate request")
	ErrNoListener         = errors.New("inbound: no listener registered")
	ErrUnknownInteraction = errors.New("inbound: unknown interaction type")
)

func IsInvalidToken(err error) bool {
	return core.HasTextCode(err, core.ErrorInvalidToken, ErrInvalidToken)
}

// IsDuplicateRequest reports a redelivery. Web layers must answer it with an
// empty success response so the platform stops retrying.
func IsDuplicateRequest(err error) bool {
	return core.HasTextCode(err, core.ErrorDuplicateRequest, ErrDuplicateRequest)
}

func IsNoListener(err error) bool {
	return core.HasTextCode(err, core.ErrorNoListener, ErrNoListener)
}

func IsUnknownInteraction(err error) bool {
	return core.HasTextCode(err, core.ErrorUnknownInteraction, ErrUnknownInteraction)
}

func inboundError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func inboundWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	if source == nil {
		return inboundError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func inboundBadInput(message string, metadata map[string]any) error {
	return inboundError(message, goerrors.CategoryBadInput, http.StatusBadRequest, core.ErrorBadInput, metadata)
}

func invalidTokenError(surface string, cause error) error {
	source := ErrInvalidToken
	if cause != nil && !errors.Is(cause, ErrInvalidToken) {
		source = errors.Join(ErrInvalidToken, cause)
	}
	return inboundWrapError(
		source,
		goerrors.CategoryAuth,
		"inbound: request verification failed",
		http.StatusUnauthorized,
		core.ErrorInvalidToken,
		map[string]any{"surface": surface},
	)
}

func duplicateRequestError(surface string, key string) error {
	return inboundWrapError(
		ErrDuplicateRequest,
		goerrors.CategoryConflict,
		"inbound: duplicate request",
		http.StatusOK,
		core.ErrorDuplicateRequest,
		map[string]any{"surface": surface, "idempotency_key": key},
	)
}

func noListenerError(surface string, logicalType string) error {
	return inboundWrapError(
		ErrNoListener,
		goerrors.CategoryNotFound,
		"inbound: no listener registered",
		http.StatusNotFound,
		core.ErrorNoListener,
		map[string]any{"surface": surface, "type": logicalType},
	)
}

func unknownInteractionError(interactionType string) error {
	return inboundWrapError(
		ErrUnknownInteraction,
		goerrors.CategoryBadInput,
		"inbound: unknown interaction type",
		http.StatusBadRequest,
		core.ErrorUnknownInteraction,
		map[string]any{"surface": SurfaceInteraction, "type": interactionType},
	)
}

func guardError(err error, surface string) error {
	return inboundWrapError(
		err,
		goerrors.CategoryInternal,
		"inbound: idempotency check failed",
		http.StatusInternalServerError,
		core.ErrorStoreUnavailable,
		map[string]any{"surface": surface},
	)
}
