package command

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

func commandDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ErrorInternal)
}

func commandValidationError(field string, message string) error {
	return goerrors.NewValidation("command: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

func commandNotFoundError(message string, metadata map[string]any) error {
	return core.NewError(message, goerrors.CategoryNotFound, core.ErrorNotFound, metadata)
}
