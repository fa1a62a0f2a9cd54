package jobqueue

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

var (
	ErrUnnamedCallback = errors.New("jobqueue: callback must be registered under a name")
	ErrQueueBusy       = errors.New("jobqueue: too many pending jobs")
)

func IsUnnamedCallback(err error) bool {
	return core.HasTextCode(err, core.ErrorUnnamedCallback, ErrUnnamedCallback)
}

// IsQueueBusy reports backpressure; callers should ask the user to retry later.
func IsQueueBusy(err error) bool {
	return core.HasTextCode(err, core.ErrorQueueBusy, ErrQueueBusy)
}

func unnamedCallbackError(callbackName string) error {
	return core.WrapError(
		ErrUnnamedCallback,
		goerrors.CategoryBadInput,
		core.ErrorUnnamedCallback,
		"jobqueue: callback name is not registered",
		map[string]any{"callback": callbackName},
	)
}

func queueBusyError(live int, maxSlot int) error {
	return core.WrapError(
		ErrQueueBusy,
		goerrors.CategoryRateLimit,
		core.ErrorQueueBusy,
		"jobqueue: too many pending jobs",
		map[string]any{"live": live, "max_slot": maxSlot},
	)
}

func parameterError(err error, callbackName string) error {
	return core.WrapError(
		err,
		goerrors.CategoryBadInput,
		core.ErrorBadInput,
		"jobqueue: encode parameter",
		map[string]any{"callback": callbackName},
	)
}

func storeError(err error, message string, metadata map[string]any) error {
	return core.WrapError(err, goerrors.CategoryInternal, core.ErrorStoreUnavailable, message, metadata)
}
