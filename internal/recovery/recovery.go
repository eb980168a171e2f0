// Package recovery keeps relay goroutines alive across panics.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanic is returned by guarded functions that panicked.
var ErrPanic = errors.New("panic recovered")

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Defer it at the top of a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "forwarder")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from panics, logs them, and calls the optional callback.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Guard wraps fn so that a panic is logged and returned as an error wrapping
// ErrPanic. The result fits errgroup.Group.Go.
func Guard(logger *slog.Logger, name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger, name, r)
				err = fmt.Errorf("%s: %w: %v", name, ErrPanic, r)
			}
		}()
		return fn()
	}
}
