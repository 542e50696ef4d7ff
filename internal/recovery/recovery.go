// Package recovery turns panics into logged errors so that a fault in one
// session handler or background goroutine does not stop the relay.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/dgram-relay/internal/logging"
)

// PanicError carries a recovered panic value and the stack it unwound.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Call runs fn and converts a panic into a *PanicError. The panic is logged
// under component together with attrs.
//
//	if err := recovery.Call(logger, "demux", fn, logging.Hex(logging.KeyConnID, id)); err != nil {
//	    // close the session
//	}
func Call(logger *slog.Logger, component string, fn func(), attrs ...slog.Attr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Value: r, Stack: debug.Stack()}
			logPanic(logger, component, pe, attrs)
			err = pe
		}
	}()

	fn()
	return nil
}

// RecoverWithLog recovers a panic and logs it. Defer it at the top of a
// goroutine.
func RecoverWithLog(logger *slog.Logger, component string) {
	if r := recover(); r != nil {
		logPanic(logger, component, &PanicError{Value: r, Stack: debug.Stack()}, nil)
	}
}

func logPanic(logger *slog.Logger, component string, pe *PanicError, attrs []slog.Attr) {
	args := []any{
		slog.String(logging.KeyComponent, component),
		slog.String("panic", fmt.Sprintf("%v", pe.Value)),
		slog.String("stack", string(pe.Stack)),
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	logger.Error("panic recovered", args...)
}
