package utils

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// GoWithRecovery wraps a goroutine body with panic recovery. When recoverFn
// is nil the panic is logged and swallowed, otherwise recoverFn handles it.
func GoWithRecovery(exec func(), recoverFn func(r interface{})) {
	defer func() {
		r := recover()
		if recoverFn != nil {
			recoverFn(r)
		} else if r != nil {
			log.Error("panic in the recoverable goroutine",
				zap.Reflect("r", r),
				zap.Stack("stack trace"))
		}
	}()
	exec()
}
