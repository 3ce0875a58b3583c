package logger

import (
	"fmt"
	"log"
	"strings"

	"go.uber.org/fx/fxevent"
)

// FxLoggerAdapter routes fx lifecycle events into the leveled logger.
type FxLoggerAdapter struct{}

// NewFxLoggerAdapter creates a new FxLoggerAdapter.
func NewFxLoggerAdapter() fxevent.Logger {
	return &FxLoggerAdapter{}
}

var levelTags = map[LogLevel]string{
	LevelDebug: "[DEBUG] ",
	LevelInfo:  "[INFO] ",
	LevelWarn:  "[WARN] ",
	LevelError: "[ERROR] ",
}

// LogEvent writes one line per interesting event. Hook timings stay at DEBUG;
// failures of any graph step are errors.
func (l *FxLoggerAdapter) LogEvent(event fxevent.Event) {
	lv, msg, ok := describe(event)
	if !ok || !enabled(lv) {
		return
	}
	log.Print(levelTags[lv] + "fx: " + msg)
}

func describe(event fxevent.Event) (LogLevel, string, bool) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuting:
		return LevelDebug, "start hook " + hookName(e.FunctionName), true
	case *fxevent.OnStartExecuted:
		return hookDone("start", e.FunctionName, e.Runtime.String(), e.Err)
	case *fxevent.OnStopExecuting:
		return LevelDebug, "stop hook " + hookName(e.FunctionName), true
	case *fxevent.OnStopExecuted:
		return hookDone("stop", e.FunctionName, e.Runtime.String(), e.Err)
	case *fxevent.Provided:
		return failure("provide "+hookName(e.ConstructorName), e.Err)
	case *fxevent.Decorated:
		return failure("decorate "+hookName(e.DecoratorName), e.Err)
	case *fxevent.Supplied:
		return failure("supply "+e.TypeName, e.Err)
	case *fxevent.Invoked:
		return failure("invoke "+hookName(e.FunctionName), e.Err)
	case *fxevent.Stopping:
		return LevelInfo, fmt.Sprintf("%s received", strings.ToUpper(e.Signal.String())), true
	case *fxevent.Stopped:
		return failure("stop", e.Err)
	case *fxevent.RollingBack:
		return LevelError, fmt.Sprintf("start failed, rolling back: %v", e.StartErr), true
	case *fxevent.RolledBack:
		return failure("rollback", e.Err)
	case *fxevent.Started:
		if e.Err != nil {
			return LevelError, fmt.Sprintf("start failed: %v", e.Err), true
		}
		return LevelDebug, "graph started", true
	case *fxevent.LoggerInitialized:
		return failure("logger initialization", e.Err)
	}
	return 0, "", false
}

func hookDone(phase, fn, runtime string, err error) (LogLevel, string, bool) {
	if err != nil {
		return LevelError, fmt.Sprintf("%s hook %s failed: %v", phase, hookName(fn), err), true
	}
	return LevelDebug, fmt.Sprintf("%s hook %s done in %s", phase, hookName(fn), runtime), true
}

func failure(what string, err error) (LogLevel, string, bool) {
	if err == nil {
		return 0, "", false
	}
	return LevelError, fmt.Sprintf("%s failed: %v", what, err), true
}

// hookName drops the package path and closure suffixes from a function name:
// "github.com/x/app.startServer.func1" becomes "app.startServer".
func hookName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, ".func"); i >= 0 {
		name = name[:i]
	}
	return name
}
