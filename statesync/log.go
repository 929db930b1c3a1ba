package statesync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `statesync` package:
// Warning:
//     degraded operation the user should know about. At most once per instance,
//     e.g. a channel that could not be opened, or a recovered panic.
// Info:
//     abnormal but recoverable events
//     this includes:
//     - hub connection errors
//     - frames dropped under back pressure
// V(1):
//     instance lifecycle and ignored inbound messages
// V(2):
//     per message trace - publish, receive, flush, merge

const LogLevelLifecycle glog.Level = 1
const LogLevelTrace glog.Level = 2

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}
