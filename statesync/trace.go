package statesync

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// runs `do` and recovers any panic, logged under `tag`.
// Returns true when `do` panicked.
func HandleError(tag string, do func()) (recovered bool) {
	defer func() {
		if r := recover(); r != nil {
			recovered = true
			glog.Warningf("[%s]recovered = %s\n", tag, panicJson(r, debug.Stack()))
		}
	}()
	do()
	return
}

func panicJson(r any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	panicJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%v", r, r),
		"stack": stackLines,
	})
	return string(panicJson)
}

// logs how long `do` took at the lifecycle level
func Trace(tag string, do func()) {
	start := time.Now()
	do()
	glog.V(LogLevelLifecycle).Infof("%s (%s)\n", tag, time.Since(start))
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	start := time.Now()
	result, err := do()
	if err != nil {
		glog.V(LogLevelLifecycle).Infof("%s (%s) error = %s\n", tag, time.Since(start), err)
	} else {
		glog.V(LogLevelLifecycle).Infof("%s (%s)\n", tag, time.Since(start))
	}
	return result, err
}
