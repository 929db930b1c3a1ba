package statesync

import (
	"flag"
	"testing"
	"time"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// polls `condition` until it holds or the timeout elapses
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) bool {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if endTime.Before(time.Now()) {
			t.Errorf("Condition not met after %s", timeout)
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
