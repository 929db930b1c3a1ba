package statesync

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestHandleError(t *testing.T) {
	ran := false
	recovered := HandleError("test", func() {
		ran = true
	})
	assert.Equal(t, true, ran)
	assert.Equal(t, false, recovered)

	recovered = HandleError("test", func() {
		panic(errors.New("boom"))
	})
	assert.Equal(t, true, recovered)

	var m map[string]int
	recovered = HandleError("test", func() {
		m["count"] = 1
	})
	assert.Equal(t, true, recovered)
}

func TestPanicJson(t *testing.T) {
	out := panicJson(errors.New("boom"), []byte("goroutine 1\n\n  main.go:1\n"))
	assert.Equal(t, true, strings.Contains(out, `"error":"*errors.errorString=boom"`))
	assert.Equal(t, true, strings.Contains(out, `"stack":["goroutine 1","main.go:1"]`))
}

func TestTraceWithReturnError(t *testing.T) {
	value, err := TraceWithReturnError("test", func() (int, error) {
		return 3, nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, value)

	_, err = TraceWithReturnError("test", func() (int, error) {
		return 0, ErrChannelClosed
	})
	assert.Equal(t, true, errors.Is(err, ErrChannelClosed))
}
