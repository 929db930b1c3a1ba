package statesync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(State{"count": 0, "label": "a"})

	changes := 0
	var lastState State
	var lastPreviousState State
	unsubscribe := store.Subscribe(func(state State, previousState State) {
		changes += 1
		lastState = state
		lastPreviousState = previousState
	})

	store.Set(func(state State) State {
		return State{"count": state["count"].(int) + 1}
	})
	assert.Equal(t, State{"count": 1, "label": "a"}, store.State())
	assert.Equal(t, 1, changes)
	assert.Equal(t, State{"count": 1, "label": "a"}, lastState)
	assert.Equal(t, State{"count": 0, "label": "a"}, lastPreviousState)

	// empty mutations do not notify
	store.Set(SetFields(State{}))
	assert.Equal(t, 1, changes)

	// returned state is a copy
	state := store.State()
	state["count"] = 100
	assert.Equal(t, 1, store.State()["count"])

	// mutations receive a copy
	store.Set(func(state State) State {
		state["label"] = "mutated in place"
		return nil
	})
	assert.Equal(t, "a", store.State()["label"])

	unsubscribe()
	store.Set(SetFields(State{"label": "b"}))
	assert.Equal(t, 1, changes)
	assert.Equal(t, "b", store.State()["label"])

	assert.Equal(t, State{"count": 0, "label": "a"}, store.InitialState())
}
