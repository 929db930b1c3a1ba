package statesync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// top level fields of an application state object
type State map[string]any

func (self State) Clone() State {
	if self == nil {
		return State{}
	}
	return maps.Clone(self)
}

// a mutation receives a copy of the current state and returns the fields to overwrite.
// Values are replaced, never modified in place.
type Mutation func(state State) State

func SetFields(fields State) Mutation {
	return func(state State) State {
		return fields
	}
}

// the reactive store contract consumed by the synchronization core.
// `Sync` implements this contract as a drop-in replacement for the wrapped store.
type Store interface {
	State() State
	Set(mutation Mutation)
	InitialState() State
}

type StoreChangeFunction func(state State, previousState State)

// an in-memory reactive store. Subscribers are notified after every non-empty mutation.
type MemoryStore struct {
	stateLock    sync.Mutex
	initialState State
	state        State

	changeCallbacks *CallbackList[StoreChangeFunction]
}

func NewMemoryStore(initialState State) *MemoryStore {
	return &MemoryStore{
		initialState:    initialState.Clone(),
		state:           initialState.Clone(),
		changeCallbacks: NewCallbackList[StoreChangeFunction](),
	}
}

func (self *MemoryStore) State() State {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state.Clone()
}

func (self *MemoryStore) InitialState() State {
	return self.initialState.Clone()
}

func (self *MemoryStore) Set(mutation Mutation) {
	var state State
	var previousState State
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		fields := mutation(self.state.Clone())
		if len(fields) == 0 {
			return
		}
		previousState = self.state
		state = previousState.Clone()
		for name, value := range fields {
			state[name] = value
		}
		self.state = state
		changed = true
	}()

	if changed {
		for _, changeCallback := range self.changeCallbacks.Get() {
			changeCallback(state.Clone(), previousState.Clone())
		}
	}
}

// callbacks run on the mutating goroutine and must not call `Set` on a `Sync` wrapping this store
func (self *MemoryStore) Subscribe(changeCallback StoreChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}
