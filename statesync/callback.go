package statesync

import (
	"sync"
)

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	stateLock      sync.Mutex
	nextCallbackId int
	entries        []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextEntries := make([]callbackEntry[T], len(self.entries), len(self.entries)+1)
	copy(nextEntries, self.entries)
	nextEntries = append(nextEntries, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nextEntries := make([]callbackEntry[T], 0, len(self.entries))
	for _, entry := range self.entries {
		if entry.callbackId != callbackId {
			nextEntries = append(nextEntries, entry)
		}
	}
	self.entries = nextEntries
}

func (self *CallbackList[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}
