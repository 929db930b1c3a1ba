package statesync

import (
	"sync"
	"time"
)

type FlushFunction func(payload State)

// coalesces field changes into at most one payload per flush interval.
// Later values for a field overwrite earlier values within the same interval.
type diffBatcher struct {
	flushInterval time.Duration
	flush         FlushFunction

	stateLock sync.Mutex
	pending   State
	// armed while non-nil
	timer  *time.Timer
	closed bool
}

func newDiffBatcher(flushInterval time.Duration, flush FlushFunction) *diffBatcher {
	return &diffBatcher{
		flushInterval: flushInterval,
		flush:         flush,
		pending:       State{},
	}
}

func (self *diffBatcher) Add(changes State) {
	if len(changes) == 0 {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	for name, value := range changes {
		self.pending[name] = value
	}
	if self.timer == nil {
		self.timer = time.AfterFunc(self.flushInterval, self.expire)
	}
}

func (self *diffBatcher) expire() {
	payload := self.take()
	if 0 < len(payload) {
		self.flush(payload)
	}
}

// clears the pending diff and disarms the timer as one unit
func (self *diffBatcher) take() State {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	payload := self.pending
	self.pending = State{}
	self.timer = nil
	return payload
}

func (self *diffBatcher) Pending() State {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.pending.Clone()
}

func (self *diffBatcher) Armed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.timer != nil
}

// stops the timer and returns the remaining pending diff.
// Changes added after close are dropped.
func (self *diffBatcher) Close() State {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	payload := self.pending
	self.pending = State{}
	return payload
}
