package statesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Synchronizes the declared fields of a store across instances that open the same channel name.
//
// Protocol:
// - on start, an instance publishes `LOAD` to ask running peers for their state
// - a local mutation contributes its eligible changed fields to the pending diff, which is
//   published as one `STATE_UPDATE` per flush interval
// - on `LOAD` from a peer, the instance publishes a `STATE_UPDATE` with all of its eligible fields
// - on `STATE_UPDATE` from a peer, every declared field in the payload overwrites the local field
//
// Merging is last-message-wins. There are no per-field timestamps or origin vectors, so two
// instances that mutate the same field concurrently can end with different values.
// Messages with the instance's own id are always dropped.
//
// Sync state machine:
// SyncStateActive
//   -> SyncStateClosed (terminal)
// SyncStateLocalOnly (the channel could not be opened. No retry.)
//   -> SyncStateClosed (terminal)

var ErrMissingName = errors.New("sync config requires a channel name")

type SyncState string

const (
	SyncStateActive    SyncState = "Active"
	SyncStateLocalOnly SyncState = "LocalOnly"
	SyncStateClosed    SyncState = "Closed"
)

type SyncConfig struct {
	// selects the channel. Instances with the same name observe each other.
	Name string
	// fields never synchronized
	Exclude []ExcludeRule
}

type SyncSettings struct {
	FlushInterval time.Duration
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		FlushInterval: 50 * time.Millisecond,
	}
}

type SyncStats struct {
	LocalChanges     uint64
	Flushes          uint64
	MessagesSent     uint64
	PublishErrors    uint64
	MessagesReceived uint64
	EchoesDropped    uint64
	MalformedDropped uint64
	LoadsAnswered    uint64
	FieldsMerged     uint64
}

type Sync struct {
	ctx    context.Context
	cancel context.CancelFunc

	instanceId string
	store      Store
	schema     *Schema
	config     *SyncConfig
	settings   *SyncSettings

	log LogFunction

	// serializes mutations through this instance, inbound merges, and filter cache access
	stateLock sync.Mutex
	filter    *fieldFilter
	syncState SyncState
	stats     SyncStats

	// nil when local only
	channel Channel
	// outlives `ctx` so that `Close` can flush after cancellation
	channelCancel context.CancelFunc
	unsubscribe   func()
	batcher       *diffBatcher

	closeOnce sync.Once
}

func NewSyncWithDefaults(
	ctx context.Context,
	store Store,
	schema *Schema,
	config *SyncConfig,
	channelProvider ChannelProvider,
) (*Sync, error) {
	return NewSync(ctx, store, schema, config, channelProvider, DefaultSyncSettings())
}

// `channelProvider` may be nil, in which case the instance is local only
func NewSync(
	ctx context.Context,
	store Store,
	schema *Schema,
	config *SyncConfig,
	channelProvider ChannelProvider,
	settings *SyncSettings,
) (*Sync, error) {
	if config.Name == "" {
		return nil, ErrMissingName
	}
	filter, err := newFieldFilter(schema, config.Exclude)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	channelCtx, channelCancel := context.WithCancel(context.WithoutCancel(ctx))
	instanceId := NewInstanceId()
	stateSync := &Sync{
		ctx:           cancelCtx,
		cancel:        cancel,
		channelCancel: channelCancel,
		instanceId:    instanceId,
		store:         store,
		schema:        schema,
		config:        config,
		settings:      settings,
		log:           LogFn(LogLevelTrace, fmt.Sprintf("[sync]%s %s", config.Name, instanceId)),
		filter:        filter,
		syncState:     SyncStateLocalOnly,
	}

	if channelProvider == nil {
		glog.Warningf("[sync]%s no channel provider, running local only\n", config.Name)
	} else if channel, err := TraceWithReturnError(
		fmt.Sprintf("[sync]%s open", config.Name),
		func() (Channel, error) {
			return channelProvider.Open(channelCtx, config.Name)
		},
	); err != nil {
		glog.Warningf("[sync]%s channel unavailable, running local only = %s\n", config.Name, err)
	} else {
		stateSync.channel = channel
		stateSync.batcher = newDiffBatcher(settings.FlushInterval, stateSync.flush)
		stateSync.syncState = SyncStateActive
		stateSync.unsubscribe = channel.Subscribe(stateSync.receive)
		glog.V(LogLevelLifecycle).Infof("[sync]%s active %s\n", config.Name, instanceId)
		stateSync.publish(NewLoadMessage(instanceId))
	}

	go func() {
		<-cancelCtx.Done()
		stateSync.Close()
	}()

	return stateSync, nil
}

func (self *Sync) InstanceId() string {
	return self.instanceId
}

func (self *Sync) Schema() *Schema {
	return self.schema
}

func (self *Sync) SyncState() SyncState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.syncState
}

func (self *Sync) Stats() SyncStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stats
}

// Store implementation

func (self *Sync) State() State {
	return self.store.State()
}

func (self *Sync) InitialState() State {
	return self.store.InitialState()
}

// Applies the mutation to the wrapped store, then schedules eligible changed fields for broadcast.
// Synchronization failures never reach the caller.
func (self *Sync) Set(mutation Mutation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.syncState != SyncStateActive {
		self.store.Set(mutation)
		return
	}

	previousState := self.store.State()
	self.store.Set(mutation)
	state := self.store.State()

	HandleError("sync", func() {
		changes := self.changes(previousState, state)
		if len(changes) == 0 {
			return
		}
		self.stats.LocalChanges += 1
		self.log("local change %d fields", len(changes))
		self.batcher.Add(changes)
	})
}

// must be called with `stateLock`
func (self *Sync) changes(previousState State, state State) State {
	changes := State{}
	for _, field := range self.schema.Fields() {
		value, ok := state[field.Name]
		if !ok {
			continue
		}
		if previousValue, previousOk := previousState[field.Name]; previousOk && sameValue(previousValue, value) {
			continue
		}
		self.filter.Invalidate(field.Name)
		if self.filter.Eligible(field, value) {
			changes[field.Name] = value
		}
	}
	return changes
}

// eligible fields of the current state
// must be called with `stateLock`
func (self *Sync) snapshot() State {
	state := self.store.State()
	snapshot := State{}
	for _, name := range self.filter.EligibleFields(state) {
		snapshot[name] = state[name]
	}
	return snapshot
}

// called by the batcher timer with a payload it no longer references
func (self *Sync) flush(payload State) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.stats.Flushes += 1
	}()
	self.log("flush %d fields", len(payload))
	self.publish(NewStateUpdateMessage(self.instanceId, payload))
}

// must not be called with `stateLock`
func (self *Sync) publish(message *Message) {
	err := self.channel.Publish(message)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err != nil {
		self.stats.PublishErrors += 1
		glog.V(LogLevelLifecycle).Infof("[sync]%s publish %s error = %s\n", self.config.Name, message, err)
		return
	}
	self.stats.MessagesSent += 1
	self.log("publish %s", message)
}

func (self *Sync) receive(message *Message) {
	var reply *Message
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.syncState != SyncStateActive {
			return
		}
		self.stats.MessagesReceived += 1

		if err := message.Validate(); err != nil {
			self.stats.MalformedDropped += 1
			glog.V(LogLevelLifecycle).Infof("[sync]%s ignore = %s\n", self.config.Name, err)
			return
		}
		if message.SenderInstanceId == self.instanceId {
			self.stats.EchoesDropped += 1
			return
		}
		self.log("receive %s", message)

		switch message.Kind {
		case MessageKindLoad:
			snapshot := self.snapshot()
			if len(snapshot) == 0 {
				return
			}
			self.stats.LoadsAnswered += 1
			reply = NewStateUpdateMessage(self.instanceId, snapshot)
		case MessageKindStateUpdate:
			self.merge(message.Payload)
		}
	}()

	if reply != nil {
		self.publish(reply)
	}
}

// last-message-wins: every declared field in the payload overwrites the local field
// must be called with `stateLock`
func (self *Sync) merge(payload State) {
	fields := State{}
	for name, value := range payload {
		field, ok := self.schema.Field(name)
		if !ok {
			glog.V(LogLevelLifecycle).Infof("[sync]%s ignore undeclared field %s\n", self.config.Name, name)
			continue
		}
		coercedValue, err := CoerceValue(field.Kind, value)
		if err != nil {
			glog.V(LogLevelLifecycle).Infof("[sync]%s ignore field %s = %s\n", self.config.Name, name, err)
			continue
		}
		fields[name] = coercedValue
		self.filter.Invalidate(name)
	}
	if len(fields) == 0 {
		return
	}
	self.store.Set(SetFields(fields))
	self.stats.FieldsMerged += uint64(len(fields))
}

// flushes any pending diff and leaves the channel.
// The store remains usable through this instance without synchronization.
func (self *Sync) Close() {
	self.closeOnce.Do(func() {
		active := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			active = self.syncState == SyncStateActive
			self.syncState = SyncStateClosed
			self.filter.Reset()
		}()

		if active {
			Trace(fmt.Sprintf("[sync]%s close channel", self.config.Name), func() {
				if payload := self.batcher.Close(); 0 < len(payload) {
					self.flush(payload)
				}
				self.unsubscribe()
				self.channel.Close()
			})
		}
		self.channelCancel()
		self.cancel()
		glog.V(LogLevelLifecycle).Infof("[sync]%s closed %s\n", self.config.Name, self.instanceId)
	})
}
