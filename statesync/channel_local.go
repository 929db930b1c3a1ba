package statesync

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// In-process broadcast. Every `Open` of the same name on one `LocalBroadcast` joins the same scope.
// A frame is encoded once per publish and decoded once per subscriber, so subscribers never
// share values with the publisher or with each other. The publisher's own subscribers also
// receive its messages.

type LocalBroadcastSettings struct {
	// frames queued per subscriber before dropping
	DeliveryBufferSize int
}

func DefaultLocalBroadcastSettings() *LocalBroadcastSettings {
	return &LocalBroadcastSettings{
		DeliveryBufferSize: 64,
	}
}

type LocalBroadcast struct {
	ctx      context.Context
	settings *LocalBroadcastSettings

	stateLock sync.Mutex
	scopes    map[string]*localScope
}

func NewLocalBroadcastWithDefaults(ctx context.Context) *LocalBroadcast {
	return NewLocalBroadcast(ctx, DefaultLocalBroadcastSettings())
}

func NewLocalBroadcast(ctx context.Context, settings *LocalBroadcastSettings) *LocalBroadcast {
	return &LocalBroadcast{
		ctx:      ctx,
		settings: settings,
		scopes:   map[string]*localScope{},
	}
}

func (self *LocalBroadcast) Open(ctx context.Context, name string) (Channel, error) {
	select {
	case <-self.ctx.Done():
		return nil, fmt.Errorf("Local broadcast is closed: %w", ErrChannelClosed)
	default:
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	scope, ok := self.scopes[name]
	if !ok {
		scope = newLocalScope(name)
		self.scopes[name] = scope
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-cancelCtx.Done():
		case <-self.ctx.Done():
			cancel()
		}
	}()
	return &localChannel{
		ctx:           cancelCtx,
		cancel:        cancel,
		scope:         scope,
		settings:      self.settings,
		subscriberIds: map[int]bool{},
	}, nil
}

// subscriber count per scope name
func (self *LocalBroadcast) SubscriberCounts() map[string]int {
	self.stateLock.Lock()
	scopes := make([]*localScope, 0, len(self.scopes))
	for _, scope := range self.scopes {
		scopes = append(scopes, scope)
	}
	self.stateLock.Unlock()

	counts := map[string]int{}
	for _, scope := range scopes {
		counts[scope.name] = scope.subscriberCount()
	}
	return counts
}

type localScope struct {
	name string

	stateLock        sync.Mutex
	nextSubscriberId int
	subscribers      map[int]*localSubscriber
}

func newLocalScope(name string) *localScope {
	return &localScope{
		name:        name,
		subscribers: map[int]*localSubscriber{},
	}
}

func (self *localScope) add(subscriber *localSubscriber) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscriberId := self.nextSubscriberId
	self.nextSubscriberId += 1
	self.subscribers[subscriberId] = subscriber
	return subscriberId
}

func (self *localScope) remove(subscriberId int) *localSubscriber {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscriber := self.subscribers[subscriberId]
	delete(self.subscribers, subscriberId)
	return subscriber
}

func (self *localScope) subscriberCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subscribers)
}

func (self *localScope) deliver(frameBytes []byte) {
	self.stateLock.Lock()
	subscribers := make([]*localSubscriber, 0, len(self.subscribers))
	for _, subscriber := range self.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	self.stateLock.Unlock()

	for _, subscriber := range subscribers {
		select {
		case <-subscriber.ctx.Done():
		case subscriber.deliveries <- frameBytes:
		default:
			glog.Infof("[lb]%s drop delivery, buffer full\n", self.name)
		}
	}
}

type localSubscriber struct {
	ctx        context.Context
	cancel     context.CancelFunc
	receive    ReceiveFunction
	deliveries chan []byte
}

func (self *localSubscriber) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes := <-self.deliveries:
			message, err := DecodeFrame(frameBytes)
			if err != nil {
				glog.V(LogLevelLifecycle).Infof("[lb]drop frame = %s\n", err)
				continue
			}
			HandleError("lb", func() {
				self.receive(message)
			})
		}
	}
}

type localChannel struct {
	ctx      context.Context
	cancel   context.CancelFunc
	scope    *localScope
	settings *LocalBroadcastSettings

	stateLock     sync.Mutex
	subscriberIds map[int]bool
}

func (self *localChannel) Name() string {
	return self.scope.name
}

func (self *localChannel) Publish(message *Message) error {
	select {
	case <-self.ctx.Done():
		return ErrChannelClosed
	default:
	}
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		return err
	}
	glog.V(LogLevelTrace).Infof("[lb]%s publish %s\n", self.scope.name, message)
	self.scope.deliver(frameBytes)
	return nil
}

func (self *localChannel) Subscribe(receive ReceiveFunction) func() {
	subscriberCtx, subscriberCancel := context.WithCancel(self.ctx)
	subscriber := &localSubscriber{
		ctx:        subscriberCtx,
		cancel:     subscriberCancel,
		receive:    receive,
		deliveries: make(chan []byte, self.settings.DeliveryBufferSize),
	}
	subscriberId := self.scope.add(subscriber)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.subscriberIds[subscriberId] = true
	}()
	go func() {
		defer self.unsubscribe(subscriberId)
		subscriber.run()
	}()
	return func() {
		self.unsubscribe(subscriberId)
	}
}

func (self *localChannel) unsubscribe(subscriberId int) {
	self.stateLock.Lock()
	delete(self.subscriberIds, subscriberId)
	self.stateLock.Unlock()

	if subscriber := self.scope.remove(subscriberId); subscriber != nil {
		subscriber.cancel()
	}
}

func (self *localChannel) Close() {
	self.cancel()

	self.stateLock.Lock()
	subscriberIds := make([]int, 0, len(self.subscriberIds))
	for subscriberId := range self.subscriberIds {
		subscriberIds = append(subscriberIds, subscriberId)
	}
	self.stateLock.Unlock()

	for _, subscriberId := range subscriberIds {
		self.unsubscribe(subscriberId)
	}
}
