package statesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type messageCollector struct {
	stateLock sync.Mutex
	messages  []*Message
}

func (self *messageCollector) receive(message *Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.messages = append(self.messages, message)
}

func (self *messageCollector) Messages() []*Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]*Message{}, self.messages...)
}

func (self *messageCollector) StateUpdates(senderInstanceId string) []*Message {
	stateUpdates := []*Message{}
	for _, message := range self.Messages() {
		if message.Kind == MessageKindStateUpdate && message.SenderInstanceId == senderInstanceId {
			stateUpdates = append(stateUpdates, message)
		}
	}
	return stateUpdates
}

func TestLocalBroadcastScope(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcast := NewLocalBroadcastWithDefaults(ctx)

	a, err := broadcast.Open(ctx, "a")
	assert.Equal(t, err, nil)
	a2, err := broadcast.Open(ctx, "a")
	assert.Equal(t, err, nil)
	b, err := broadcast.Open(ctx, "b")
	assert.Equal(t, err, nil)
	assert.Equal(t, "a", a.Name())

	aMessages := &messageCollector{}
	a2Messages := &messageCollector{}
	bMessages := &messageCollector{}
	a.Subscribe(aMessages.receive)
	a2.Subscribe(a2Messages.receive)
	b.Subscribe(bMessages.receive)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, broadcast.SubscriberCounts())

	instanceId := NewInstanceId()
	err = a.Publish(NewStateUpdateMessage(instanceId, State{"count": 1}))
	assert.Equal(t, err, nil)

	// the publisher receives its own message
	waitFor(t, time.Second, func() bool {
		return len(aMessages.Messages()) == 1 && len(a2Messages.Messages()) == 1
	})
	assert.Equal(t, State{"count": float64(1)}, a2Messages.Messages()[0].Payload)
	assert.Equal(t, instanceId, a2Messages.Messages()[0].SenderInstanceId)

	// names are isolated
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, len(bMessages.Messages()))
}

func TestLocalBroadcastCopies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcast := NewLocalBroadcastWithDefaults(ctx)
	a, _ := broadcast.Open(ctx, "a")
	b, _ := broadcast.Open(ctx, "a")
	bMessages := &messageCollector{}
	b.Subscribe(bMessages.receive)

	settings := map[string]any{"theme": "dark"}
	a.Publish(NewStateUpdateMessage(NewInstanceId(), State{"settings": settings}))
	waitFor(t, time.Second, func() bool {
		return len(bMessages.Messages()) == 1
	})
	settings["theme"] = "light"
	assert.Equal(t, map[string]any{"theme": "dark"}, bMessages.Messages()[0].Payload["settings"])
}

func TestLocalBroadcastClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcast := NewLocalBroadcastWithDefaults(ctx)
	a, _ := broadcast.Open(ctx, "a")
	b, _ := broadcast.Open(ctx, "a")
	aMessages := &messageCollector{}
	bMessages := &messageCollector{}
	unsubscribe := a.Subscribe(aMessages.receive)
	b.Subscribe(bMessages.receive)

	unsubscribe()
	assert.Equal(t, map[string]int{"a": 1}, broadcast.SubscriberCounts())

	b.Close()
	assert.Equal(t, map[string]int{"a": 0}, broadcast.SubscriberCounts())
	err := b.Publish(NewLoadMessage(NewInstanceId()))
	assert.Equal(t, true, errors.Is(err, ErrChannelClosed))

	a.Publish(NewLoadMessage(NewInstanceId()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, len(aMessages.Messages()))
	assert.Equal(t, 0, len(bMessages.Messages()))

	// a closed broadcast is unavailable
	broadcastCtx, broadcastCancel := context.WithCancel(ctx)
	closedBroadcast := NewLocalBroadcastWithDefaults(broadcastCtx)
	broadcastCancel()
	_, err = closedBroadcast.Open(ctx, "a")
	assert.Equal(t, true, errors.Is(err, ErrChannelClosed))
}

func TestLocalBroadcastDropsWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcast := NewLocalBroadcast(ctx, &LocalBroadcastSettings{
		DeliveryBufferSize: 1,
	})
	a, _ := broadcast.Open(ctx, "a")

	release := make(chan struct{})
	received := make(chan *Message, 16)
	a.Subscribe(func(message *Message) {
		<-release
		received <- message
	})

	for range 8 {
		err := a.Publish(NewLoadMessage(NewInstanceId()))
		// publish never blocks and never reports drops
		assert.Equal(t, err, nil)
	}
	close(release)

	count := 0
	timeout := time.After(100 * time.Millisecond)
	for done := false; !done; {
		select {
		case <-received:
			count += 1
		case <-timeout:
			done = true
		}
	}
	// one in the receive callback and one buffered
	assert.Equal(t, true, 1 <= count && count <= 2)
}
