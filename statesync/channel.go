package statesync

import (
	"context"
	"errors"
)

var ErrChannelClosed = errors.New("channel closed")
var ErrChannelFull = errors.New("channel send buffer full")

type ReceiveFunction func(message *Message)

// a named best-effort broadcast scope.
// There is no delivery, ordering, or exactly-once guarantee. A publisher may or may not
// receive its own messages depending on the implementation.
type Channel interface {
	Name() string
	Publish(message *Message) error
	Subscribe(receive ReceiveFunction) (unsubscribe func())
	Close()
}

type ChannelProvider interface {
	// all channels opened with the same name observe each other's messages
	Open(ctx context.Context, name string) (Channel, error)
}
