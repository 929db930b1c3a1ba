package statesync

import (
	"errors"
	"fmt"
)

var ErrMalformedMessage = errors.New("malformed message")

type MessageKind string

const (
	// requests the current state from any running peer
	MessageKindLoad MessageKind = "LOAD"
	// carries field values to merge
	MessageKindStateUpdate MessageKind = "STATE_UPDATE"
)

func (self MessageKind) IsValid() bool {
	switch self {
	case MessageKindLoad, MessageKindStateUpdate:
		return true
	default:
		return false
	}
}

// messages are transient and never stored
type Message struct {
	Kind             MessageKind
	SenderInstanceId string
	// only for `MessageKindStateUpdate`
	Payload State
}

func NewLoadMessage(senderInstanceId string) *Message {
	return &Message{
		Kind:             MessageKindLoad,
		SenderInstanceId: senderInstanceId,
	}
}

func NewStateUpdateMessage(senderInstanceId string, payload State) *Message {
	return &Message{
		Kind:             MessageKindStateUpdate,
		SenderInstanceId: senderInstanceId,
		Payload:          payload,
	}
}

func (self *Message) Validate() error {
	if self == nil {
		return fmt.Errorf("%w: nil", ErrMalformedMessage)
	}
	if !self.Kind.IsValid() {
		return fmt.Errorf("%w: kind %q", ErrMalformedMessage, self.Kind)
	}
	if self.SenderInstanceId == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}
	return nil
}

func (self *Message) String() string {
	if self.Kind == MessageKindStateUpdate {
		return fmt.Sprintf("%s(%s, %d fields)", self.Kind, self.SenderInstanceId, len(self.Payload))
	}
	return fmt.Sprintf("%s(%s)", self.Kind, self.SenderInstanceId)
}
