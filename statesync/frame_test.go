package statesync

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/go-playground/assert/v2"
)

func TestFrameLoad(t *testing.T) {
	instanceId := NewInstanceId()
	b, err := EncodeFrame(NewLoadMessage(instanceId))
	assert.Equal(t, err, nil)

	message, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageKindLoad, message.Kind)
	assert.Equal(t, instanceId, message.SenderInstanceId)
	assert.Equal(t, nil, message.Payload)

	frame := RequireToFrame(NewLoadMessage(instanceId))
	_, ok := frame.GetFields()[framePayloadField]
	assert.Equal(t, false, ok)
}

func TestFrameStateUpdate(t *testing.T) {
	instanceId := NewInstanceId()
	b, err := EncodeFrame(NewStateUpdateMessage(instanceId, State{
		"count":    3,
		"label":    "a",
		"settings": map[string]any{"theme": "dark"},
		"none":     nil,
	}))
	assert.Equal(t, err, nil)

	message, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageKindStateUpdate, message.Kind)
	assert.Equal(t, instanceId, message.SenderInstanceId)
	assert.Equal(t, State{
		"count":    float64(3),
		"label":    "a",
		"settings": map[string]any{"theme": "dark"},
		"none":     nil,
	}, message.Payload)

	// an update without payload decodes as empty
	frame := &structpb.Struct{Fields: map[string]*structpb.Value{
		frameKindField:             structpb.NewStringValue(string(MessageKindStateUpdate)),
		frameSenderInstanceIdField: structpb.NewStringValue(instanceId),
	}}
	message, err = FromFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, State{}, message.Payload)
}

func TestFrameNotTransmissible(t *testing.T) {
	_, err := EncodeFrame(NewStateUpdateMessage(NewInstanceId(), State{
		"handle": make(chan int),
	}))
	assert.Equal(t, true, errors.Is(err, ErrNotTransmissible))
}

func TestFrameMalformed(t *testing.T) {
	instanceId := NewInstanceId()

	_, err := EncodeFrame(&Message{Kind: MessageKindLoad})
	assert.Equal(t, true, errors.Is(err, ErrMalformedMessage))

	_, err = EncodeFrame(&Message{Kind: "PING", SenderInstanceId: instanceId})
	assert.Equal(t, true, errors.Is(err, ErrMalformedMessage))

	malformedFrames := []*structpb.Struct{
		// missing kind
		{Fields: map[string]*structpb.Value{
			frameSenderInstanceIdField: structpb.NewStringValue(instanceId),
		}},
		// missing sender
		{Fields: map[string]*structpb.Value{
			frameKindField: structpb.NewStringValue(string(MessageKindLoad)),
		}},
		// empty sender
		{Fields: map[string]*structpb.Value{
			frameKindField:             structpb.NewStringValue(string(MessageKindLoad)),
			frameSenderInstanceIdField: structpb.NewStringValue(""),
		}},
		// kind is not a string
		{Fields: map[string]*structpb.Value{
			frameKindField:             structpb.NewNumberValue(1),
			frameSenderInstanceIdField: structpb.NewStringValue(instanceId),
		}},
		// unknown kind
		{Fields: map[string]*structpb.Value{
			frameKindField:             structpb.NewStringValue("PING"),
			frameSenderInstanceIdField: structpb.NewStringValue(instanceId),
		}},
		// payload is not a record
		{Fields: map[string]*structpb.Value{
			frameKindField:             structpb.NewStringValue(string(MessageKindStateUpdate)),
			frameSenderInstanceIdField: structpb.NewStringValue(instanceId),
			framePayloadField:          structpb.NewListValue(&structpb.ListValue{}),
		}},
	}
	for _, frame := range malformedFrames {
		b, err := proto.Marshal(frame)
		assert.Equal(t, err, nil)
		_, err = DecodeFrame(b)
		assert.Equal(t, true, errors.Is(err, ErrMalformedMessage))
	}

	_, err = DecodeFrame([]byte{0xff, 0xff, 0xff})
	assert.Equal(t, true, errors.Is(err, ErrMalformedMessage))
}
