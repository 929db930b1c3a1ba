package statesync

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// wire field names
const (
	frameKindField             = "kind"
	frameSenderInstanceIdField = "senderInstanceId"
	framePayloadField          = "payload"
)

func ToFrame(message *Message) (*structpb.Struct, error) {
	if err := message.Validate(); err != nil {
		return nil, err
	}
	fields := map[string]*structpb.Value{
		frameKindField:             structpb.NewStringValue(string(message.Kind)),
		frameSenderInstanceIdField: structpb.NewStringValue(message.SenderInstanceId),
	}
	if message.Kind == MessageKindStateUpdate {
		payloadFields := make(map[string]*structpb.Value, len(message.Payload))
		for name, value := range message.Payload {
			payloadValue, err := EncodeValue(value)
			if err != nil {
				return nil, fmt.Errorf("Payload field %s: %w", name, err)
			}
			payloadFields[name] = payloadValue
		}
		fields[framePayloadField] = structpb.NewStructValue(&structpb.Struct{Fields: payloadFields})
	}
	return &structpb.Struct{Fields: fields}, nil
}

func RequireToFrame(message *Message) *structpb.Struct {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *structpb.Struct) (*Message, error) {
	stringField := func(name string) (string, bool) {
		value, ok := frame.GetFields()[name]
		if !ok {
			return "", false
		}
		s, ok := value.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return "", false
		}
		return s.StringValue, true
	}

	kind, ok := stringField(frameKindField)
	if !ok {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	senderInstanceId, ok := stringField(frameSenderInstanceIdField)
	if !ok {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}
	message := &Message{
		Kind:             MessageKind(kind),
		SenderInstanceId: senderInstanceId,
	}
	if err := message.Validate(); err != nil {
		return nil, err
	}

	if message.Kind == MessageKindStateUpdate {
		message.Payload = State{}
		if payloadValue, ok := frame.GetFields()[framePayloadField]; ok {
			payload := payloadValue.GetStructValue()
			if payload == nil {
				return nil, fmt.Errorf("%w: payload is not a record", ErrMalformedMessage)
			}
			for name, value := range payload.GetFields() {
				message.Payload[name] = DecodeValue(value)
			}
		}
	}
	return message, nil
}

func EncodeFrame(message *Message) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(frame)
}

func DecodeFrame(b []byte) (*Message, error) {
	frame := &structpb.Struct{}
	if err := proto.Unmarshal(b, frame); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}
	return FromFrame(frame)
}
