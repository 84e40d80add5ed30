// Package serialization provides a registry-based system for serializing and deserializing
// domain events in the event bus infrastructure. It acts as a translation layer between
// domain objects and their protobuf wire format representations.
//
// Each event type registers a pair of functions. Payloads are encoded as
// structpb.Struct messages and framed in an anypb.Any whose type URL names
// the event type, so a consumer can decode a message without out-of-band
// knowledge.
package serialization

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/domain/events"
	serializationerrors "github.com/ahrav/historical-armada/internal/infra/eventbus/serialization/errors"
	"github.com/ahrav/historical-armada/internal/infra/eventbus/serialization/protobuf"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

// Global registries map event types to their serialization functions.
// This allows for dynamic dispatch based on event type at runtime.
var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain object into bytes using the registered serializer for its event type.
// Returns an error if no serializer is registered for the given event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts bytes back into a domain object using the registered deserializer for its event type.
// Returns an error if no deserializer is registered for the given event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

// eventTypeURLPrefix namespaces event types inside the envelope's type URL.
const eventTypeURLPrefix = "type.historical-armada/"

// SerializeEventEnvelope frames a serialized payload together with its event type.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	data, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(&anypb.Any{TypeUrl: eventTypeURLPrefix + string(eventType), Value: data})
}

// UnmarshalUniversalEnvelope extracts the event type and the raw payload
// bytes from a framed message. Pair it with DeserializePayload.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env anypb.Any
	if err := proto.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	eventType, ok := strings.CutPrefix(env.GetTypeUrl(), eventTypeURLPrefix)
	if !ok || eventType == "" {
		return "", nil, serializationerrors.ErrMissingField{Field: "event_type"}
	}
	return events.EventType(eventType), env.GetValue(), nil
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers handlers for all supported event types.
func RegisterEventSerializers() {
	RegisterSerializeFunc(analysis.EventTypeHistoricalTaskStarted, serializeHistoricalTaskStarted)
	RegisterDeserializeFunc(analysis.EventTypeHistoricalTaskStarted, deserializeHistoricalTaskStarted)

	RegisterSerializeFunc(analysis.EventTypeHistoricalTaskFinished, serializeHistoricalTaskFinished)
	RegisterDeserializeFunc(analysis.EventTypeHistoricalTaskFinished, deserializeHistoricalTaskFinished)

	RegisterSerializeFunc(analysis.EventTypeEntityTaskFailed, serializeEntityTaskFailed)
	RegisterDeserializeFunc(analysis.EventTypeEntityTaskFailed, deserializeEntityTaskFailed)
}

func serializeHistoricalTaskStarted(payload any) ([]byte, error) {
	evt, ok := payload.(analysis.HistoricalTaskStartedEvent)
	if !ok {
		return nil, serializationerrors.ErrUnexpectedPayload{Want: "HistoricalTaskStartedEvent", Got: payload}
	}
	return proto.Marshal(protobuf.HistoricalTaskStartedEventToStruct(evt))
}

func deserializeHistoricalTaskStarted(data []byte) (any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal HistoricalTaskStartedEvent: %w", err)
	}
	return protobuf.StructToHistoricalTaskStartedEvent(&s)
}

func serializeHistoricalTaskFinished(payload any) ([]byte, error) {
	evt, ok := payload.(analysis.HistoricalTaskFinishedEvent)
	if !ok {
		return nil, serializationerrors.ErrUnexpectedPayload{Want: "HistoricalTaskFinishedEvent", Got: payload}
	}
	return proto.Marshal(protobuf.HistoricalTaskFinishedEventToStruct(evt))
}

func deserializeHistoricalTaskFinished(data []byte) (any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal HistoricalTaskFinishedEvent: %w", err)
	}
	return protobuf.StructToHistoricalTaskFinishedEvent(&s)
}

func serializeEntityTaskFailed(payload any) ([]byte, error) {
	evt, ok := payload.(analysis.EntityTaskFailedEvent)
	if !ok {
		return nil, serializationerrors.ErrUnexpectedPayload{Want: "EntityTaskFailedEvent", Got: payload}
	}
	return proto.Marshal(protobuf.EntityTaskFailedEventToStruct(evt))
}

func deserializeEntityTaskFailed(data []byte) (any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal EntityTaskFailedEvent: %w", err)
	}
	return protobuf.StructToEntityTaskFailedEvent(&s)
}
