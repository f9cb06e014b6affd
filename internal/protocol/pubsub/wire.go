package pubsub

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The proxy only ever exchanges two message shapes with the Pub/Sub
// API: a fetch request going up and an event batch coming down. They
// are marshaled by hand with protowire rather than dragging the full
// generated API surface into the tree.

// ReplayPreset wire values.
const (
	replayPresetLatest   = 0
	replayPresetEarliest = 1
	replayPresetCustom   = 2
)

// FetchRequest registers interest in a topic on the shared stream and
// opens a flow-control window. NumRequested zero withdraws the topic.
type FetchRequest struct {
	TopicName    string
	ReplayPreset int
	ReplayID     []byte
	NumRequested int32
}

// ConsumerEvent is one delivered event with its stream position.
type ConsumerEvent struct {
	ID       string
	SchemaID string
	Payload  []byte
	ReplayID []byte
}

// FetchResponse is one batch of events for a topic.
type FetchResponse struct {
	TopicName      string
	Events         []ConsumerEvent
	LatestReplayID []byte
}

// Marshal encodes a FetchRequest
func (r *FetchRequest) Marshal() []byte {
	var b []byte
	if r.TopicName != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.TopicName)
	}
	if r.ReplayPreset != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ReplayPreset))
	}
	if len(r.ReplayID) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.ReplayID)
	}
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(r.NumRequested)))
	return b
}

// UnmarshalFetchResponse decodes a FetchResponse frame
func UnmarshalFetchResponse(data []byte) (*FetchResponse, error) {
	resp := &FetchResponse{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("malformed fetch response tag: %v", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed event field: %v", protowire.ParseError(n))
			}
			ev, err := unmarshalConsumerEvent(v)
			if err != nil {
				return nil, err
			}
			resp.Events = append(resp.Events, *ev)
			data = data[n:]

		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed replay id field: %v", protowire.ParseError(n))
			}
			resp.LatestReplayID = append([]byte(nil), v...)
			data = data[n:]

		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed topic field: %v", protowire.ParseError(n))
			}
			resp.TopicName = string(v)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("malformed fetch response field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return resp, nil
}

// Marshal encodes a FetchResponse. Only tests and fakes produce these
// locally; the real producer is the server.
func (r *FetchResponse) Marshal() []byte {
	var b []byte
	for i := range r.Events {
		ev := marshalConsumerEvent(&r.Events[i])
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, ev)
	}
	if len(r.LatestReplayID) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.LatestReplayID)
	}
	if r.TopicName != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, r.TopicName)
	}
	return b
}

func marshalConsumerEvent(ev *ConsumerEvent) []byte {
	var inner []byte
	if ev.ID != "" {
		inner = protowire.AppendTag(inner, 1, protowire.BytesType)
		inner = protowire.AppendString(inner, ev.ID)
	}
	if ev.SchemaID != "" {
		inner = protowire.AppendTag(inner, 2, protowire.BytesType)
		inner = protowire.AppendString(inner, ev.SchemaID)
	}
	if len(ev.Payload) > 0 {
		inner = protowire.AppendTag(inner, 3, protowire.BytesType)
		inner = protowire.AppendBytes(inner, ev.Payload)
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	if len(ev.ReplayID) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, ev.ReplayID)
	}
	return b
}

func unmarshalConsumerEvent(data []byte) (*ConsumerEvent, error) {
	ev := &ConsumerEvent{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("malformed consumer event tag: %v", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			inner, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed producer event: %v", protowire.ParseError(n))
			}
			if err := unmarshalProducerEvent(inner, ev); err != nil {
				return nil, err
			}
			data = data[n:]

		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed replay id: %v", protowire.ParseError(n))
			}
			ev.ReplayID = append([]byte(nil), v...)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("malformed consumer event field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return ev, nil
}

func unmarshalProducerEvent(data []byte, ev *ConsumerEvent) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("malformed producer event tag: %v", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("malformed event id: %v", protowire.ParseError(n))
			}
			ev.ID = string(v)
			data = data[n:]

		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("malformed schema id: %v", protowire.ParseError(n))
			}
			ev.SchemaID = string(v)
			data = data[n:]

		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("malformed payload: %v", protowire.ParseError(n))
			}
			ev.Payload = append([]byte(nil), v...)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("malformed producer event field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

// EncodeReplayID converts a raw binary replay id into its JSON-safe
// base64 form. The transform must be lossless: DecodeReplayID of the
// result yields the original bytes.
func EncodeReplayID(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeReplayID parses the base64 form back to raw bytes
func DecodeReplayID(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("replay id is not valid base64: %w", err)
	}
	return raw, nil
}
