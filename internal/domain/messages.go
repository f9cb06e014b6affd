package domain

import "encoding/json"

// ControlMessage is the fixed inbound JSON shape the extension sends
// over Native Messaging. Fields are a union across message types; the
// Type field selects which apply.
type ControlMessage struct {
	Type         string          `json:"type"`
	RequestID    string          `json:"requestId,omitempty"`
	InstanceURL  string          `json:"instanceUrl,omitempty"`
	AccessToken  string          `json:"accessToken,omitempty"`
	TopicName    string          `json:"topicName,omitempty"`
	ReplayPreset string          `json:"replayPreset,omitempty"`
	ReplayID     string          `json:"replayId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`

	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// Control message types.
const (
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
	MsgPublish      = "publish"
	MsgGetProxyInfo = "getProxyInfo"
)

// Reply is the synchronous answer to a control message.
type Reply struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	ID             string `json:"id,omitempty"`
	Connected      bool   `json:"connected,omitempty"`
	HTTPPort       int    `json:"httpPort,omitempty"`
	Version        string `json:"version,omitempty"`
}

// EventBody is the event field of an outbound data message. Exactly one
// of Payload or BodyToken is set: when the serialized payload exceeds
// the frame threshold the body travels over HTTP instead, referenced by
// token.
type EventBody struct {
	ReplayID  string          `json:"replayId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	BodyToken string          `json:"bodyToken,omitempty"`
	BodyURL   string          `json:"bodyUrl,omitempty"`
}

// OutboundMessage is everything the proxy pushes to the extension that
// is not a direct reply: data events, stream errors, stream ends.
type OutboundMessage struct {
	Type           string     `json:"type"`
	SubscriptionID string     `json:"subscriptionId"`
	Event          *EventBody `json:"event,omitempty"`
	Error          string     `json:"error,omitempty"`
}
