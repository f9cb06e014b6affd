package domain

import (
	"encoding/json"
	"time"
)

// ProtocolFamily identifies which wire protocol backs a channel.
type ProtocolFamily string

const (
	// FamilyGRPC is the Pub/Sub API (Platform Events).
	FamilyGRPC ProtocolFamily = "GRPC"

	// FamilyCometD is Bayeux long-polling (PushTopics, CDC, System Topics).
	FamilyCometD ProtocolFamily = "COMETD"
)

// EventType returns the outbound message type for data events of this family.
func (f ProtocolFamily) EventType() string {
	if f == FamilyGRPC {
		return "grpcEvent"
	}
	return "cometdEvent"
}

// ErrorType returns the outbound message type for stream errors of this family.
func (f ProtocolFamily) ErrorType() string {
	if f == FamilyGRPC {
		return "grpcError"
	}
	return "cometdError"
}

// EndType returns the outbound message type for stream end of this family.
func (f ProtocolFamily) EndType() string {
	if f == FamilyGRPC {
		return "grpcEnd"
	}
	return "cometdEnd"
}

// SubscriptionState tracks the lifecycle of a logical subscription.
type SubscriptionState string

const (
	StatePending SubscriptionState = "PENDING"
	StateActive  SubscriptionState = "ACTIVE"
	StateEnded   SubscriptionState = "ENDED"
	StateError   SubscriptionState = "ERROR"
)

// Terminal reports whether no further transitions are possible.
func (s SubscriptionState) Terminal() bool {
	return s == StateEnded || s == StateError
}

// ReplayPreset selects where a new subscription starts reading.
type ReplayPreset string

const (
	ReplayLatest   ReplayPreset = "LATEST"
	ReplayEarliest ReplayPreset = "EARLIEST"
	ReplayCustom   ReplayPreset = "CUSTOM"
)

// ReplayOptions carries the caller's requested stream position.
// ReplayID is only meaningful with ReplayCustom: base64 for GRPC,
// a base-10 integer for CometD.
type ReplayOptions struct {
	Preset   ReplayPreset
	ReplayID string
}

// Credentials identifies the Salesforce org and session a subscription
// or publish call runs against. The proxy never acquires these itself;
// the extension supplies them on every control message.
type Credentials struct {
	InstanceURL string
	AccessToken string
}

// Subscription is one logical extension-initiated stream. Owned
// exclusively by the subscription manager; protocol clients only ever
// see their own stream handles.
type Subscription struct {
	ID             string
	Channel        string
	Family         ProtocolFamily
	State          SubscriptionState
	ReplayPosition string
	LastError      string
	CreatedAt      time.Time
}

// ProtocolEvent is the normalized shape every protocol client emits.
// ReplayID is already in its JSON-safe form (base64 for GRPC, decimal
// for CometD); Payload is the raw event body.
type ProtocolEvent struct {
	ReplayID string
	Payload  json.RawMessage
}
