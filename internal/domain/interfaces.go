package domain

import "context"

// ProtocolClient is the contract both wire protocols implement. One
// client instance owns one shared network connection for its family;
// many logical subscriptions multiplex over it.
//
// Subscribe returns an opaque stream handle. All subsequent callbacks
// for that subscription carry the same handle; the caller keeps the
// handle → subscription id mapping, the client does not.
type ProtocolClient interface {
	// Open establishes the shared connection (gRPC stream open or
	// Bayeux handshake). It must be called exactly once before the
	// first Subscribe.
	Open(ctx context.Context) error

	// Subscribe registers a channel on the shared connection.
	Subscribe(ctx context.Context, channel string, replay ReplayOptions) (handle string, err error)

	// Unsubscribe removes a channel. Unknown handles are ignored.
	Unsubscribe(ctx context.Context, handle string) error

	// Close tears down the shared connection. After Close no further
	// callbacks are delivered.
	Close(ctx context.Context) error
}

// EventSink receives normalized protocol callbacks. Implemented by the
// subscription manager; invoked by protocol clients from their receive
// loops.
type EventSink interface {
	// OnProtocolEvent delivers one data event for a stream handle.
	OnProtocolEvent(handle string, ev ProtocolEvent)

	// OnProtocolError reports an unrecoverable per-stream failure.
	OnProtocolError(handle string, err error)

	// OnProtocolEnd reports a clean server-side close of one stream.
	OnProtocolEnd(handle string)

	// OnConnectionLost reports a failure of the shared connection
	// itself. Every subscription multiplexed on it is affected.
	OnConnectionLost(err error)
}

// Emitter is the outbound side of the router: everything the proxy
// sends back to the extension goes through it.
type Emitter interface {
	EmitEvent(subscriptionID string, family ProtocolFamily, ev ProtocolEvent)
	EmitError(subscriptionID string, family ProtocolFamily, message string)
	EmitEnd(subscriptionID string, family ProtocolFamily)
}
