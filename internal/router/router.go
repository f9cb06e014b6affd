// Package router is the single ingress and egress point of the proxy:
// inbound control messages are classified and dispatched here, and
// every outbound event funnels back through it, with oversized
// payloads diverted to the payload store.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sfdevtools/streamproxy/internal/domain"
	"github.com/sfdevtools/streamproxy/internal/logging"
	"github.com/sfdevtools/streamproxy/internal/metrics"
	"github.com/sfdevtools/streamproxy/internal/telemetry"
)

// ErrUnsupportedChannel is returned for channels outside the four
// known prefixes. Its text is part of the extension-facing contract.
var ErrUnsupportedChannel = errors.New("UnsupportedChannelError")

// channelFamilies is the total channel-prefix → protocol-family map.
// Anything not matching is an error, never a silent default.
var channelFamilies = []struct {
	prefix string
	family domain.ProtocolFamily
}{
	{"/event/", domain.FamilyGRPC},
	{"/topic/", domain.FamilyCometD},
	{"/data/", domain.FamilyCometD},
	{"/systemTopic/", domain.FamilyCometD},
}

// ClassifyChannel maps a channel name to its protocol family
func ClassifyChannel(channel string) (domain.ProtocolFamily, error) {
	for _, entry := range channelFamilies {
		if strings.HasPrefix(channel, entry.prefix) && len(channel) > len(entry.prefix) {
			return entry.family, nil
		}
	}
	return "", ErrUnsupportedChannel
}

// SubscriptionService is the slice of the subscription manager the
// router depends on.
type SubscriptionService interface {
	Subscribe(ctx context.Context, channel string, family domain.ProtocolFamily, creds domain.Credentials, replay domain.ReplayOptions) (string, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
}

// Publisher performs one-shot Platform Event publishes, independent of
// the subscription table.
type Publisher interface {
	Publish(ctx context.Context, creds domain.Credentials, topicName string, payload json.RawMessage) (string, error)
}

// PayloadShelf stores bodies too large for a frame.
type PayloadShelf interface {
	Put(payload []byte, contentType string) (string, error)
}

// Sender queues a message for the extension.
type Sender interface {
	Send(msg any)
}

// Config contains router configuration
type Config struct {
	// Serialized payloads above this travel by token, not in-frame.
	FrameThreshold int

	// Proxy version reported in getProxyInfo replies.
	Version string
}

// Router classifies control messages and multiplexes outbound events
type Router struct {
	config  Config
	subs    SubscriptionService
	pub     Publisher
	shelf   PayloadShelf
	sender  Sender
	port    func() int
	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

var _ domain.Emitter = (*Router)(nil)

// NewRouter creates a router. port reports the loopback HTTP server's
// bound port; it is a function because the OS assigns the port after
// construction time.
func NewRouter(config Config, subs SubscriptionService, pub Publisher, shelf PayloadShelf, sender Sender, port func() int) *Router {
	return &Router{
		config:  config,
		subs:    subs,
		pub:     pub,
		shelf:   shelf,
		sender:  sender,
		port:    port,
		logger:  logging.Component("router"),
		metrics: metrics.GetMetrics(),
		tracer:  telemetry.Tracer("router"),
	}
}

// HandleControl dispatches one inbound control message and sends the
// reply. Failures become structured error replies, never panics or
// dropped messages: the message loop must survive anything the
// extension sends.
func (r *Router) HandleControl(ctx context.Context, msg *domain.ControlMessage) {
	ctx, span := telemetry.StartSpan(ctx, r.tracer, "proxy.control",
		attribute.String("message_type", msg.Type))
	defer span.End()

	var reply domain.Reply
	switch msg.Type {
	case domain.MsgSubscribe:
		reply = r.handleSubscribe(ctx, msg)
	case domain.MsgUnsubscribe:
		reply = r.handleUnsubscribe(ctx, msg)
	case domain.MsgPublish:
		reply = r.handlePublish(ctx, msg)
	case domain.MsgGetProxyInfo:
		reply = r.handleProxyInfo()
	default:
		reply = domain.Reply{Success: false, Error: fmt.Sprintf("unknown message type %q", msg.Type)}
	}

	reply.Type = msg.Type + "Result"
	reply.RequestID = msg.RequestID
	r.sender.Send(reply)
}

func (r *Router) handleSubscribe(ctx context.Context, msg *domain.ControlMessage) domain.Reply {
	if msg.TopicName == "" {
		return domain.Reply{Success: false, Error: "subscribe requires topicName"}
	}
	if msg.InstanceURL == "" || msg.AccessToken == "" {
		return domain.Reply{Success: false, Error: "subscribe requires instanceUrl and accessToken"}
	}

	family, err := ClassifyChannel(msg.TopicName)
	if err != nil {
		r.logger.Warn().Str("channel", msg.TopicName).Msg("Rejected unsupported channel")
		return domain.Reply{Success: false, Error: err.Error()}
	}

	replay := domain.ReplayOptions{
		Preset:   domain.ReplayPreset(msg.ReplayPreset),
		ReplayID: msg.ReplayID,
	}
	if replay.Preset == "" {
		replay.Preset = domain.ReplayLatest
	}

	creds := domain.Credentials{InstanceURL: msg.InstanceURL, AccessToken: msg.AccessToken}
	subscriptionID, err := r.subs.Subscribe(ctx, msg.TopicName, family, creds, replay)
	if err != nil {
		return domain.Reply{Success: false, Error: err.Error()}
	}

	return domain.Reply{Success: true, SubscriptionID: subscriptionID}
}

func (r *Router) handleUnsubscribe(ctx context.Context, msg *domain.ControlMessage) domain.Reply {
	if err := r.subs.Unsubscribe(ctx, msg.SubscriptionID); err != nil {
		return domain.Reply{Success: false, Error: err.Error()}
	}
	return domain.Reply{Success: true}
}

func (r *Router) handlePublish(ctx context.Context, msg *domain.ControlMessage) domain.Reply {
	if msg.TopicName == "" {
		return domain.Reply{Success: false, Error: "publish requires topicName"}
	}
	if msg.InstanceURL == "" || msg.AccessToken == "" {
		return domain.Reply{Success: false, Error: "publish requires instanceUrl and accessToken"}
	}

	creds := domain.Credentials{InstanceURL: msg.InstanceURL, AccessToken: msg.AccessToken}
	id, err := r.pub.Publish(ctx, creds, msg.TopicName, msg.Payload)
	if err != nil {
		return domain.Reply{Success: false, Error: err.Error()}
	}
	return domain.Reply{Success: true, ID: id}
}

func (r *Router) handleProxyInfo() domain.Reply {
	return domain.Reply{
		Success:   true,
		Connected: true,
		HTTPPort:  r.port(),
		Version:   r.config.Version,
	}
}

// EmitEvent forwards one subscription event to the extension. Payloads
// above the frame threshold are shelved and the frame carries a token
// and fetch URL instead of the body.
func (r *Router) EmitEvent(subscriptionID string, family domain.ProtocolFamily, ev domain.ProtocolEvent) {
	body := &domain.EventBody{ReplayID: ev.ReplayID}

	if len(ev.Payload) > r.config.FrameThreshold {
		token, err := r.shelf.Put(ev.Payload, "application/json")
		if err != nil {
			r.EmitError(subscriptionID, family, fmt.Sprintf("failed to shelve oversized payload: %v", err))
			return
		}
		body.BodyToken = token
		body.BodyURL = fmt.Sprintf("http://127.0.0.1:%d/payload/%s", r.port(), token)
	} else {
		body.Payload = ev.Payload
	}

	r.metrics.EventsDeliveredTotal.WithLabelValues(string(family)).Inc()
	r.metrics.EventBytesTotal.WithLabelValues(string(family)).Add(float64(len(ev.Payload)))

	r.sender.Send(domain.OutboundMessage{
		Type:           family.EventType(),
		SubscriptionID: subscriptionID,
		Event:          body,
	})
}

// EmitError forwards a normalized stream error, tagged so the
// extension can attribute it to the right logical stream.
func (r *Router) EmitError(subscriptionID string, family domain.ProtocolFamily, message string) {
	r.sender.Send(domain.OutboundMessage{
		Type:           family.ErrorType(),
		SubscriptionID: subscriptionID,
		Error:          message,
	})
}

// EmitEnd signals a clean end of one stream
func (r *Router) EmitEnd(subscriptionID string, family domain.ProtocolFamily) {
	r.sender.Send(domain.OutboundMessage{
		Type:           family.EndType(),
		SubscriptionID: subscriptionID,
	})
}
