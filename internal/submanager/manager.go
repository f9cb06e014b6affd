// Package submanager owns the table of logical subscriptions, their
// lifecycle state and replay bookkeeping, and the shared per-family
// protocol connections underneath them.
package submanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sfdevtools/streamproxy/internal/domain"
	"github.com/sfdevtools/streamproxy/internal/logging"
	"github.com/sfdevtools/streamproxy/internal/metrics"
	"github.com/sfdevtools/streamproxy/internal/protocol/pubsub"
)

// ErrDuplicateChannel is returned when a channel already has a live
// subscription in its family. The protocol clients key their dispatch
// tables by channel, so a second wire subscribe would cross-wire the
// two logical streams.
var ErrDuplicateChannel = errors.New("DuplicateSubscriptionError")

// ClientFactory builds a protocol client for a family. Injected so
// tests can count handshakes on fakes.
type ClientFactory func(family domain.ProtocolFamily, creds domain.Credentials, sink domain.EventSink) domain.ProtocolClient

// Config contains subscription manager configuration
type Config struct {
	// Wire-call timeout for unsubscribe and connection close; local
	// bookkeeping never waits on these.
	WireTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		WireTimeout: 5 * time.Second,
	}
}

// familyConn is the one shared connection per protocol family.
// Creation is coalesced: the first subscriber performs the handshake,
// later subscribers wait on opened instead of starting their own.
type familyConn struct {
	family  domain.ProtocolFamily
	client  domain.ProtocolClient
	refs    int
	opened  chan struct{}
	openErr error

	// Serializes handshake and subscribe wire calls for the family
	opMu sync.Mutex
}

// Manager owns subscription lifecycle and connection refcounting
type Manager struct {
	config  Config
	factory ClientFactory
	emitter domain.Emitter
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	subs       map[string]*domain.Subscription
	handleSubs map[string]string // protocol stream handle -> subscription id
	subHandles map[string]string // subscription id -> protocol stream handle
	conns      map[domain.ProtocolFamily]*familyConn
}

// NewManager creates a subscription manager. The emitter may be nil
// at construction and supplied with SetEmitter once the router exists;
// the two reference each other.
func NewManager(config Config, factory ClientFactory, emitter domain.Emitter) *Manager {
	if config.WireTimeout <= 0 {
		config.WireTimeout = DefaultConfig().WireTimeout
	}

	return &Manager{
		config:     config,
		factory:    factory,
		emitter:    emitter,
		logger:     logging.Component("submanager"),
		metrics:    metrics.GetMetrics(),
		subs:       make(map[string]*domain.Subscription),
		handleSubs: make(map[string]string),
		subHandles: make(map[string]string),
		conns:      make(map[domain.ProtocolFamily]*familyConn),
	}
}

// SetEmitter wires the outbound side. Must be called before the first
// Subscribe.
func (m *Manager) SetEmitter(emitter domain.Emitter) {
	m.emitter = emitter
}

// Subscribe creates a logical subscription on the family's shared
// connection, creating the connection first if none exists.
func (m *Manager) Subscribe(ctx context.Context, channel string, family domain.ProtocolFamily, creds domain.Credentials, replay domain.ReplayOptions) (string, error) {
	if err := ValidateReplay(family, replay); err != nil {
		return "", err
	}

	sub := &domain.Subscription{
		ID:        generateID(),
		Channel:   channel,
		Family:    family,
		State:     domain.StatePending,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	for _, existing := range m.subs {
		if existing.Channel == channel && existing.Family == family && !existing.State.Terminal() {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: channel %q", ErrDuplicateChannel, channel)
		}
	}
	m.subs[sub.ID] = sub
	conn, creator := m.conns[family], false
	if conn == nil {
		conn = &familyConn{family: family, opened: make(chan struct{})}
		m.conns[family] = conn
		creator = true
	}
	conn.refs++
	m.mu.Unlock()

	if creator {
		sink := &familySink{manager: m, family: family}
		conn.client = m.factory(family, creds, sink)

		conn.opMu.Lock()
		conn.openErr = conn.client.Open(ctx)
		conn.opMu.Unlock()
		close(conn.opened)

		if conn.openErr == nil {
			m.metrics.HandshakesTotal.WithLabelValues(string(family)).Inc()
			m.metrics.ConnectionsActive.WithLabelValues(string(family)).Inc()
		}
	} else {
		select {
		case <-conn.opened:
		case <-ctx.Done():
			m.failSubscription(sub.ID, ctx.Err().Error())
			m.releaseRef(family)
			return "", ctx.Err()
		}
	}

	if conn.openErr != nil {
		err := fmt.Errorf("connection handshake failed: %w", conn.openErr)
		m.failSubscription(sub.ID, err.Error())
		m.releaseRef(family)
		return "", err
	}

	conn.opMu.Lock()
	handle, err := conn.client.Subscribe(ctx, channel, replay)
	conn.opMu.Unlock()
	if err != nil {
		err = fmt.Errorf("protocol subscribe failed: %w", err)
		m.failSubscription(sub.ID, err.Error())
		m.releaseRef(family)
		return "", err
	}

	m.mu.Lock()
	if sub.State.Terminal() {
		// Ended while the wire subscribe was in flight: a concurrent
		// unsubscribe, shutdown or connection loss won the race and
		// already accounted the connection ref. Terminal states stay
		// terminal, so withdraw the wire registration instead of
		// activating a dead subscription.
		m.mu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), m.config.WireTimeout)
		if uerr := conn.client.Unsubscribe(wctx, handle); uerr != nil {
			m.logger.Warn().Err(uerr).Str("subscription_id", sub.ID).Msg("Wire unsubscribe failed")
		}
		cancel()
		return "", fmt.Errorf("subscription %s ended before activation", sub.ID)
	}
	// The protocol ack is the PENDING → ACTIVE transition
	sub.State = domain.StateActive
	m.handleSubs[handle] = sub.ID
	m.subHandles[sub.ID] = handle
	m.mu.Unlock()

	m.metrics.SubscriptionsTotal.WithLabelValues(string(family)).Inc()
	m.metrics.SubscriptionsActive.WithLabelValues(string(family)).Inc()
	m.logger.Info().Str("subscription_id", sub.ID).Str("channel", channel).Str("family", string(family)).Msg("Subscription active")

	return sub.ID, nil
}

// Unsubscribe ends a subscription. Idempotent: unknown or already
// terminal ids succeed silently, because the extension may race a tab
// close against an in-flight end-of-stream.
func (m *Manager) Unsubscribe(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	sub, ok := m.subs[subscriptionID]
	if !ok || sub.State.Terminal() {
		m.mu.Unlock()
		return nil
	}

	wasActive := sub.State == domain.StateActive
	sub.State = domain.StateEnded
	handle := m.subHandles[subscriptionID]
	delete(m.subHandles, subscriptionID)
	delete(m.handleSubs, handle)
	family := sub.Family
	var client domain.ProtocolClient
	if conn := m.conns[family]; conn != nil {
		client = conn.client
	}
	m.mu.Unlock()

	if wasActive {
		m.metrics.SubscriptionsActive.WithLabelValues(string(family)).Dec()
	}

	// Wire unsubscribe is best effort: local state must not get stuck
	// waiting on a potentially dead connection.
	if wasActive && client != nil && handle != "" {
		wctx, cancel := context.WithTimeout(ctx, m.config.WireTimeout)
		if err := client.Unsubscribe(wctx, handle); err != nil {
			m.logger.Warn().Err(err).Str("subscription_id", subscriptionID).Msg("Wire unsubscribe failed")
		}
		cancel()
	}

	m.releaseRef(family)
	m.logger.Info().Str("subscription_id", subscriptionID).Msg("Subscription ended")
	return nil
}

// Subscription returns a copy of a subscription record
func (m *Manager) Subscription(id string) (domain.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return domain.Subscription{}, false
	}
	return *sub, true
}

// ActiveCount returns the number of non-terminal subscriptions
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sub := range m.subs {
		if !sub.State.Terminal() {
			n++
		}
	}
	return n
}

// Shutdown ends every subscription and closes every connection
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id, sub := range m.subs {
		if !sub.State.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Unsubscribe(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("subscription_id", id).Msg("Failed to end subscription during shutdown")
		}
	}
	return nil
}

// failSubscription flips a subscription to ERROR with a reason
func (m *Manager) failSubscription(subscriptionID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subscriptionID]
	if !ok || sub.State.Terminal() {
		return
	}
	sub.State = domain.StateError
	sub.LastError = reason
	m.metrics.SubscriptionErrors.WithLabelValues(string(sub.Family)).Inc()
}

// releaseRef drops one reference on a family connection, tearing the
// connection down when the last subscription lets go.
func (m *Manager) releaseRef(family domain.ProtocolFamily) {
	m.mu.Lock()
	conn := m.conns[family]
	if conn == nil {
		m.mu.Unlock()
		return
	}
	conn.refs--
	if conn.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.conns, family)
	client := conn.client
	opened := conn.openErr == nil
	m.mu.Unlock()

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.WireTimeout)
		if err := client.Close(ctx); err != nil {
			m.logger.Warn().Err(err).Str("family", string(family)).Msg("Connection close failed")
		}
		cancel()
	}
	if opened {
		m.metrics.ConnectionsActive.WithLabelValues(string(family)).Dec()
	}
	m.logger.Info().Str("family", string(family)).Msg("Shared connection torn down")
}

// ValidateReplay checks a CUSTOM replay id against the family's wire
// format before anything is sent. GRPC ids are base64 of the raw
// binary cursor; CometD ids are base-10 integers.
func ValidateReplay(family domain.ProtocolFamily, replay domain.ReplayOptions) error {
	switch replay.Preset {
	case domain.ReplayLatest, domain.ReplayEarliest:
		return nil
	case domain.ReplayCustom:
		if replay.ReplayID == "" {
			return fmt.Errorf("replay preset CUSTOM requires a replay id")
		}
		if family == domain.FamilyGRPC {
			if _, err := pubsub.DecodeReplayID(replay.ReplayID); err != nil {
				return err
			}
			return nil
		}
		for _, r := range replay.ReplayID {
			if r < '0' || r > '9' {
				return fmt.Errorf("replay id %q is not a valid integer", replay.ReplayID)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown replay preset %q", replay.Preset)
	}
}

// Swappable for deterministic tests
var generateID = func() string {
	return uuid.NewString()
}
