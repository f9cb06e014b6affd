package submanager

import (
	"context"

	"github.com/sfdevtools/streamproxy/internal/domain"
)

// familySink adapts one protocol client's callbacks onto the manager.
// Every callback resolves the client's stream handle back to a
// subscription id through the reverse index; the clients themselves
// never see subscription records.
type familySink struct {
	manager *Manager
	family  domain.ProtocolFamily
}

var _ domain.EventSink = (*familySink)(nil)

// OnProtocolEvent forwards one data event. Events arriving after the
// subscription reached a terminal state are dropped, which is what
// makes unsubscribe safe to race against in-flight events.
func (s *familySink) OnProtocolEvent(handle string, ev domain.ProtocolEvent) {
	m := s.manager

	m.mu.Lock()
	subID, ok := m.handleSubs[handle]
	if !ok {
		m.mu.Unlock()
		m.metrics.EventsDroppedTotal.WithLabelValues(string(s.family)).Inc()
		return
	}
	sub := m.subs[subID]
	if sub == nil || sub.State != domain.StateActive {
		m.mu.Unlock()
		m.metrics.EventsDroppedTotal.WithLabelValues(string(s.family)).Inc()
		return
	}
	if ev.ReplayID != "" {
		sub.ReplayPosition = ev.ReplayID
	}
	m.mu.Unlock()

	m.emitter.EmitEvent(subID, s.family, ev)
}

// OnProtocolError fails one subscription
func (s *familySink) OnProtocolError(handle string, err error) {
	m := s.manager

	m.mu.Lock()
	subID, ok := m.handleSubs[handle]
	if ok {
		delete(m.handleSubs, handle)
		delete(m.subHandles, subID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.metrics.SubscriptionsActive.WithLabelValues(string(s.family)).Dec()
	m.failSubscription(subID, err.Error())
	m.emitter.EmitError(subID, s.family, err.Error())
	m.releaseRef(s.family)
}

// OnProtocolEnd ends one subscription cleanly
func (s *familySink) OnProtocolEnd(handle string) {
	m := s.manager

	m.mu.Lock()
	subID, ok := m.handleSubs[handle]
	if ok {
		delete(m.handleSubs, handle)
		delete(m.subHandles, subID)
		if sub := m.subs[subID]; sub != nil && !sub.State.Terminal() {
			sub.State = domain.StateEnded
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.metrics.SubscriptionsActive.WithLabelValues(string(s.family)).Dec()
	m.emitter.EmitEnd(subID, s.family)
	m.releaseRef(s.family)
}

// OnConnectionLost fails every subscription sharing the connection and
// tears the connection down exactly once. There is no partial
// credibility: either the connection is trusted for all its
// subscriptions or for none.
func (s *familySink) OnConnectionLost(err error) {
	m := s.manager

	m.mu.Lock()
	conn := m.conns[s.family]
	delete(m.conns, s.family)

	var failed []string
	for id, sub := range m.subs {
		if sub.Family != s.family || sub.State.Terminal() {
			continue
		}
		wasActive := sub.State == domain.StateActive
		sub.State = domain.StateError
		sub.LastError = err.Error()
		if handle, ok := m.subHandles[id]; ok {
			delete(m.subHandles, id)
			delete(m.handleSubs, handle)
		}
		if wasActive {
			m.metrics.SubscriptionsActive.WithLabelValues(string(s.family)).Dec()
		}
		m.metrics.SubscriptionErrors.WithLabelValues(string(s.family)).Inc()
		failed = append(failed, id)
	}
	m.mu.Unlock()

	for _, id := range failed {
		m.emitter.EmitError(id, s.family, err.Error())
	}

	if conn != nil && conn.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.WireTimeout)
		if cerr := conn.client.Close(ctx); cerr != nil {
			m.logger.Warn().Err(cerr).Str("family", string(s.family)).Msg("Connection close failed")
		}
		cancel()
		if conn.openErr == nil {
			m.metrics.ConnectionsActive.WithLabelValues(string(s.family)).Dec()
		}
	}

	m.logger.Error().Err(err).Str("family", string(s.family)).Int("failed", len(failed)).Msg("Shared connection lost")
}
