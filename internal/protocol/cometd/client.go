// Package cometd implements the Bayeux long-polling client shell for
// PushTopic, Change Data Capture and System Topic channels. One client
// owns one handshaken Bayeux session (clientId); every subscribed
// channel multiplexes over its /meta/connect loop.
package cometd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sfdevtools/streamproxy/internal/domain"
	"github.com/sfdevtools/streamproxy/internal/logging"
	"github.com/sfdevtools/streamproxy/internal/metrics"
)

// Config contains CometD client configuration
type Config struct {
	// Bayeux endpoint path appended to the instance URL.
	Path string

	// Bounded timeout for the handshake exchange.
	HandshakeTimeout time.Duration

	// Grace margin added to the server-advertised long-poll timeout.
	PollGrace time.Duration

	// Consecutive poll failures before the connection is abandoned.
	MaxPollFailures int

	// Initial backoff between poll retries.
	RetryInitial time.Duration

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Path:             "/cometd/62.0",
		HandshakeTimeout: 15 * time.Second,
		PollGrace:        10 * time.Second,
		MaxPollFailures:  3,
		RetryInitial:     500 * time.Millisecond,
	}
}

// Replay extension sentinel values.
const (
	replayNewEvents = -1
	replayAll       = -2
)

type advice struct {
	Timeout   int    `json:"timeout,omitempty"`
	Interval  int    `json:"interval,omitempty"`
	Reconnect string `json:"reconnect,omitempty"`
}

// message is the Bayeux wire shape, a union across /meta/* and data
// messages.
type message struct {
	Channel                  string          `json:"channel"`
	Version                  string          `json:"version,omitempty"`
	ClientID                 string          `json:"clientId,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	Successful               *bool           `json:"successful,omitempty"`
	Advice                   *advice         `json:"advice,omitempty"`
	Ext                      map[string]any  `json:"ext,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
	Error                    string          `json:"error,omitempty"`
}

// eventEnvelope extracts the replay position from a data message.
type eventEnvelope struct {
	Event struct {
		ReplayID int64 `json:"replayId"`
	} `json:"event"`
}

// Client is the CometD ProtocolClient implementation
type Client struct {
	config  Config
	creds   domain.Credentials
	sink    domain.EventSink
	logger  zerolog.Logger
	metrics *metrics.Metrics
	http    *http.Client

	endpoint string
	cancel   context.CancelFunc

	mu             sync.Mutex
	clientID       string
	pollTimeout    time.Duration
	handleChannels map[string]string // handle -> channel
	channelHandles map[string]string // channel -> handle
	closed         bool
}

var _ domain.ProtocolClient = (*Client)(nil)

// NewClient creates a CometD client for one org session
func NewClient(config Config, creds domain.Credentials, sink domain.EventSink) *Client {
	def := DefaultConfig()
	if config.Path == "" {
		config.Path = def.Path
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.PollGrace <= 0 {
		config.PollGrace = def.PollGrace
	}
	if config.MaxPollFailures < 1 {
		config.MaxPollFailures = def.MaxPollFailures
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = def.RetryInitial
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		config:         config,
		creds:          creds,
		sink:           sink,
		logger:         logging.Component("cometd"),
		metrics:        metrics.GetMetrics(),
		http:           httpClient,
		endpoint:       strings.TrimRight(creds.InstanceURL, "/") + config.Path,
		pollTimeout:    110 * time.Second,
		handleChannels: make(map[string]string),
		channelHandles: make(map[string]string),
	}
}

// Open performs the Bayeux handshake and starts the connect loop
func (c *Client) Open(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	resp, err := c.post(hctx, []message{{
		Channel:                  "/meta/handshake",
		Version:                  "1.0",
		SupportedConnectionTypes: []string{"long-polling"},
	}})
	if err != nil {
		return fmt.Errorf("Bayeux handshake failed: %w", err)
	}

	ack := findChannel(resp, "/meta/handshake")
	if ack == nil || ack.Successful == nil || !*ack.Successful {
		return fmt.Errorf("Bayeux handshake rejected: %s", errorOf(ack))
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	if ack.Advice != nil && ack.Advice.Timeout > 0 {
		c.pollTimeout = time.Duration(ack.Advice.Timeout) * time.Millisecond
	}
	c.mu.Unlock()

	c.logger.Info().Str("client_id", ack.ClientID).Msg("Bayeux session established")

	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.cancel = loopCancel
	go c.connectLoop(loopCtx)
	return nil
}

// Subscribe issues /meta/subscribe for one channel
func (c *Client) Subscribe(ctx context.Context, channel string, replay domain.ReplayOptions) (string, error) {
	replayID, err := replayValue(replay)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	clientID := c.clientID
	c.mu.Unlock()

	resp, err := c.post(ctx, []message{{
		Channel:      "/meta/subscribe",
		ClientID:     clientID,
		Subscription: channel,
		Ext: map[string]any{
			"replay": map[string]int64{channel: replayID},
		},
	}})
	if err != nil {
		return "", fmt.Errorf("Bayeux subscribe failed: %w", err)
	}

	ack := findChannel(resp, "/meta/subscribe")
	if ack == nil || ack.Successful == nil || !*ack.Successful {
		return "", fmt.Errorf("Bayeux subscribe rejected: %s", errorOf(ack))
	}

	handle := generateHandle()
	c.mu.Lock()
	c.handleChannels[handle] = channel
	c.channelHandles[channel] = handle
	c.mu.Unlock()

	c.logger.Debug().Str("channel", channel).Str("handle", handle).Msg("Subscribed channel")
	return handle, nil
}

// Unsubscribe issues /meta/unsubscribe for one channel
func (c *Client) Unsubscribe(ctx context.Context, handle string) error {
	c.mu.Lock()
	channel, ok := c.handleChannels[handle]
	if ok {
		delete(c.handleChannels, handle)
		delete(c.channelHandles, channel)
	}
	clientID := c.clientID
	c.mu.Unlock()

	if !ok {
		return nil
	}

	_, err := c.post(ctx, []message{{
		Channel:      "/meta/unsubscribe",
		ClientID:     clientID,
		Subscription: channel,
	}})
	if err != nil {
		return fmt.Errorf("Bayeux unsubscribe failed: %w", err)
	}
	return nil
}

// Close stops the connect loop and disconnects the session
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	clientID := c.clientID
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	if clientID != "" {
		// Best effort; the session dies server-side on its own anyway
		_, _ = c.post(ctx, []message{{
			Channel:  "/meta/disconnect",
			ClientID: clientID,
		}})
	}
	return nil
}

// connectLoop runs /meta/connect cycles until canceled or the retry
// budget is exhausted. One failed cycle is retried with backoff and is
// invisible upstream; MaxPollFailures consecutive failures or a 403
// abandon the whole connection.
func (c *Client) connectLoop(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.config.RetryInitial
	retry.MaxInterval = 10 * time.Second
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		clientID := c.clientID
		pollTimeout := c.pollTimeout
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		pctx, cancel := context.WithTimeout(ctx, pollTimeout+c.config.PollGrace)
		resp, err := c.post(pctx, []message{{
			Channel:        "/meta/connect",
			ClientID:       clientID,
			ConnectionType: "long-polling",
		}})
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if fatal, ok := err.(*sessionError); ok {
				c.logger.Error().Err(fatal).Msg("Bayeux session invalid, abandoning connection")
				c.sink.OnConnectionLost(fatal)
				return
			}

			failures++
			c.metrics.LongPollRetriesTotal.Inc()
			if failures >= c.config.MaxPollFailures {
				c.logger.Error().Int("failures", failures).Msg("Long-poll retry budget exhausted")
				c.sink.OnConnectionLost(fmt.Errorf("%d consecutive long-poll failures: %w", failures, err))
				return
			}

			wait := retry.NextBackOff()
			c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Long-poll cycle failed, retrying")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}

		failures = 0
		retry.Reset()
		c.metrics.LongPollCyclesTotal.Inc()
		c.dispatch(resp)
	}
}

// dispatch routes data messages from a connect response to the sink
func (c *Client) dispatch(msgs []message) {
	for i := range msgs {
		m := &msgs[i]
		if strings.HasPrefix(m.Channel, "/meta/") {
			if m.Channel == "/meta/connect" && m.Successful != nil && !*m.Successful {
				c.logger.Warn().Str("error", m.Error).Msg("Connect cycle reported unsuccessful")
			}
			continue
		}

		c.mu.Lock()
		handle, known := c.channelHandles[m.Channel]
		c.mu.Unlock()
		if !known {
			// Channel was unsubscribed while the poll was in flight
			continue
		}

		var env eventEnvelope
		replayID := ""
		if err := json.Unmarshal(m.Data, &env); err == nil && env.Event.ReplayID != 0 {
			replayID = strconv.FormatInt(env.Event.ReplayID, 10)
		}

		c.sink.OnProtocolEvent(handle, domain.ProtocolEvent{
			ReplayID: replayID,
			Payload:  m.Data,
		})
	}
}

// sessionError marks conditions that invalidate the whole session.
type sessionError struct {
	status int
	body   string
}

func (e *sessionError) Error() string {
	return fmt.Sprintf("session rejected with HTTP %d: %s", e.status, e.body)
}

// post sends one Bayeux batch and decodes the reply
func (c *Client) post(ctx context.Context, msgs []message) ([]message, error) {
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Bayeux batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.creds.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// An expired or revoked session is fatal for every subscription
	// sharing this clientId, not a per-channel condition.
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return nil, &sessionError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Bayeux endpoint returned HTTP %d", resp.StatusCode)
	}

	var out []message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode Bayeux reply: %w", err)
	}
	return out, nil
}

// replayValue maps a replay preset to the Salesforce replay extension
// value. CUSTOM ids must already be base-10 integers; anything else is
// rejected before touching the wire.
func replayValue(replay domain.ReplayOptions) (int64, error) {
	switch replay.Preset {
	case domain.ReplayLatest:
		return replayNewEvents, nil
	case domain.ReplayEarliest:
		return replayAll, nil
	case domain.ReplayCustom:
		id, err := strconv.ParseInt(replay.ReplayID, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("replay id %q is not a valid integer: %w", replay.ReplayID, err)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("unknown replay preset %q", replay.Preset)
	}
}

func findChannel(msgs []message, channel string) *message {
	for i := range msgs {
		if msgs[i].Channel == channel {
			return &msgs[i]
		}
	}
	return nil
}

func errorOf(m *message) string {
	if m == nil {
		return "no acknowledgement in reply"
	}
	if m.Error != "" {
		return m.Error
	}
	return "unspecified error"
}

// Swappable for deterministic tests
var generateHandle = func() string {
	return uuid.NewString()
}
