// Package pubsub implements the gRPC Pub/Sub API client shell for
// Platform Event channels. One client owns one bidirectional stream;
// every subscribed topic multiplexes over it, with incoming batches
// filtered by topic before they reach the subscription manager.
package pubsub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	"github.com/sfdevtools/streamproxy/internal/domain"
	"github.com/sfdevtools/streamproxy/internal/logging"
	"github.com/sfdevtools/streamproxy/internal/metrics"
)

const subscribeMethod = "/eventbus.v1.PubSub/Subscribe"

var subscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
	ClientStreams: true,
}

// Config contains Pub/Sub client configuration
type Config struct {
	// API endpoint host:port.
	Endpoint string

	// Bounded timeout for opening the shared stream.
	OpenTimeout time.Duration

	// Events requested per flow-control window.
	BatchSize int32
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Endpoint:    "api.pubsub.salesforce.com:7443",
		OpenTimeout: 15 * time.Second,
		BatchSize:   100,
	}
}

// Client is the gRPC ProtocolClient implementation
type Client struct {
	config  Config
	creds   domain.Credentials
	sink    domain.EventSink
	logger  zerolog.Logger
	metrics *metrics.Metrics

	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	// Serializes sends on the shared stream; gRPC allows at most one
	// in-flight SendMsg per stream.
	sendMu sync.Mutex

	mu           sync.Mutex
	handleTopics map[string]string // handle -> topic
	topicHandles map[string]string // topic -> handle
	closed       bool
}

var _ domain.ProtocolClient = (*Client)(nil)

// NewClient creates a Pub/Sub client for one org session
func NewClient(config Config, creds domain.Credentials, sink domain.EventSink) *Client {
	if config.Endpoint == "" {
		config.Endpoint = DefaultConfig().Endpoint
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig().OpenTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}

	return &Client{
		config:       config,
		creds:        creds,
		sink:         sink,
		logger:       logging.Component("pubsub"),
		metrics:      metrics.GetMetrics(),
		handleTopics: make(map[string]string),
		topicHandles: make(map[string]string),
	}
}

// Open dials the endpoint and establishes the shared stream
func (c *Client) Open(ctx context.Context) error {
	conn, err := grpc.NewClient(
		c.config.Endpoint,
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})),
	)
	if err != nil {
		return fmt.Errorf("failed to create Pub/Sub connection: %w", err)
	}
	c.conn = conn

	// The stream outlives the subscribe call that triggered it, so it
	// runs on its own context, not the caller's.
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	streamCtx = metadata.AppendToOutgoingContext(streamCtx,
		"accesstoken", c.creds.AccessToken,
		"instanceurl", c.creds.InstanceURL,
	)

	type openResult struct {
		stream grpc.ClientStream
		err    error
	}
	done := make(chan openResult, 1)
	go func() {
		stream, err := conn.NewStream(streamCtx, &subscribeStreamDesc, subscribeMethod,
			grpc.ForceCodec(rawCodec{}), grpc.WaitForReady(true))
		done <- openResult{stream: stream, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			cancel()
			conn.Close()
			return fmt.Errorf("failed to open Pub/Sub stream: %w", res.err)
		}
		c.stream = res.stream
	case <-time.After(c.config.OpenTimeout):
		cancel()
		conn.Close()
		return fmt.Errorf("timed out opening Pub/Sub stream after %s", c.config.OpenTimeout)
	case <-ctx.Done():
		cancel()
		conn.Close()
		return ctx.Err()
	}

	c.logger.Info().Str("endpoint", c.config.Endpoint).Msg("Pub/Sub stream open")
	go c.recvLoop()
	return nil
}

// Subscribe registers a topic on the shared stream
func (c *Client) Subscribe(ctx context.Context, channel string, replay domain.ReplayOptions) (string, error) {
	req := &FetchRequest{
		TopicName:    channel,
		NumRequested: c.config.BatchSize,
	}

	switch replay.Preset {
	case domain.ReplayLatest:
		req.ReplayPreset = replayPresetLatest
	case domain.ReplayEarliest:
		req.ReplayPreset = replayPresetEarliest
	case domain.ReplayCustom:
		raw, err := DecodeReplayID(replay.ReplayID)
		if err != nil {
			return "", err
		}
		req.ReplayPreset = replayPresetCustom
		req.ReplayID = raw
	default:
		return "", fmt.Errorf("unknown replay preset %q", replay.Preset)
	}

	handle := generateHandle()

	// Register before sending so an event racing the subscribe ack is
	// not dropped by the topic filter.
	c.mu.Lock()
	c.handleTopics[handle] = channel
	c.topicHandles[channel] = handle
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.handleTopics, handle)
		delete(c.topicHandles, channel)
		c.mu.Unlock()
		return "", fmt.Errorf("failed to send subscription request: %w", err)
	}

	c.logger.Debug().Str("topic", channel).Str("handle", handle).Msg("Subscribed topic")
	return handle, nil
}

// Unsubscribe withdraws a topic from the shared stream
func (c *Client) Unsubscribe(ctx context.Context, handle string) error {
	c.mu.Lock()
	topic, ok := c.handleTopics[handle]
	if ok {
		delete(c.handleTopics, handle)
		delete(c.topicHandles, topic)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}

	// A zero window tells the server to stop delivering the topic;
	// the local filter table already dropped it either way.
	if err := c.send(&FetchRequest{TopicName: topic, NumRequested: 0}); err != nil {
		return fmt.Errorf("failed to send unsubscribe request: %w", err)
	}
	return nil
}

// Close tears down the shared stream and connection
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// send serializes one request onto the shared stream
func (c *Client) send(req *FetchRequest) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(req.Marshal())
}

// recvLoop decodes batches and dispatches events by topic
func (c *Client) recvLoop() {
	for {
		var frame []byte
		if err := c.stream.RecvMsg(&frame); err != nil {
			c.onStreamDown(err)
			return
		}

		resp, err := UnmarshalFetchResponse(frame)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Discarded undecodable fetch response")
			continue
		}

		c.mu.Lock()
		handle, known := c.topicHandles[resp.TopicName]
		c.mu.Unlock()
		if !known {
			// Topic was unsubscribed while the batch was in flight
			continue
		}

		for i := range resp.Events {
			ev := &resp.Events[i]
			c.sink.OnProtocolEvent(handle, domain.ProtocolEvent{
				ReplayID: EncodeReplayID(ev.ReplayID),
				Payload:  ev.Payload,
			})
		}

		// Top up the flow-control window for the topic
		if n := len(resp.Events); n > 0 {
			if err := c.send(&FetchRequest{TopicName: resp.TopicName, NumRequested: int32(n)}); err != nil {
				c.logger.Warn().Err(err).Str("topic", resp.TopicName).Msg("Failed to top up flow window")
			}
		}
	}
}

// onStreamDown translates stream termination into sink callbacks
func (c *Client) onStreamDown(err error) {
	c.mu.Lock()
	closed := c.closed
	handles := make([]string, 0, len(c.handleTopics))
	for handle := range c.handleTopics {
		handles = append(handles, handle)
	}
	c.mu.Unlock()

	if closed {
		return
	}

	if errors.Is(err, io.EOF) {
		// Clean server-side close: every topic ended normally
		for _, handle := range handles {
			c.sink.OnProtocolEnd(handle)
		}
		return
	}

	c.logger.Error().Err(err).Msg("Pub/Sub stream failed")
	c.sink.OnConnectionLost(err)
}

// rawCodec passes frames through untouched; marshaling happens in
// wire.go where the message shapes live.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: expected []byte, got %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: expected *[]byte, got %T", v)
	}
	*p = data
	return nil
}

func (rawCodec) Name() string { return "sfstreamproxy-raw" }

// Swappable for deterministic tests
var generateHandle = func() string {
	return uuid.NewString()
}
