package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfdevtools/streamproxy/internal/domain"
	"github.com/sfdevtools/streamproxy/internal/httpserver"
	"github.com/sfdevtools/streamproxy/internal/payloadstore"
	"github.com/sfdevtools/streamproxy/internal/submanager"
)

// scenarioClient is a controllable protocol client for end-to-end
// style tests across router, manager, store and HTTP server.
type scenarioClient struct {
	mu      sync.Mutex
	handles map[string]string
	next    int
}

func (c *scenarioClient) Open(ctx context.Context) error { return nil }

func (c *scenarioClient) Subscribe(ctx context.Context, channel string, replay domain.ReplayOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handles == nil {
		c.handles = make(map[string]string)
	}
	c.next++
	handle := fmt.Sprintf("scenario-handle-%d", c.next)
	c.handles[channel] = handle
	return handle, nil
}

func (c *scenarioClient) Unsubscribe(ctx context.Context, handle string) error { return nil }
func (c *scenarioClient) Close(ctx context.Context) error                      { return nil }

func TestOversizedEventRoundTrip(t *testing.T) {
	// Subscribe, deliver a payload one byte over the threshold, and
	// fetch it back over the loopback server exactly once.
	store, err := payloadstore.NewStore(payloadstore.DefaultConfig())
	require.NoError(t, err)

	server := httpserver.NewServer(httpserver.Config{Version: "test"}, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Start(ctx) }()
	require.Eventually(t, func() bool { return server.Port() != 0 }, time.Second, 10*time.Millisecond)

	client := &scenarioClient{}
	var sink domain.EventSink
	factory := func(family domain.ProtocolFamily, creds domain.Credentials, s domain.EventSink) domain.ProtocolClient {
		sink = s
		return client
	}
	manager := submanager.NewManager(submanager.DefaultConfig(), factory, nil)

	sender := &captureSender{}
	r := NewRouter(Config{FrameThreshold: testThreshold, Version: "test"},
		manager, &fakePublisher{}, store, sender, server.Port)
	manager.SetEmitter(r)

	// Subscribe to a Platform Event channel with LATEST replay
	r.HandleControl(context.Background(), &domain.ControlMessage{
		Type:         domain.MsgSubscribe,
		InstanceURL:  "https://example.my.salesforce.com",
		AccessToken:  "token",
		TopicName:    "/event/Foo__e",
		ReplayPreset: "LATEST",
	})

	replies := sender.replies()
	require.Len(t, replies, 1)
	require.True(t, replies[0].Success)
	require.NotEmpty(t, replies[0].SubscriptionID)

	// Deliver an event too large for the frame
	payload := []byte(strings.Repeat("x", testThreshold+1))
	sink.OnProtocolEvent("scenario-handle-1", domain.ProtocolEvent{ReplayID: "AAEC", Payload: payload})

	out := sender.outbound()
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Event)
	assert.Empty(t, out[0].Event.Payload)
	require.NotEmpty(t, out[0].Event.BodyToken)
	require.NotEmpty(t, out[0].Event.BodyURL)

	// First fetch returns exactly the stored bytes
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/payload/%s", server.Port(), out[0].Event.BodyToken))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payload, body)

	// Second fetch finds nothing: tokens are single-use
	resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/payload/%s", server.Port(), out[0].Event.BodyToken))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
