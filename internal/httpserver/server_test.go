package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfdevtools/streamproxy/internal/payloadstore"
)

func testStore(t *testing.T) *payloadstore.Store {
	t.Helper()
	store, err := payloadstore.NewStore(payloadstore.Config{
		TTL:           time.Minute,
		SweepInterval: time.Minute,
		MaxEntries:    16,
	})
	require.NoError(t, err)
	return store
}

func testServer(t *testing.T, config Config) (*Server, *httptest.Server) {
	t.Helper()
	server := NewServer(config, testStore(t))
	ts := httptest.NewServer(server.routes())
	t.Cleanup(ts.Close)
	return server, ts
}

func TestInfoReportsVersionAndPort(t *testing.T) {
	config := DefaultConfig()
	config.Version = "1.4.0"
	server := NewServer(config, testStore(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	require.Eventually(t, func() bool { return server.Port() != 0 }, time.Second, 5*time.Millisecond)
	port := server.Port()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/info", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info infoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, port, info.Port)

	cancel()
	require.NoError(t, <-done)
}

func TestPayloadFetchedExactlyOnce(t *testing.T) {
	server, ts := testServer(t, DefaultConfig())

	token, err := server.store.Put([]byte(`{"big":true}`), "application/json")
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/payload/" + token)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"big":true}`, string(body))

	// Second fetch of the same token is indistinguishable from an
	// unknown one
	resp, err = http.Get(ts.URL + "/payload/" + token)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"PayloadNotFound"}`, string(body))
}

func TestPayloadUnknownToken(t *testing.T) {
	_, ts := testServer(t, DefaultConfig())

	resp, err := http.Get(ts.URL + "/payload/no-such-token")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelayRejectsNonAllowListedHost(t *testing.T) {
	_, ts := testServer(t, DefaultConfig())

	body, _ := json.Marshal(map[string]string{
		"url":    "https://evil.example.com/steal",
		"method": "GET",
	})
	resp, err := http.Post(ts.URL+"/relay", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"error":"RelayHostNotAllowed"}`, string(raw))
}

func TestRelayForwardsToAllowListedHost(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"Message__c":"hi"}`, string(raw))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"e01xx0000000001","success":true}`)
	}))
	defer upstream.Close()

	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	config := DefaultConfig()
	config.RelayAllowedHosts = []string{upstreamURL.Hostname()}
	_, ts := testServer(t, config)

	body, _ := json.Marshal(relayRequest{
		URL:     upstream.URL + "/services/data/v62.0/sobjects/Notification__e",
		Method:  "POST",
		Headers: map[string]string{"Authorization": "Bearer secret"},
		Body:    `{"Message__c":"hi"}`,
	})
	resp, err := http.Post(ts.URL+"/relay", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	// The upstream status and body pass through unchanged
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	raw, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"id":"e01xx0000000001","success":true}`, string(raw))
}

func TestRelayUpstreamFailureIsBadGateway(t *testing.T) {
	config := DefaultConfig()
	config.RelayAllowedHosts = []string{"127.0.0.1"}
	config.RelayTimeout = 200 * time.Millisecond
	_, ts := testServer(t, config)

	// A port nothing listens on
	body, _ := json.Marshal(map[string]string{"url": "http://127.0.0.1:1/x"})
	resp, err := http.Post(ts.URL+"/relay", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRelayMalformedBody(t *testing.T) {
	_, ts := testServer(t, DefaultConfig())

	resp, err := http.Post(ts.URL+"/relay", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayRejectsBadTargets(t *testing.T) {
	_, ts := testServer(t, DefaultConfig())

	for _, target := range []string{"", "ftp://example.salesforce.com/x", "://bad"} {
		body, _ := json.Marshal(map[string]string{"url": target})
		resp, err := http.Post(ts.URL+"/relay", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "target %q", target)
	}
}

func TestHostAllowed(t *testing.T) {
	server := NewServer(Config{
		RelayAllowedHosts: []string{"*.salesforce.com", "*.force.com", "login.example.org"},
	}, testStore(t))

	tests := []struct {
		host    string
		allowed bool
	}{
		{"myorg.my.salesforce.com", true},
		{"salesforce.com", true},
		{"myorg.lightning.force.com", true},
		{"MyOrg.My.Salesforce.COM", true},
		{"login.example.org", true},
		{"evilsalesforce.com", false},
		{"salesforce.com.evil.net", false},
		{"example.org", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, server.hostAllowed(tt.host), "host %q", tt.host)
	}
}
