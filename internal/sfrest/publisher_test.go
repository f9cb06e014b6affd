package sfrest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfdevtools/streamproxy/internal/domain"
)

func TestPublishSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/services/data/v62.0/sobjects/Order_Event__e", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"Amount__c":42}`, string(body))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"e01xx0000000001AAA","success":true,"errors":[]}`))
	}))
	defer server.Close()

	pub := NewPublisher(Config{HTTPClient: server.Client()})
	creds := domain.Credentials{InstanceURL: server.URL, AccessToken: "token-1"}

	id, err := pub.Publish(context.Background(), creds, "/event/Order_Event__e", json.RawMessage(`{"Amount__c":42}`))
	require.NoError(t, err)
	assert.Equal(t, "e01xx0000000001AAA", id)
}

func TestPublishEmptyPayloadDefaultsToEmptyObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "{}", string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"x","success":true}`))
	}))
	defer server.Close()

	pub := NewPublisher(Config{HTTPClient: server.Client()})
	creds := domain.Credentials{InstanceURL: server.URL, AccessToken: "t"}

	_, err := pub.Publish(context.Background(), creds, "/event/Ping__e", nil)
	require.NoError(t, err)
}

func TestPublishRejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`[{"message":"Required fields are missing","errorCode":"REQUIRED_FIELD_MISSING"}]`))
	}))
	defer server.Close()

	pub := NewPublisher(Config{HTTPClient: server.Client()})
	creds := domain.Credentials{InstanceURL: server.URL, AccessToken: "t"}

	_, err := pub.Publish(context.Background(), creds, "/event/Ping__e", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Contains(t, err.Error(), "Required fields are missing")
}

func TestPublishUnsuccessfulResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"","success":false,"errors":[{"message":"event bus is down"}]}`))
	}))
	defer server.Close()

	pub := NewPublisher(Config{HTTPClient: server.Client()})
	creds := domain.Credentials{InstanceURL: server.URL, AccessToken: "t"}

	_, err := pub.Publish(context.Background(), creds, "/event/Ping__e", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event bus is down")
}

func TestPublishBadChannel(t *testing.T) {
	pub := NewPublisher(Config{})
	creds := domain.Credentials{InstanceURL: "https://example.my.salesforce.com", AccessToken: "t"}

	_, err := pub.Publish(context.Background(), creds, "/event/", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot derive event name")
}
