// Package sfrest performs the one-shot Salesforce REST calls the proxy
// needs: publishing a Platform Event is a plain sObject insert, not a
// streaming operation.
package sfrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sfdevtools/streamproxy/internal/domain"
	"github.com/sfdevtools/streamproxy/internal/logging"
)

// Config contains REST client configuration
type Config struct {
	// API version path segment.
	APIVersion string

	// Request timeout.
	Timeout time.Duration

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		APIVersion: "v62.0",
		Timeout:    30 * time.Second,
	}
}

// Publisher inserts Platform Events through the REST API
type Publisher struct {
	config Config
	http   *http.Client
	logger zerolog.Logger
}

// NewPublisher creates a REST publisher
func NewPublisher(config Config) *Publisher {
	if config.APIVersion == "" {
		config.APIVersion = DefaultConfig().APIVersion
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Publisher{
		config: config,
		http:   httpClient,
		logger: logging.Component("sfrest"),
	}
}

type insertResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Publish inserts one event record. The channel name carries the event
// API name as its last segment: /event/Order_Event__e → Order_Event__e.
func (p *Publisher) Publish(ctx context.Context, creds domain.Credentials, topicName string, payload json.RawMessage) (string, error) {
	eventName := topicName
	if idx := strings.LastIndex(topicName, "/"); idx >= 0 {
		eventName = topicName[idx+1:]
	}
	if eventName == "" {
		return "", fmt.Errorf("cannot derive event name from channel %q", topicName)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	url := fmt.Sprintf("%s/services/data/%s/sobjects/%s",
		strings.TrimRight(creds.InstanceURL, "/"), p.config.APIVersion, eventName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("publish rejected with HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result insertResult
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to decode publish response: %w", err)
	}
	if !result.Success {
		msg := "unknown error"
		if len(result.Errors) > 0 {
			msg = result.Errors[0].Message
		}
		return "", fmt.Errorf("publish failed: %s", msg)
	}

	p.logger.Info().Str("event", eventName).Str("id", result.ID).Msg("Published platform event")
	return result.ID, nil
}
