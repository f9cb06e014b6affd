package payloadstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/sfdevtools/streamproxy/internal/logging"
	"github.com/sfdevtools/streamproxy/internal/metrics"
)

// ErrNotFound is returned when a token is unknown, already consumed,
// or expired. Callers cannot distinguish the three cases, which is
// intentional: a token is good for exactly one fetch.
var ErrNotFound = errors.New("payload not found")

// Config contains payload store configuration
type Config struct {
	// How long an unfetched payload survives.
	TTL time.Duration

	// How often the sweep runs.
	SweepInterval time.Duration

	// Maximum number of payloads held at once. The oldest entry is
	// evicted when the cap is reached.
	MaxEntries int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		TTL:           2 * time.Minute,
		SweepInterval: 15 * time.Second,
		MaxEntries:    256,
	}
}

type entry struct {
	token       string
	bytes       []byte
	contentType string
	createdAt   time.Time
	taken       bool
}

// Store shelves payloads too large for a Native Messaging frame until
// the extension fetches them over the loopback HTTP server. Entries
// are single-use and TTL-bounded.
type Store struct {
	config  Config
	mu      sync.Mutex
	cache   *lru.Cache
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewStore creates a payload store
func NewStore(config Config) (*Store, error) {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}

	s := &Store{
		config:  config,
		logger:  logging.Component("payloadstore"),
		metrics: metrics.GetMetrics(),
	}

	cache, err := lru.NewWithEvict(config.MaxEntries, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}
	s.cache = cache

	return s, nil
}

// Start runs the TTL sweep until the context is canceled
func (s *Store) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

// Put stores a payload and returns its single-use token
func (s *Store) Put(payload []byte, contentType string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate payload token: %w", err)
	}

	e := &entry{
		token:       token,
		bytes:       payload,
		contentType: contentType,
		createdAt:   time.Now(),
	}

	s.mu.Lock()
	s.cache.Add(token, e)
	s.mu.Unlock()

	s.metrics.PayloadsStoredTotal.Inc()
	s.metrics.PayloadStoreEntries.Inc()
	s.metrics.PayloadStoreBytes.Add(float64(len(payload)))
	s.logger.Debug().Str("token", token).Int("bytes", len(payload)).Msg("Shelved payload")

	return token, nil
}

// Take retrieves a payload and removes it. A second Take with the same
// token returns ErrNotFound.
func (s *Store) Take(token string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Peek(token)
	if !ok {
		return nil, "", ErrNotFound
	}
	e := v.(*entry)
	e.taken = true
	s.cache.Remove(token)

	s.metrics.PayloadsFetchedTotal.Inc()
	return e.bytes, e.contentType, nil
}

// Len returns the number of payloads currently held
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// sweep purges entries older than the TTL. Payloads the extension never
// fetched (tab closed mid-stream) go away here.
func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.config.TTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.cache.Keys() {
		v, ok := s.cache.Peek(key)
		if !ok {
			continue
		}
		if v.(*entry).createdAt.Before(cutoff) {
			s.cache.Remove(key)
		}
	}
}

// onEvict runs for every removal: take, sweep, or capacity eviction.
// Must not touch s.mu; the cache invokes it while we hold it.
func (s *Store) onEvict(_, value interface{}) {
	e := value.(*entry)
	s.metrics.PayloadStoreEntries.Dec()
	s.metrics.PayloadStoreBytes.Sub(float64(len(e.bytes)))
	if !e.taken {
		s.metrics.PayloadsExpiredTotal.Inc()
		s.logger.Debug().Str("token", e.token).Msg("Purged unfetched payload")
	}
}

// generateToken returns a cryptographically random URL-safe token.
// Guessable tokens would let another local process read event bodies.
var generateToken = func() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
