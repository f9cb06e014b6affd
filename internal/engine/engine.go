// Package engine wires the proxy's components together and supervises
// their lifecycles.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sfdevtools/streamproxy/internal/config"
	"github.com/sfdevtools/streamproxy/internal/domain"
	"github.com/sfdevtools/streamproxy/internal/httpserver"
	"github.com/sfdevtools/streamproxy/internal/logging"
	"github.com/sfdevtools/streamproxy/internal/nativemsg"
	"github.com/sfdevtools/streamproxy/internal/payloadstore"
	"github.com/sfdevtools/streamproxy/internal/protocol/cometd"
	"github.com/sfdevtools/streamproxy/internal/protocol/pubsub"
	"github.com/sfdevtools/streamproxy/internal/router"
	"github.com/sfdevtools/streamproxy/internal/sfrest"
	"github.com/sfdevtools/streamproxy/internal/submanager"
	"github.com/sfdevtools/streamproxy/internal/telemetry"
)

// Version is reported over /info and getProxyInfo so the extension can
// check capability compatibility independent of either channel.
const Version = "1.4.0"

// Engine coordinates all proxy components
type Engine struct {
	config    *config.Config
	transport *nativemsg.Transport
	store     *payloadstore.Store
	http      *httpserver.Server
	manager   *submanager.Manager
	router    *router.Router
	logger    zerolog.Logger
}

// New builds an engine from configuration. The reader and writer are
// the Native Messaging pipe endpoints, stdin and stdout in production.
func New(cfg *config.Config, pipeIn io.Reader, pipeOut io.Writer) (*Engine, error) {
	store, err := payloadstore.NewStore(payloadstore.Config{
		TTL:           time.Duration(cfg.PayloadStore.TTLSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.PayloadStore.SweepIntervalSeconds) * time.Second,
		MaxEntries:    cfg.PayloadStore.MaxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payload store: %w", err)
	}

	httpServer := httpserver.NewServer(httpserver.Config{
		Addr:              cfg.HTTP.Addr,
		ReadTimeout:       time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTP.IdleTimeout) * time.Second,
		RelayAllowedHosts: cfg.HTTP.RelayAllowedHosts,
		RelayTimeout:      time.Duration(cfg.HTTP.RelayTimeout) * time.Second,
		Version:           Version,
		MetricsEnabled:    cfg.Metrics.Enabled,
	}, store)

	transport := nativemsg.NewTransport(nativemsg.Config{
		MaxMessageBytes: cfg.Transport.MaxMessageBytes,
	}, pipeIn, pipeOut)

	factory := func(family domain.ProtocolFamily, creds domain.Credentials, sink domain.EventSink) domain.ProtocolClient {
		if family == domain.FamilyGRPC {
			return pubsub.NewClient(pubsub.Config{
				Endpoint:    cfg.PubSub.Endpoint,
				OpenTimeout: time.Duration(cfg.PubSub.OpenTimeoutSeconds) * time.Second,
				BatchSize:   int32(cfg.PubSub.BatchSize),
			}, creds, sink)
		}
		return cometd.NewClient(cometd.Config{
			Path:             cfg.CometD.Path,
			HandshakeTimeout: time.Duration(cfg.CometD.HandshakeTimeoutSeconds) * time.Second,
			PollGrace:        time.Duration(cfg.CometD.PollGraceSeconds) * time.Second,
			MaxPollFailures:  cfg.CometD.MaxPollFailures,
			RetryInitial:     time.Duration(cfg.CometD.RetryInitialMs) * time.Millisecond,
		}, creds, sink)
	}

	manager := submanager.NewManager(submanager.DefaultConfig(), factory, nil)

	rtr := router.NewRouter(router.Config{
		FrameThreshold: cfg.Transport.FrameThresholdBytes,
		Version:        Version,
	}, manager, sfrest.NewPublisher(sfrest.DefaultConfig()), store, transport, httpServer.Port)

	// Manager and router reference each other: the router delegates
	// subscribes down, the manager emits events back up.
	manager.SetEmitter(rtr)

	return &Engine{
		config:    cfg,
		transport: transport,
		store:     store,
		http:      httpServer,
		manager:   manager,
		router:    rtr,
		logger:    logging.Component("engine"),
	}, nil
}

// Run starts every component and blocks until the pipe closes, a
// signal arrives, or a component fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:       e.config.Telemetry.Enabled,
		ServiceName:   e.config.Telemetry.ServiceName,
		Endpoint:      e.config.Telemetry.Endpoint,
		SamplingRatio: e.config.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return e.store.Start(gctx)
	})

	g.Go(func() error {
		return e.http.Start(gctx)
	})

	g.Go(func() error {
		// The pipe closing is the normal exit path: cancel everything
		// else when the read loop returns.
		defer cancel()
		return e.transport.Start(gctx, func(ctx context.Context, msg *domain.ControlMessage) {
			// Each control message runs independently so a slow
			// protocol handshake cannot stall the message loop.
			go e.router.HandleControl(ctx, msg)
		})
	})

	e.logger.Info().Str("version", Version).Msg("Streaming proxy running")

	err = g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := e.manager.Shutdown(shutdownCtx); serr != nil {
		e.logger.Warn().Err(serr).Msg("Subscription shutdown incomplete")
	}
	if terr := shutdownTelemetry(shutdownCtx); terr != nil {
		e.logger.Warn().Err(terr).Msg("Telemetry shutdown incomplete")
	}

	if err != nil && err != context.Canceled {
		return err
	}
	e.logger.Info().Msg("Streaming proxy stopped")
	return nil
}
