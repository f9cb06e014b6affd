// sfstreamproxyd is the local streaming proxy the browser extension
// launches over Chrome Native Messaging. It bridges Salesforce's two
// streaming protocols (gRPC Pub/Sub and CometD long-polling) into a
// single subscribe/unsubscribe/event model on stdio, with a loopback
// HTTP side-channel for payloads too large for the pipe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/sfdevtools/streamproxy/internal/config"
	"github.com/sfdevtools/streamproxy/internal/engine"
	"github.com/sfdevtools/streamproxy/internal/logging"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		httpAddr   = flag.String("http-addr", "", "Loopback HTTP bind address (host:port, port 0 = ephemeral)")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(engine.Version)
		return
	}

	cfg, err := config.LoadConfig(*configFile, *logLevel, *httpAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		Format:        logging.LogFormat(cfg.Logging.Format),
		IncludeCaller: cfg.Logging.IncludeCaller,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging configuration: %v\n", err)
		os.Exit(1)
	}

	// Chrome owns both ends of the pipe: frames in on stdin, frames
	// out on stdout. Everything else this process says goes to stderr.
	eng, err := engine.New(cfg, os.Stdin, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize proxy")
	}

	if err := eng.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Proxy terminated")
	}
}
