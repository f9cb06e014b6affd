// Package nativemsg implements the Chrome Native Messaging transport:
// JSON messages framed with a 4-byte little-endian length prefix over
// stdio. Chrome enforces a hard per-message ceiling, which is why
// oversized payloads travel out of band through the payload store.
package nativemsg

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/sfdevtools/streamproxy/internal/domain"
	"github.com/sfdevtools/streamproxy/internal/logging"
)

// Config contains transport configuration
type Config struct {
	// Hard ceiling for a single frame in either direction.
	MaxMessageBytes int

	// Outbound queue depth before Send blocks.
	SendBufferSize int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxMessageBytes: 1024 * 1024,
		SendBufferSize:  256,
	}
}

// Handler processes one inbound control message
type Handler func(ctx context.Context, msg *domain.ControlMessage)

// Transport frames messages over the Native Messaging pipe. All writes
// funnel through a single writer goroutine so frames are never
// interleaved and per-subscription event order is preserved.
type Transport struct {
	config Config
	reader io.Reader
	writer io.Writer
	out    chan any
	logger zerolog.Logger
}

// NewTransport creates a transport over the given pipe endpoints
func NewTransport(config Config, reader io.Reader, writer io.Writer) *Transport {
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = DefaultConfig().MaxMessageBytes
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = DefaultConfig().SendBufferSize
	}

	return &Transport{
		config: config,
		reader: reader,
		writer: writer,
		out:    make(chan any, config.SendBufferSize),
		logger: logging.Component("nativemsg"),
	}
}

// Start runs the read loop, dispatching each control message to the
// handler. Returns nil on EOF: the browser closing the pipe is the
// normal way this process is told to exit.
func (t *Transport) Start(ctx context.Context, handler Handler) error {
	go t.writeLoop(ctx)

	for {
		frame, err := ReadFrame(t.reader, t.config.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				t.logger.Info().Msg("Native Messaging pipe closed")
				return nil
			}
			return fmt.Errorf("native messaging read failed: %w", err)
		}

		var msg domain.ControlMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.logger.Warn().Err(err).Msg("Rejected malformed control message")
			t.Send(domain.Reply{Type: "error", Success: false, Error: "MalformedMessage"})
			continue
		}

		handler(ctx, &msg)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Send queues a message for the extension. Safe for concurrent use.
func (t *Transport) Send(msg any) {
	t.out <- msg
}

// writeLoop is the only goroutine that touches the writer
func (t *Transport) writeLoop(ctx context.Context) {
	for {
		select {
		case msg := <-t.out:
			data, err := json.Marshal(msg)
			if err != nil {
				t.logger.Error().Err(err).Msg("Failed to marshal outbound message")
				continue
			}
			if err := WriteFrame(t.writer, data, t.config.MaxMessageBytes); err != nil {
				t.logger.Error().Err(err).Msg("Failed to write outbound frame")
			}
		case <-ctx.Done():
			return
		}
	}
}

// ReadFrame reads one length-prefixed frame
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}

	if int(length) > maxBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds ceiling of %d", length, maxBytes)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes one length-prefixed frame
func WriteFrame(w io.Writer, data []byte, maxBytes int) error {
	if len(data) > maxBytes {
		return fmt.Errorf("frame of %d bytes exceeds ceiling of %d", len(data), maxBytes)
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}
