// Package session implements the single-threaded cooperative state
// machine (C4) that dispatches protocol commands into the codec
// adapter: one Session per connected transport, no concurrent access
// to its state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shubchev/libav-node/internal/avproto"
	"github.com/shubchev/libav-node/internal/codec"
	"github.com/shubchev/libav-node/internal/logging"
	"github.com/shubchev/libav-node/internal/metrics"
)

// State is the session's current codec-open state.
type State int

const (
	StateIdle State = iota
	StateEncoderOpen
	StateDecoderOpen
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateEncoderOpen:
		return "encoder_open"
	case StateDecoderOpen:
		return "decoder_open"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

const (
	readTickTimeoutMs = 200
	idleTimeout       = 10 * time.Second
)

// Session owns one connected transport end-to-end: it enumerates codecs
// once at start, then loops reading commands and dispatching them,
// until the peer stops it, goes idle past idleTimeout, or the
// transport closes.
type Session struct {
	conn avproto.Conn

	encoders []string
	decoders []string

	handle codec.Handle
	state  State

	packetData   []byte
	frameBacklog [][]byte

	lastActivity time.Time
	log          *slog.Logger

	listEncoders func() []string
	listDecoders func() []string
	openEncoder  func(name string, width, height, bps, fps int) (codec.Handle, error)
	openDecoder  func(name string, width, height int) (codec.Handle, error)
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithLogger overrides the session's logger; defaults to logging.L().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCodecFuncs overrides the codec-adapter entry points the session
// calls, letting tests drive the dispatch loop against a fake Handle
// instead of a real libavcodec binding.
func WithCodecFuncs(
	listEncoders, listDecoders func() []string,
	openEncoder func(name string, width, height, bps, fps int) (codec.Handle, error),
	openDecoder func(name string, width, height int) (codec.Handle, error),
) Option {
	return func(s *Session) {
		s.listEncoders = listEncoders
		s.listDecoders = listDecoders
		s.openEncoder = openEncoder
		s.openDecoder = openDecoder
	}
}

// New creates a Session bound to conn. It does not enumerate codecs or
// start reading commands until Run is called.
func New(conn avproto.Conn, opts ...Option) *Session {
	s := &Session{
		conn:         conn,
		log:          logging.L(),
		listEncoders: codec.ListEncoders,
		listDecoders: codec.ListDecoders,
		openEncoder:  codec.OpenEncoder,
		openDecoder:  codec.OpenDecoder,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run enumerates available codecs and then loops dispatching commands
// until ctx is cancelled, the peer sends StopService, the connection
// goes idle past idleTimeout, or the transport closes. It returns nil
// when ctx is cancelled, on StopService, on idle timeout, and when the
// transport is already closed at the top of an iteration; a failed
// command read returns an error wrapping ErrTransportRead, and finding
// no codecs at all returns ErrNoCodecs.
func (s *Session) Run(ctx context.Context) error {
	s.encoders = s.listEncoders()
	s.decoders = s.listDecoders()
	if len(s.encoders) == 0 && len(s.decoders) == 0 {
		s.log.Error("session_no_codecs")
		return ErrNoCodecs
	}

	s.log.Info("session_start", "encoders", len(s.encoders), "decoders", len(s.decoders))
	metrics.IncSessionStarted()
	defer s.closeHandle()

	s.lastActivity = time.Now()
	for {
		select {
		case <-ctx.Done():
			metrics.IncSessionEnded("context_cancelled")
			return nil
		default:
		}

		if time.Since(s.lastActivity) > idleTimeout {
			s.log.Info("session_idle_timeout")
			metrics.IncSessionEnded("idle_timeout")
			return nil
		}

		if tc, ok := s.conn.(interface{ IsOpen() bool }); ok && !tc.IsOpen() {
			s.log.Info("session_transport_closed")
			metrics.IncSessionEnded("transport_closed")
			return nil
		}

		cmd, ok, err := avproto.ReadCmd(s.conn, readTickTimeoutMs)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrTransportRead, err)
			s.log.Error("session_read_error", "error", err)
			metrics.IncError(mapErrToMetric(err))
			metrics.IncSessionEnded("transport_closed")
			return err
		}
		if !ok {
			continue
		}

		s.lastActivity = time.Now()
		metrics.IncCommand(cmd.Type.String())
		s.dispatch(cmd)

		if s.state == StateStopping {
			metrics.IncSessionEnded("stop_command")
			return nil
		}
	}
}

func (s *Session) closeHandle() {
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	s.state = StateIdle
}

func (s *Session) ack(size uint64) {
	if err := avproto.SendResult(s.conn, avproto.Ack, size); err != nil {
		err = fmt.Errorf("%w: %v", ErrTransportWrite, err)
		s.log.Error("session_send_ack_error", "error", err)
		metrics.IncError(mapErrToMetric(err))
	}
}

func (s *Session) nack(reason string) {
	metrics.IncNack(reason)
	if err := avproto.SendResult(s.conn, avproto.Nack, 0); err != nil {
		err = fmt.Errorf("%w: %v", ErrTransportWrite, err)
		s.log.Error("session_send_nack_error", "error", err)
		metrics.IncError(mapErrToMetric(err))
	}
}

func (s *Session) sendBulk(data []byte) {
	if err := avproto.SendBulk(s.conn, data); err != nil {
		s.log.Error("session_send_bulk_error", "error", err)
	}
}
