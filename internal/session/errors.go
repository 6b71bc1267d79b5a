package session

import (
	"errors"

	"github.com/shubchev/libav-node/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrTransportRead  = errors.New("transport_read")
	ErrTransportWrite = errors.New("transport_write")
	ErrCodecOpen      = errors.New("codec_open")
	ErrCodecProcess   = errors.New("codec_process")
	ErrNoHandle       = errors.New("no codec handle open")
	ErrWrongHandleKind = errors.New("handle open in the wrong direction")
	ErrIndexRange      = errors.New("index out of range")

	// ErrNoCodecs is returned by Run when neither an encoder nor a
	// decoder enumerates on the host; the caller maps this to the
	// "codec unavailable" process exit code.
	ErrNoCodecs = errors.New("session: no encoders or decoders available")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrTransportRead):
		return metrics.ErrTransportRead
	case errors.Is(err, ErrTransportWrite):
		return metrics.ErrTransportWrite
	case errors.Is(err, ErrCodecOpen):
		return metrics.ErrCodecOpen
	case errors.Is(err, ErrCodecProcess):
		return metrics.ErrCodecProcess
	default:
		return "other"
	}
}
