package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shubchev/libav-node/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"commands", snap.Commands,
					"nacks", snap.Nacks,
					"bytes_encoded", snap.BytesEncoded,
					"bytes_decoded", snap.BytesDecoded,
					"codec_errors", snap.CodecErrors,
					"errors", snap.Errors,
					"packet_backlog", snap.PacketBacklog,
					"frame_backlog", snap.FrameBacklog,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
