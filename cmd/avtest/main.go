// Command avtest is a synthetic end-to-end exercise driver for avsvc,
// the Go equivalent of the original's test.cc: it spawns the service
// process, drives an encoder or decoder session over the real
// protocol and transport, and writes the resulting elementary stream
// or raw YUV frames to disk. It is a thin client of internal/avproto
// and internal/launch, not part of the core protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shubchev/libav-node/internal/avproto"
	"github.com/shubchev/libav-node/internal/launch"
	"github.com/shubchev/libav-node/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("avtest", flag.ContinueOnError)
	binPath := fs.String("svc", "avsvc", "path to the avsvc binary to spawn")
	doEncode := fs.Bool("e", false, "run an encoder test")
	doDecode := fs.Bool("d", false, "run a decoder test")
	file := fs.String("f", "", "test file (written by -e, read by -d)")
	width := fs.Int("width", 1920, "test frame width")
	height := fs.Int("height", 1080, "test frame height")
	hevc := fs.Bool("hevc", false, "use HEVC instead of H.264")
	frameCount := fs.Int("frames", 120, "number of synthetic frames to encode")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	l := logging.New("text", slog.LevelInfo, os.Stderr).With("app", "avtest")
	logging.Set(l)

	if !*doEncode && !*doDecode {
		fmt.Fprintln(os.Stderr, "avtest: specify -e and/or -d")
		fs.Usage()
		return 1
	}
	if (*doEncode || *doDecode) && *file == "" {
		fmt.Fprintln(os.Stderr, "avtest: -f <file> is required")
		return 1
	}

	codecName := "h264"
	if *hevc {
		codecName = "hevc"
	}

	if *doEncode {
		l.Info("avtest_encode_start", "width", *width, "height", *height, "codec", codecName, "frames", *frameCount)
		if err := runEncodeTest(l, *binPath, codecName, *width, *height, *file, *frameCount); err != nil {
			l.Error("avtest_encode_failed", "error", err)
			return 2
		}
	}

	if *doDecode {
		l.Info("avtest_decode_start", "width", *width, "height", *height, "codec", codecName)
		if err := runDecodeTest(l, *binPath, codecName, *width, *height, *file); err != nil {
			l.Error("avtest_decode_failed", "error", err)
			return 2
		}
	}

	return 0
}

// syntheticFrame fills a YUV 4:2:0 buffer with a deterministic pattern
// that shifts with the frame index, the same gradient test.cc's
// runEncodeTest generates.
func syntheticFrame(width, height, idx int) []byte {
	frame := make([]byte, width*height+2*(width/2)*(height/2))
	yPlane := frame[:width*height]
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			yPlane[y*width+x] = byte(x + y + idx*3)
		}
	}
	cw, ch := width/2, height/2
	uPlane := frame[width*height : width*height+cw*ch]
	vPlane := frame[width*height+cw*ch:]
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			uPlane[y*cw+x] = byte(128 + y + idx*2)
			vPlane[y*cw+x] = byte(64 + x + idx*5)
		}
	}
	return frame
}

func runEncodeTest(l *slog.Logger, binPath, codecName string, width, height int, file string, frameCount int) error {
	ctx := context.Background()
	svc, err := launch.Open(ctx, binPath, launch.NewInstanceID())
	if err != nil {
		return fmt.Errorf("open service: %w", err)
	}
	defer svc.Close()

	resp, err := avproto.SendCmd(svc.Conn, avproto.Command{
		Type: avproto.CmdOpenEncoder,
		Init: avproto.InitInfo{BPS: 5_000_000, Width: uint16(width), Height: uint16(height), FPS: 30, CodecName: codecName},
	})
	if err != nil {
		return fmt.Errorf("OpenEncoder: %w", err)
	}
	if resp.Result != avproto.Ack {
		return fmt.Errorf("OpenEncoder nacked for codec %q", codecName)
	}

	out, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("create %s: %w", file, err)
	}
	defer out.Close()

	for i := 0; i < frameCount; i++ {
		frame := syntheticFrame(width, height, i)
		start := time.Now()
		resp, err := avproto.SendCmdWithPayload(svc.Conn, avproto.Command{Type: avproto.CmdEncode, Size: uint64(len(frame))}, frame)
		if err != nil {
			return fmt.Errorf("Encode frame %d: %w", i, err)
		}
		if resp.Result != avproto.Ack {
			l.Error("avtest_encode_frame_nack", "frame", i)
			continue
		}

		packet, err := avproto.GetPacket(svc.Conn)
		if err == nil {
			l.Debug("avtest_encode_frame", "frame", i, "elapsed", time.Since(start), "packet_bytes", len(packet))
			if _, err := out.Write(packet); err != nil {
				return fmt.Errorf("write packet: %w", err)
			}
		}
	}

	if resp, err := avproto.SendCmd(svc.Conn, avproto.Command{Type: avproto.CmdFlush}); err != nil || resp.Result != avproto.Ack {
		l.Error("avtest_flush_nack", "error", err)
	}
	for {
		packet, err := avproto.GetPacket(svc.Conn)
		if err != nil {
			break
		}
		if _, err := out.Write(packet); err != nil {
			return fmt.Errorf("write flush packet: %w", err)
		}
	}

	return nil
}

func runDecodeTest(l *slog.Logger, binPath, codecName string, width, height int, file string) error {
	in, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer in.Close()

	ctx := context.Background()
	svc, err := launch.Open(ctx, binPath, launch.NewInstanceID())
	if err != nil {
		return fmt.Errorf("open service: %w", err)
	}
	defer svc.Close()

	resp, err := avproto.SendCmd(svc.Conn, avproto.Command{
		Type: avproto.CmdOpenDecoder,
		Init: avproto.InitInfo{Width: uint16(width), Height: uint16(height), CodecName: codecName},
	})
	if err != nil {
		return fmt.Errorf("OpenDecoder: %w", err)
	}
	if resp.Result != avproto.Ack {
		return fmt.Errorf("OpenDecoder nacked for codec %q", codecName)
	}

	const sliceSize = 16 * 1024
	slice := make([]byte, sliceSize)
	frameID := 0
	writeFrames := func() error {
		for {
			frame, err := avproto.GetFrame(svc.Conn)
			if err != nil {
				return nil
			}
			name := fmt.Sprintf("frame%d.raw", frameID)
			frameID++
			if err := os.WriteFile(name, frame, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", name, err)
			}
			l.Info("avtest_decoded_frame", "frame", name)
		}
	}

	for {
		n, rerr := in.Read(slice)
		if n > 0 {
			resp, err := avproto.SendCmdWithPayload(svc.Conn, avproto.Command{Type: avproto.CmdDecode, Size: uint64(n)}, slice[:n])
			if err != nil {
				return fmt.Errorf("Decode: %w", err)
			}
			if resp.Result != avproto.Ack {
				l.Error("avtest_decode_chunk_nack")
			}
			if err := writeFrames(); err != nil {
				return err
			}
		}
		if rerr != nil {
			break
		}
	}

	for {
		resp, err := avproto.SendCmd(svc.Conn, avproto.Command{Type: avproto.CmdFlush})
		if err != nil || resp.Result != avproto.Ack {
			break
		}
		before := frameID
		if err := writeFrames(); err != nil {
			return err
		}
		if frameID == before {
			break
		}
	}

	return nil
}
