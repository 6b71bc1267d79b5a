// Package launch spawns an avsvc service process and opens the
// protocol transport to it, standing in for common.cc's
// startProccess/openService/closeService helpers. It is a thin client
// of internal/avproto and internal/ipctransport, not part of the core
// protocol.
package launch

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/shubchev/libav-node/internal/avproto"
	"github.com/shubchev/libav-node/internal/ipctransport"
)

// dialSettleDelay mirrors openService's post-connect sleep in
// common.cc: the newly spawned service has just accepted the
// transport and needs a brief moment before its session loop is
// reliably reading commands.
const dialSettleDelay = 500 * time.Millisecond

// dialTimeout bounds how long Open waits for the spawned service to
// create and accept the transport.
const dialTimeout = 10 * time.Second

// dialPollInterval is how often Open retries connecting while the
// service process is still starting up.
const dialPollInterval = 50 * time.Millisecond

// NewInstanceID generates a random instance name suitable for an
// avsvc transport, for callers that don't supply their own.
func NewInstanceID() string {
	return "avsvc-" + uuid.NewString()
}

// Service is a spawned avsvc process together with the transport
// opened to it.
type Service struct {
	Conn avproto.Conn
	cmd  *exec.Cmd
}

// Open spawns binPath with instanceID as its instance-name argument,
// waits for the service's transport to accept a connection, and
// returns the opened client end, matching common.cc's openService.
func Open(ctx context.Context, binPath, instanceID string, extraArgs ...string) (*Service, error) {
	args := append([]string{instanceID}, extraArgs...)
	cmd := exec.CommandContext(ctx, binPath, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch: start %s: %w", binPath, err)
	}

	conn, err := dialWithRetry(instanceID)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	time.Sleep(dialSettleDelay)
	return &Service{Conn: conn, cmd: cmd}, nil
}

// dialWithRetry repeatedly calls ipctransport.Open until it succeeds
// or dialTimeout elapses, absorbing the race between the child process
// starting and it calling Create.
func dialWithRetry(instanceID string) (ipctransport.Transport, error) {
	deadline := time.Now().Add(dialTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := ipctransport.Open(instanceID)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(dialPollInterval)
	}
	return nil, fmt.Errorf("launch: open transport %q: %w", instanceID, lastErr)
}

// Close sends StopService and waits for the spawned process to exit,
// matching common.cc's closeService.
func (s *Service) Close() error {
	if _, err := avproto.SendCmd(s.Conn, avproto.Command{Type: avproto.CmdStopService}); err != nil {
		return fmt.Errorf("launch: send StopService: %w", err)
	}
	if tr, ok := s.Conn.(ipctransport.Transport); ok {
		_ = tr.Close()
	}
	if s.cmd != nil {
		return s.cmd.Wait()
	}
	return nil
}
