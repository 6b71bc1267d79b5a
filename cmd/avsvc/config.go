package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	instanceID      string
	pipeBufferBytes int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
}

func parseFlags(args []string) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("avsvc", flag.ContinueOnError)
	cfg := &appConfig{}
	instanceID := fs.String("instance", "", "Transport instance name (required; the client dials this same name)")
	pipeBuffer := fs.Int("pipe-buffer", 1<<20, "Transport buffer size in bytes (Windows named pipe only)")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := fs.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.instanceID = *instanceID
	cfg.pipeBufferBytes = *pipeBuffer
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery

	// A bare positional instance name is also accepted, matching the
	// original main.cc's "avsvc <instanceId>" calling convention.
	if cfg.instanceID == "" {
		if rest := fs.Args(); len(rest) > 0 {
			cfg.instanceID = rest[0]
		}
	}

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, err
	}
	if *showVersion {
		return cfg, true, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.instanceID == "" {
		return errors.New("instance name is required (flag -instance or a positional argument)")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.pipeBufferBytes <= 0 {
		return fmt.Errorf("pipe-buffer must be > 0 (got %d)", c.pipeBufferBytes)
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps AVSVC_* environment variables onto cfg unless
// the corresponding flag was explicitly set, matching the teacher's
// "flag wins over env" precedence in cmd/can-server/config.go.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["instance"]; !ok {
		if v, ok := get("AVSVC_INSTANCE"); ok && v != "" {
			c.instanceID = v
		}
	}
	if _, ok := set["pipe-buffer"]; !ok {
		if v, ok := get("AVSVC_PIPE_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.pipeBufferBytes = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid AVSVC_PIPE_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("AVSVC_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("AVSVC_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("AVSVC_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("AVSVC_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid AVSVC_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
