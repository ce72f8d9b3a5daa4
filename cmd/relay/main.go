package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/pairline/relay/internal/config"
	"github.com/pairline/relay/internal/discovery"
	"github.com/pairline/relay/internal/logging"
	"github.com/pairline/relay/internal/relay"
	"github.com/pairline/relay/internal/server"
	"github.com/pairline/relay/internal/sessions"
)

const version = "0.3.0"

var configPath = flag.String("config", "", "optional YAML/JSON config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay stopped", zap.Error(err))
	}
	logger.Info("relay stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := relay.Options{
		RingTimeout:    cfg.RingTimeout,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		Registerer:     reg,
	}
	if cfg.AuthEnabled() {
		opts.Verifier = relay.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	}

	registry := sessions.NewRegistry()
	hub := relay.NewHub(registry, logger.Named("hub"), opts)
	go hub.Run(ctx)

	logger.Info("pairline relay starting",
		zap.String("version", version),
		zap.String("address", cfg.ListenAddress),
		zap.Bool("auth", cfg.AuthEnabled()),
		zap.Duration("ring_timeout", cfg.RingTimeout),
	)

	if cfg.Discovery.Enabled {
		port, err := discovery.PortFromAddress(cfg.ListenAddress)
		if err != nil {
			return err
		}
		adv := discovery.NewAdvertiser(resolveInstanceName(cfg.Discovery.Instance), port, version, "/ws", cfg.AuthEnabled(), logger.Named("discovery"))
		if err := adv.Start(); err != nil {
			// LAN discovery is optional; the relay still serves known addresses
			logger.Warn("mDNS advertisement unavailable", zap.Error(err))
		} else {
			defer adv.Stop()
		}
	}

	srv := server.NewServer(cfg, registry, hub, reg, logger.Named("http"))
	return srv.Start(ctx)
}

// resolveInstanceName appends the host name to the default instance so several relays
// on one network stay distinguishable.
func resolveInstanceName(name string) string {
	const defaultName = "pairline-relay"

	base := strings.TrimSpace(name)
	if base == "" {
		base = defaultName
	}
	if base != defaultName {
		return base
	}

	host, err := os.Hostname()
	if err != nil {
		return base
	}
	if sanitized := sanitizeHostname(host); sanitized != "" {
		return base + "-" + sanitized
	}
	return base
}

func sanitizeHostname(host string) string {
	host = strings.ToLower(host)

	var builder strings.Builder
	lastDash := false
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			lastDash = false
		case r == '-' || r == '_' || r == ' ' || r == '.':
			if !lastDash {
				builder.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(builder.String(), "-")
}
