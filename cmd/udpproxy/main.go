// Command udpproxy runs the stateless-looking, flow-stateful UDP reverse
// proxy: one ingress socket, many ephemeral per-source sessions, each
// connected to a fixed backend.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/SharkBaitDLS/systemd-udp-proxy/internal/cliutil"
	"github.com/SharkBaitDLS/systemd-udp-proxy/internal/config"
	"github.com/SharkBaitDLS/systemd-udp-proxy/internal/logger"
	"github.com/SharkBaitDLS/systemd-udp-proxy/internal/proxy"
	"github.com/SharkBaitDLS/systemd-udp-proxy/internal/systemdsock"
)

const (
	flagDestinationPort = "destination-port"
	flagSourceAddress   = "source-address"
	flagDestAddress     = "destination-address"
	flagSessionTimeout  = "session-timeout"
	flagLogLevel        = "loglevel"
	flagDev             = "dev"
	flagMetricsListen   = "metrics-listen-address"
)

func main() {
	app := &cli.App{
		Name:  "udpproxy",
		Usage: "flow-stateful UDP reverse proxy",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     flagDestinationPort,
				Usage:    "backend port to proxy traffic to",
				Required: true,
			},
			&cli.StringFlag{
				Name:  flagSourceAddress,
				Usage: "address to bind egress sockets to",
				Value: "0.0.0.0",
			},
			&cli.StringFlag{
				Name:  flagDestAddress,
				Usage: "backend address to proxy traffic to",
				Value: "0.0.0.0",
			},
			&cli.DurationFlag{
				Name:  flagSessionTimeout,
				Usage: "idle timeout applied independently to each session's tx and rx loops",
				Value: 60 * time.Second,
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "minimum zerolog level to emit (debug, info, warn, error)",
				Value: "warn",
			},
			&cli.BoolFlag{
				Name:  flagDev,
				Usage: "bind 127.0.0.1:8123 directly instead of expecting an inherited socket",
			},
			&cli.StringFlag{
				Name:  flagMetricsListen,
				Usage: "address to serve Prometheus metrics on",
				Value: "127.0.0.1:9090",
			},
		},
		Action: cliutil.Action(run),
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel)

	ingress, err := systemdsock.Acquire(cfg.Dev, log)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	p := proxy.New(ingress, proxy.Config{
		SourceAddr:  cfg.SourceAddr,
		Backend:     cfg.Backend(),
		IdleTimeout: cfg.SessionTimeout,
	}, log, registry)

	serveMetrics(cfg.MetricsListenAddress, registry, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		log.Debug().Err(err).Msg("systemd notify failed, likely not running under systemd")
	}
	log.Info().
		Str("ingress", ingress.LocalAddr().String()).
		Str("backend", cfg.Backend().String()).
		Dur("idle_timeout", cfg.SessionTimeout).
		Msg("udpproxy ready")

	return p.Run(ctx)
}

func parseConfig(c *cli.Context) (config.Config, error) {
	sourceAddr, err := netip.ParseAddr(c.String(flagSourceAddress))
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid %s: %w", flagSourceAddress, err)
	}
	destAddr, err := netip.ParseAddr(c.String(flagDestAddress))
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid %s: %w", flagDestAddress, err)
	}

	port := c.Int(flagDestinationPort)
	if port < 1 || port > 65535 {
		return config.Config{}, fmt.Errorf("%s must be between 1 and 65535, got %d", flagDestinationPort, port)
	}

	cfg := config.Config{
		SourceAddr:           sourceAddr,
		DestinationAddr:      destAddr,
		DestinationPort:      uint16(port),
		SessionTimeout:       c.Duration(flagSessionTimeout),
		LogLevel:             c.String(flagLogLevel),
		Dev:                  c.Bool(flagDev),
		MetricsListenAddress: c.String(flagMetricsListen),
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// serveMetrics starts the Prometheus HTTP endpoint in the background. A
// failure here is logged but is not fatal to the proxy itself: metrics
// are observability, not part of the datagram path.
func serveMetrics(addr string, registry *prometheus.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("failed to start metrics listener")
		return
	}

	go func() {
		if err := http.Serve(listener, mux); err != nil {
			log.Debug().Err(err).Msg("metrics server stopped")
		}
	}()
}
