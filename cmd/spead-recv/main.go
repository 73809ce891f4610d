// Package main implements the SPEAD receiver daemon: it reassembles
// heaps arriving over UDP, websocket, or kernel-bypass readers and
// forwards them to NATS.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sakthipriyas/spead2/config"
	"github.com/sakthipriyas/spead2/forward"
	"github.com/sakthipriyas/spead2/metric"
	"github.com/sakthipriyas/spead2/natsclient"
	"github.com/sakthipriyas/spead2/pkg/worker"
	"github.com/sakthipriyas/spead2/recv"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "spead-recv"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.json", "path to JSON configuration")
	validate := flag.Bool("validate", false, "validate configuration and exit")
	logFormat := flag.String("log-format", "json", "log format: json or text")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *validate {
		slog.Info("Configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.LogLevel, *logFormat)
	slog.SetDefault(logger)

	// Metrics
	var registry *metric.MetricsRegistry
	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		registry = metric.NewMetricsRegistry()
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer func() { _ = metricsServer.Stop() }()
		logger.Info("metrics server started", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	// Shared executor
	exec := worker.NewPool(runtime.NumCPU(), 256)
	if err := exec.Start(); err != nil {
		return err
	}
	defer func() { _ = exec.Stop(5 * time.Second) }()

	// Ring stream
	stream, err := recv.NewRingStream(recv.RingStreamConfig{
		StreamConfig: recv.StreamConfig{
			Name:            cfg.Stream.Name,
			BugCompat:       recv.BugCompatMask(cfg.Stream.BugCompat),
			MaxHeaps:        cfg.Stream.MaxHeaps,
			Exec:            exec,
			MetricsRegistry: registry,
			Logger:          logger.With("component", "stream", "name", cfg.Stream.Name),
		},
		RingHeaps:       cfg.Stream.RingHeaps,
		AllowIncomplete: cfg.Stream.AllowIncomplete,
	})
	if err != nil {
		return err
	}

	if err := attachReaders(stream, cfg, logger); err != nil {
		stream.Stop()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// NATS forwarder
	var forwarder *forward.Forwarder
	var nc *natsclient.Client
	if cfg.NATS.Enabled {
		nc, err = natsclient.NewClient(cfg.NATS.URL,
			natsclient.WithClientName(appName),
			natsclient.WithMetricsRegistry(registry),
			natsclient.WithLogger(logger.With("component", "natsclient")),
		)
		if err != nil {
			stream.Stop()
			return err
		}
		if err := nc.Connect(ctx); err != nil {
			stream.Stop()
			return err
		}
		defer func() { _ = nc.Close() }()

		forwarder, err = forward.NewForwarder(stream, nc, forward.Config{
			Subject: cfg.NATS.Subject,
			Logger:  logger.With("component", "forwarder"),
		})
		if err != nil {
			stream.Stop()
			return err
		}
		forwarder.Start(ctx)
	}

	logger.Info("receiver running",
		"readers", len(cfg.Readers),
		"bypass_types", recv.BypassTypes())

	// Wait for a signal or for the stream to end on its own
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case <-streamDone(forwarder):
		logger.Info("stream ended, shutting down")
	}

	stream.Stop()
	if forwarder != nil {
		forwarder.Stop()
		forwarded, failed := forwarder.Stats()
		logger.Info("forwarder stats", "forwarded", forwarded, "failed", failed)
	}
	return nil
}

// streamDone adapts the forwarder's completion to a select; with no
// forwarder the channel never fires and shutdown waits for a signal
func streamDone(f *forward.Forwarder) <-chan struct{} {
	if f == nil {
		return nil
	}
	return f.Done()
}

func attachReaders(stream *recv.RingStream, cfg *config.Config, logger *slog.Logger) error {
	for i, rc := range cfg.Readers {
		var err error
		switch rc.Type {
		case "udp":
			err = stream.AddUDPReader(recv.UDPReaderConfig{
				Endpoint:         rc.Endpoint,
				MaxSize:          rc.MaxSize,
				BufferSize:       rc.BufferSize,
				MmsgCount:        rc.MmsgCount,
				InterfaceAddress: rc.InterfaceAddress,
				InterfaceIndex:   rc.InterfaceIndex,
				Logger:           logger.With("component", "udp-reader", "endpoint", rc.Endpoint),
			})
		case "bypass":
			var ep netip.AddrPort
			ep, err = netip.ParseAddrPort(rc.Endpoint)
			if err == nil {
				err = stream.AddBypassReader(rc.Technology, rc.Interface, ep)
			}
		case "websocket":
			err = stream.AddWebsocketReader(recv.WebsocketReaderConfig{
				URL:    rc.URL,
				Logger: logger.With("component", "websocket-reader", "url", rc.URL),
			})
		}
		if err != nil {
			return fmt.Errorf("reader %d (%s): %w", i, rc.Type, err)
		}
		logger.Info("reader attached", "index", i, "type", rc.Type)
	}
	return nil
}
