// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command fluxsub subscribes to an MQTT broker and prints received messages.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxclient/client"
	"github.com/absmach/fluxclient/config"
	"github.com/absmach/fluxclient/incoming"
	mqtttls "github.com/absmach/fluxclient/pkg/tls"
	"github.com/absmach/fluxclient/telemetry"
	"go.opentelemetry.io/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	// Messages go to stdout, logs to stderr.
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("fluxsub failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tlsConfig, err := mqtttls.LoadClientConfig(cfg.Client.TLS)
	if err != nil {
		return fmt.Errorf("failed to load TLS configuration: %w", err)
	}
	policy, err := incoming.ParseDropPolicy(cfg.Inbound.QoS0DropPolicy)
	if err != nil {
		return err
	}

	opts := client.NewOptions().
		SetServers(cfg.Client.Servers...).
		SetClientID(cfg.Client.ClientID).
		SetCredentials(cfg.Client.Username, cfg.Client.Password).
		SetTLSConfig(tlsConfig).
		SetKeepAlive(cfg.Client.KeepAlive).
		SetConnectTimeout(cfg.Client.ConnectTimeout).
		SetAckTimeout(cfg.Client.AckTimeout).
		SetCleanSession(cfg.Client.CleanSession).
		SetReceiveMaximum(uint16(cfg.Inbound.ReceiveMaximum)).
		SetQoS0DropPolicy(policy).
		SetCircuitBreaker(uint32(cfg.Client.CircuitBreaker.FailureThreshold), cfg.Client.CircuitBreaker.ResetTimeout).
		SetLogger(logger)
	opts.WriteTimeout = cfg.Client.WriteTimeout
	if err := opts.Validate(); err != nil {
		return err
	}

	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		shutdown, err := telemetry.InitProvider(ctx, cfg.Telemetry, opts.ClientID)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("Failed to shutdown OpenTelemetry", "error", err)
			}
		}()
		opts.SetTracerProvider(otel.GetTracerProvider())
	}
	if cfg.Telemetry.MetricsEnabled {
		metrics, err := telemetry.NewMetrics(nil)
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		opts.SetRecorder(metrics)
	}

	lost := make(chan error, 1)
	opts.SetOnConnectionLost(func(err error) {
		lost <- err
	})

	c, err := client.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			slog.Error("Failed to close client", "error", err)
		}
	}()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	logger.Info("Connected",
		"client_id", opts.ClientID,
		"tls", mqtttls.SecurityStatus(tlsConfig))

	for _, sub := range cfg.Client.Subscriptions {
		if err := subscribe(ctx, c, sub, cfg.Inbound, os.Stdout, logger); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", sub.Filter, err)
		}
		logger.Info("Subscribed", "filter", sub.Filter, "qos", sub.QoS)
	}

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case err := <-lost:
		return err
	}

	disconnectCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return c.Disconnect(disconnectCtx)
}

// subscriber is the part of *client.Client used by subscribe.
type subscriber interface {
	Subscribe(ctx context.Context, filter string, qos byte, sub incoming.Subscriber, manualAck bool) (*incoming.Flow, error)
}

// subscribe prints every message of sub to out. With a bounded initial
// demand, one more message is requested for each message printed.
func subscribe(ctx context.Context, c subscriber, sub config.SubscriptionConfig, in config.InboundConfig, out io.Writer, logger *slog.Logger) error {
	var flow *incoming.Flow
	handlers := incoming.Handlers{
		Next: func(d incoming.Delivery) {
			fmt.Fprintf(out, "%s %s\n", d.Message.Topic, d.Message.Payload)
			if in.ManualAck && d.Message.QoS > 0 {
				if err := d.Ack(); err != nil {
					logger.Warn("failed to acknowledge message", "topic", d.Message.Topic, "error", err)
				}
			}
			if in.InitialDemand > 0 {
				flow.Request(1)
			}
		},
		Complete: func() {
			logger.Info("Subscription completed", "filter", sub.Filter)
		},
		Error: func(err error) {
			logger.Warn("Subscription failed", "filter", sub.Filter, "error", err)
		},
	}

	flow, err := c.Subscribe(ctx, sub.Filter, sub.QoS, handlers, in.ManualAck)
	if err != nil {
		return err
	}

	demand := in.InitialDemand
	if demand == 0 {
		demand = incoming.Unbounded
	}
	flow.Request(demand)
	return nil
}
