// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxclient/incoming"
	"github.com/absmach/fluxclient/topics"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the MQTT subscriber.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Inbound   InboundConfig   `yaml:"inbound"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ClientConfig holds connection settings.
type ClientConfig struct {
	Servers  []string `yaml:"servers"` // tcp://, tls://, ws:// or wss:// URLs
	ClientID string   `yaml:"client_id"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`

	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	CleanSession   bool          `yaml:"clean_session"`

	TLS            TLSConfig            `yaml:"tls"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// TLSConfig holds TLS settings for tls:// and wss:// servers.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// CircuitBreakerConfig holds per-server circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// SubscriptionConfig is a filter subscribed on connect.
type SubscriptionConfig struct {
	Filter string `yaml:"filter"`
	QoS    byte   `yaml:"qos"`
}

// InboundConfig holds settings of incoming publish dispatch.
type InboundConfig struct {
	// Maximum number of queued QoS 1 and 2 (and QoS 0) publishes.
	ReceiveMaximum int    `yaml:"receive_maximum"`
	QoS0DropPolicy string `yaml:"qos0_drop_policy"` // oldest, newest
	ManualAck      bool   `yaml:"manual_ack"`
	InitialDemand  int64  `yaml:"initial_demand"` // 0 means unbounded
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Servers:        []string{"tcp://localhost:1883"},
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 30 * time.Second,
			WriteTimeout:   10 * time.Second,
			AckTimeout:     10 * time.Second,
			CleanSession:   true,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
		Inbound: InboundConfig{
			ReceiveMaximum: incoming.DefaultReceiveMaximum,
			QoS0DropPolicy: "oldest",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxsub",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Client.Servers) == 0 {
		return fmt.Errorf("client.servers cannot be empty")
	}
	for i, s := range c.Client.Servers {
		if s == "" {
			return fmt.Errorf("client.servers[%d] cannot be empty", i)
		}
	}
	if c.Client.KeepAlive < 0 || c.Client.KeepAlive > 65535*time.Second {
		return fmt.Errorf("client.keep_alive must be between 0 and 65535 seconds")
	}
	if c.Client.ConnectTimeout <= 0 {
		return fmt.Errorf("client.connect_timeout must be positive")
	}
	if c.Client.AckTimeout <= 0 {
		return fmt.Errorf("client.ack_timeout must be positive")
	}
	if c.Client.Password != "" && c.Client.Username == "" {
		return fmt.Errorf("client.password requires client.username")
	}
	if (c.Client.TLS.CertFile == "") != (c.Client.TLS.KeyFile == "") {
		return fmt.Errorf("client.tls.cert_file and client.tls.key_file must be set together")
	}
	if c.Client.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("client.circuit_breaker.failure_threshold must be at least 1")
	}
	for i, sub := range c.Client.Subscriptions {
		if err := topics.ValidateTopicFilter(sub.Filter); err != nil {
			return fmt.Errorf("client.subscriptions[%d].filter: %w", i, err)
		}
		if sub.QoS > 2 {
			return fmt.Errorf("client.subscriptions[%d].qos must be 0, 1 or 2", i)
		}
	}

	if c.Inbound.ReceiveMaximum < 1 || c.Inbound.ReceiveMaximum > 65535 {
		return fmt.Errorf("inbound.receive_maximum must be between 1 and 65535")
	}
	if _, err := incoming.ParseDropPolicy(c.Inbound.QoS0DropPolicy); err != nil {
		return fmt.Errorf("inbound.qos0_drop_policy: %w", err)
	}
	if c.Inbound.InitialDemand < 0 {
		return fmt.Errorf("inbound.initial_demand cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint required when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty")
		}
	}
	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
