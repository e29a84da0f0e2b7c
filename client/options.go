// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/absmach/fluxclient/incoming"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Default values.
const (
	DefaultKeepAlive        = 60 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultAckTimeout       = 10 * time.Second
	DefaultPingTimeout      = 5 * time.Second
	DefaultMaxInflight      = 100
	DefaultBreakerFailures  = 5
	DefaultBreakerResetTime = 60 * time.Second
)

// WillMessage represents a last will and testament message.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Options configures the MQTT client.
type Options struct {
	// Connection
	Servers        []string      // Broker URLs (tcp://, tls://, ws://, wss://) or host:port
	ClientID       string        // Client identifier (generated when empty)
	Username       string        // Optional username
	Password       string        // Optional password
	TLSConfig      *tls.Config   // TLS configuration for tls:// and wss:// servers
	ConnectTimeout time.Duration // Timeout for connection attempts
	WriteTimeout   time.Duration // Timeout for write operations
	KeepAlive      time.Duration // Keep-alive interval (0 to disable)
	PingTimeout    time.Duration // Extra time allowed for PINGRESP

	// Session
	CleanSession bool

	// Will
	Will *WillMessage

	// Operations
	AckTimeout  time.Duration // Timeout waiting for SUBACK and UNSUBACK
	MaxInflight int           // Maximum pending subscribe and unsubscribe operations

	// Inbound
	ReceiveMaximum uint16              // Maximum queued messages per queue (0 = 65535)
	QoS0DropPolicy incoming.DropPolicy // What to discard when the QoS 0 queue is full

	// Circuit breaker guarding connection attempts, one per server.
	BreakerFailureThreshold uint32
	BreakerResetTimeout     time.Duration

	// Observability
	Logger         *slog.Logger
	Recorder       incoming.Recorder
	TracerProvider trace.TracerProvider

	// Callbacks
	OnConnect        func()      // Called on successful connection
	OnConnectionLost func(error) // Called when connection is lost
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Servers:                 []string{"localhost:1883"},
		CleanSession:            true,
		KeepAlive:               DefaultKeepAlive,
		ConnectTimeout:          DefaultConnectTimeout,
		WriteTimeout:            DefaultWriteTimeout,
		AckTimeout:              DefaultAckTimeout,
		PingTimeout:             DefaultPingTimeout,
		MaxInflight:             DefaultMaxInflight,
		ReceiveMaximum:          incoming.DefaultReceiveMaximum,
		QoS0DropPolicy:          incoming.DropOldest,
		BreakerFailureThreshold: DefaultBreakerFailures,
		BreakerResetTimeout:     DefaultBreakerResetTime,
	}
}

// SetServers sets the broker addresses.
func (o *Options) SetServers(servers ...string) *Options {
	o.Servers = servers
	return o
}

// SetClientID sets the client identifier.
func (o *Options) SetClientID(id string) *Options {
	o.ClientID = id
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetCleanSession sets the clean session flag.
func (o *Options) SetCleanSession(clean bool) *Options {
	o.CleanSession = clean
	return o
}

// SetKeepAlive sets the keep-alive interval.
func (o *Options) SetKeepAlive(d time.Duration) *Options {
	o.KeepAlive = d
	return o
}

// SetConnectTimeout sets the connection timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetAckTimeout sets the acknowledgment timeout.
func (o *Options) SetAckTimeout(d time.Duration) *Options {
	o.AckTimeout = d
	return o
}

// SetReceiveMaximum sets how many messages each inbound queue holds.
// Default is 65535 if not set.
func (o *Options) SetReceiveMaximum(max uint16) *Options {
	o.ReceiveMaximum = max
	return o
}

// SetQoS0DropPolicy sets what is discarded when the QoS 0 queue is full.
func (o *Options) SetQoS0DropPolicy(p incoming.DropPolicy) *Options {
	o.QoS0DropPolicy = p
	return o
}

// SetWill sets the last will and testament.
func (o *Options) SetWill(topic string, payload []byte, qos byte, retain bool) *Options {
	o.Will = &WillMessage{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}
	return o
}

// SetMaxInflight sets the maximum number of pending subscribe operations.
func (o *Options) SetMaxInflight(max int) *Options {
	o.MaxInflight = max
	return o
}

// SetCircuitBreaker configures the per-server connection breaker.
func (o *Options) SetCircuitBreaker(failures uint32, reset time.Duration) *Options {
	o.BreakerFailureThreshold = failures
	o.BreakerResetTimeout = reset
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetRecorder sets the dispatch metrics recorder.
func (o *Options) SetRecorder(r incoming.Recorder) *Options {
	o.Recorder = r
	return o
}

// SetTracerProvider sets the provider used to trace received publishes.
func (o *Options) SetTracerProvider(tp trace.TracerProvider) *Options {
	o.TracerProvider = tp
	return o
}

// SetOnConnect sets the connection callback.
func (o *Options) SetOnConnect(fn func()) *Options {
	o.OnConnect = fn
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// Validate checks the options for errors and fills in defaults.
func (o *Options) Validate() error {
	if len(o.Servers) == 0 {
		return ErrNoServers
	}
	if o.KeepAlive < 0 || o.KeepAlive > 65535*time.Second {
		return ErrInvalidKeepAlive
	}
	if o.Will != nil && (o.Will.Topic == "" || o.Will.QoS > 2) {
		return ErrInvalidWill
	}
	if o.QoS0DropPolicy != incoming.DropOldest && o.QoS0DropPolicy != incoming.DropNewest {
		return incoming.ErrInvalidDropPolicy
	}
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = DefaultMaxInflight
	}
	if o.ReceiveMaximum == 0 {
		o.ReceiveMaximum = incoming.DefaultReceiveMaximum
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.BreakerFailureThreshold == 0 {
		o.BreakerFailureThreshold = DefaultBreakerFailures
	}
	if o.BreakerResetTimeout <= 0 {
		o.BreakerResetTimeout = DefaultBreakerResetTime
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
