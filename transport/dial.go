// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport opens client connections to MQTT brokers.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrUnsupportedScheme is returned for server URLs with an unknown scheme.
var ErrUnsupportedScheme = errors.New("unsupported server scheme (must be tcp, tls, ssl, ws or wss)")

// Dial connects to server. Supported forms are host:port (plain TCP),
// tcp://, mqtt://, tls://, ssl://, mqtts://, ws:// and wss:// URLs.
// tlsConfig is used for the secure schemes; nil means the system defaults.
func Dial(ctx context.Context, server string, tlsConfig *tls.Config, timeout time.Duration) (net.Conn, error) {
	if !strings.Contains(server, "://") {
		server = "tcp://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", server, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch strings.ToLower(u.Scheme) {
	case "tcp", "mqtt":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", hostPort(u, "1883"))
	case "tls", "ssl", "mqtts":
		d := tls.Dialer{Config: tlsFor(tlsConfig, u)}
		return d.DialContext(ctx, "tcp", hostPort(u, "8883"))
	case "ws":
		return dialWebSocket(ctx, u, nil)
	case "wss":
		return dialWebSocket(ctx, u, tlsFor(tlsConfig, u))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func hostPort(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}

func tlsFor(cfg *tls.Config, u *url.URL) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = u.Hostname()
	}
	return cfg
}
