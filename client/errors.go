// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoServers        = errors.New("no servers configured")
	ErrInvalidKeepAlive = errors.New("keep alive must be between 0 and 65535 seconds")
	ErrInvalidWill      = errors.New("will requires a topic name and a QoS of 0, 1 or 2")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrClientClosed     = errors.New("client has been closed")
	ErrPingTimeout      = errors.New("no response to keep alive ping")

	// Operation errors.
	ErrTimeout         = errors.New("operation timed out")
	ErrMaxInflight     = errors.New("maximum inflight operations exceeded")
	ErrInvalidQoS      = errors.New("invalid QoS level (must be 0, 1, or 2)")
	ErrSubscribeFailed = errors.New("subscription rejected by broker")

	// Protocol errors.
	ErrReceiveMaximumExceeded = errors.New("broker exceeded the receive maximum")
	ErrUnexpectedPacket       = errors.New("unexpected packet type")
)

// ConnAckCode represents MQTT CONNACK return codes.
type ConnAckCode byte

// MQTT 3.1.1 CONNACK return codes.
const (
	ConnAccepted           ConnAckCode = 0x00
	ConnRefusedProtocol    ConnAckCode = 0x01
	ConnRefusedIDRejected  ConnAckCode = 0x02
	ConnRefusedUnavailable ConnAckCode = 0x03
	ConnRefusedBadAuth     ConnAckCode = 0x04
	ConnRefusedNotAuth     ConnAckCode = 0x05
)

// String returns a human-readable description of the CONNACK code.
func (c ConnAckCode) String() string {
	switch c {
	case ConnAccepted:
		return "connection accepted"
	case ConnRefusedProtocol:
		return "unacceptable protocol version"
	case ConnRefusedIDRejected:
		return "client identifier rejected"
	case ConnRefusedUnavailable:
		return "server unavailable"
	case ConnRefusedBadAuth:
		return "bad username or password"
	case ConnRefusedNotAuth:
		return "not authorized"
	default:
		return "unknown error"
	}
}

// Error implements the error interface.
func (c ConnAckCode) Error() string {
	return "connection refused: " + c.String()
}
