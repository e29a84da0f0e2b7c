// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package incoming

import "time"

// Message represents an MQTT publish received from the broker.
// It is shared by every flow the publish is delivered to and must not be
// modified after it was admitted.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retain    bool
	Dup       bool
	PacketID  uint16
	Timestamp time.Time
}

// NewMessage creates a new message with the given parameters.
func NewMessage(topic string, payload []byte, qos byte, retain bool) *Message {
	return &Message{
		Topic:     topic,
		Payload:   payload,
		QoS:       qos,
		Retain:    retain,
		Timestamp: time.Now(),
	}
}

// Delivery is a message handed to a single subscriber.
type Delivery struct {
	Message *Message

	confirm confirmer
}

// Ack acknowledges the delivery. It is only meaningful for flows created with
// manual acknowledgement: the broker is acknowledged once every flow the
// message was delivered to has acknowledged it, in arrival order.
//
// A second call returns ErrAlreadyAcknowledged. Deliveries to flows without
// manual acknowledgement return ErrAutoAcknowledged.
func (d Delivery) Ack() error {
	if d.confirm == nil {
		return ErrAutoAcknowledged
	}
	return d.confirm.confirm()
}
