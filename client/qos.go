// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"

	"github.com/absmach/fluxclient/incoming"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

type inflightState int

const (
	// The publish is queued or being delivered.
	inflightAdmitted inflightState = iota
	// PUBREC was sent and PUBREL is expected.
	inflightReceived
)

// qosHandler runs the receiver side of the QoS 1 and 2 handshakes.
// It is confined to the event loop.
type qosHandler struct {
	send     func(packets.ControlPacket) error
	logger   *slog.Logger
	inflight map[uint16]inflightState
}

func newQoSHandler(send func(packets.ControlPacket) error, logger *slog.Logger) *qosHandler {
	return &qosHandler{
		send:     send,
		logger:   logger,
		inflight: make(map[uint16]inflightState),
	}
}

// track registers a QoS 1 or 2 publish. It returns false for a redelivery
// of a packet ID that is still in flight; such a publish must not be
// dispatched again.
func (h *qosHandler) track(msg *incoming.Message) bool {
	state, ok := h.inflight[msg.PacketID]
	if !ok {
		h.inflight[msg.PacketID] = inflightAdmitted
		return true
	}
	if msg.QoS == 2 && state == inflightReceived {
		h.write(pubrec(msg.PacketID))
	}
	return false
}

// forget drops a publish that was tracked but never admitted.
func (h *qosHandler) forget(id uint16) {
	delete(h.inflight, id)
}

// Ack implements incoming.Acker.
func (h *qosHandler) Ack(_ uint64, msg *incoming.Message) {
	switch msg.QoS {
	case 1:
		delete(h.inflight, msg.PacketID)
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = msg.PacketID
		h.write(ack)
	case 2:
		h.inflight[msg.PacketID] = inflightReceived
		h.write(pubrec(msg.PacketID))
	}
}

// release completes a QoS 2 handshake. PUBCOMP is sent even for unknown
// packet IDs so a broker retrying PUBREL gets its answer.
func (h *qosHandler) release(id uint16) {
	if state, ok := h.inflight[id]; ok && state == inflightAdmitted {
		h.logger.Warn("pubrel received before pubrec", slog.Int("packet_id", int(id)))
		return
	}
	delete(h.inflight, id)
	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = id
	h.write(comp)
}

func (h *qosHandler) reset() {
	clear(h.inflight)
}

func (h *qosHandler) write(pkt packets.ControlPacket) {
	if err := h.send(pkt); err != nil {
		h.logger.Debug("failed to send acknowledgement",
			slog.String("packet", pkt.String()),
			slog.String("error", err.Error()))
	}
}

func pubrec(id uint16) packets.ControlPacket {
	rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
	rec.MessageID = id
	return rec
}
