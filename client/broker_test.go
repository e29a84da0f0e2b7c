// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxclient/incoming"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

type brokerConfig struct {
	connack     byte
	rejectSubs  bool
	ignorePings bool
}

// fakeBroker answers CONNECT, SUBSCRIBE, UNSUBSCRIBE and PINGREQ and records
// every packet it receives.
type fakeBroker struct {
	cfg      brokerConfig
	ln       net.Listener
	received chan packets.ControlPacket
	wg       sync.WaitGroup

	mu   sync.Mutex
	conn net.Conn
}

func newFakeBroker(t *testing.T, cfg brokerConfig) *fakeBroker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &fakeBroker{
		cfg:      cfg,
		ln:       ln,
		received: make(chan packets.ControlPacket, 100),
	}
	b.wg.Add(1)
	go b.serve()

	t.Cleanup(func() {
		ln.Close()
		b.closeConn()
		b.wg.Wait()
	})
	return b
}

func (b *fakeBroker) addr() string {
	return "tcp://" + b.ln.Addr().String()
}

func (b *fakeBroker) serve() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		b.wg.Add(1)
		go b.handle(conn)
	}
}

func (b *fakeBroker) handle(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		pkt, err := packets.ReadPacket(r)
		if err != nil {
			return
		}

		switch p := pkt.(type) {
		case *packets.ConnectPacket:
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = b.cfg.connack
			b.send(ack)
		case *packets.SubscribePacket:
			ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			ack.MessageID = p.MessageID
			for _, qos := range p.Qoss {
				if b.cfg.rejectSubs {
					qos = subackFailure
				}
				ack.ReturnCodes = append(ack.ReturnCodes, qos)
			}
			b.send(ack)
		case *packets.UnsubscribePacket:
			ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
			ack.MessageID = p.MessageID
			b.send(ack)
		case *packets.PingreqPacket:
			if !b.cfg.ignorePings {
				b.send(packets.NewControlPacket(packets.Pingresp))
			}
		}

		select {
		case b.received <- pkt:
		default:
		}
	}
}

func (b *fakeBroker) send(pkt packets.ControlPacket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		pkt.Write(b.conn)
	}
}

func (b *fakeBroker) publish(topic string, payload string, qos byte, id uint16) {
	pkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pkt.TopicName = topic
	pkt.Payload = []byte(payload)
	pkt.Qos = qos
	pkt.MessageID = id
	b.send(pkt)
}

func (b *fakeBroker) pubrel(id uint16) {
	pkt := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	pkt.MessageID = id
	b.send(pkt)
}

func (b *fakeBroker) closeConn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
	}
}

// expectPacket waits for the next received packet of type T.
func expectPacket[T packets.ControlPacket](t *testing.T, b *fakeBroker) T {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case pkt := <-b.received:
			if p, ok := pkt.(T); ok {
				return p
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// expectNoPacket fails if a packet of type T is received within d.
func expectNoPacket[T packets.ControlPacket](t *testing.T, b *fakeBroker, d time.Duration) {
	t.Helper()

	timeout := time.After(d)
	for {
		select {
		case pkt := <-b.received:
			if _, ok := pkt.(T); ok {
				t.Fatalf("unexpected %s", pkt.String())
			}
		case <-timeout:
			return
		}
	}
}

// chanSub forwards subscriber signals to channels.
type chanSub struct {
	deliveries chan incoming.Delivery
	done       chan error
}

func newChanSub() *chanSub {
	return &chanSub{
		deliveries: make(chan incoming.Delivery, 100),
		done:       make(chan error, 1),
	}
}

func (s *chanSub) OnNext(d incoming.Delivery) {
	s.deliveries <- d
}

func (s *chanSub) OnComplete() {
	s.done <- nil
}

func (s *chanSub) OnError(err error) {
	s.done <- err
}

func (s *chanSub) next(t *testing.T) incoming.Delivery {
	t.Helper()
	select {
	case d := <-s.deliveries:
		return d
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a delivery")
		return incoming.Delivery{}
	}
}

func (s *chanSub) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case got := <-s.deliveries:
		t.Fatalf("unexpected delivery on %s", got.Message.Topic)
	case <-time.After(d):
	}
}

func (s *chanSub) completion(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}
