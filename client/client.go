// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements an MQTT 3.1.1 subscriber. Received publishes are
// dispatched through an incoming.Service running on a single event loop, so
// every subscription is a demand-driven incoming.Flow.
//
// Subscriber callbacks run on the event loop and must not call the blocking
// Client methods. Flow.Request, Flow.Cancel and Delivery.Ack may be called
// from anywhere.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxclient/eventloop"
	"github.com/absmach/fluxclient/incoming"
	"github.com/absmach/fluxclient/topics"
	"github.com/absmach/fluxclient/transport"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/absmach/fluxclient/client"

	protocolName    = "MQTT"
	protocolVersion = 4

	subackFailure = 0x80
)

// Client is a thread-safe MQTT subscriber.
type Client struct {
	opts   *Options
	logger *slog.Logger
	tracer trace.Tracer

	// State management
	state *stateManager

	// Pending subscribe and unsubscribe operations
	pending *pendingStore

	// Event loop and everything confined to it
	loop  *eventloop.Loop
	flows *incoming.Flows
	svc   *incoming.Service
	qos   *qosHandler

	// Connection
	cn     *connection
	connMu sync.Mutex

	// One breaker per server, round-robin across servers
	breakers  []*gobreaker.CircuitBreaker
	serverIdx atomic.Uint32

	closed chan struct{}
}

// connection is a single network connection and the goroutines serving it.
type connection struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	lastRead  atomic.Int64
	lastWrite atomic.Int64
}

// New creates a new MQTT client with the given options.
func New(opts *Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	c := &Client{
		opts:    opts,
		logger:  opts.Logger,
		tracer:  tp.Tracer(tracerName),
		state:   newStateManager(),
		pending: newPendingStore(opts.MaxInflight),
		loop:    eventloop.New(opts.Logger),
		flows:   incoming.NewFlows(),
		closed:  make(chan struct{}),
	}
	c.qos = newQoSHandler(c.send, opts.Logger)

	svc, err := incoming.NewService(incoming.Config{
		Executor:   c.loop,
		Acker:      c.qos,
		Matcher:    c.flows,
		DropPolicy: opts.QoS0DropPolicy,
		Logger:     opts.Logger,
		Recorder:   opts.Recorder,
	})
	if err != nil {
		return nil, err
	}
	c.svc = svc

	c.breakers = make([]*gobreaker.CircuitBreaker, len(opts.Servers))
	for i, server := range opts.Servers {
		c.breakers[i] = c.newBreaker(server)
	}

	c.loop.Start()
	return c, nil
}

func (c *Client) newBreaker(server string) *gobreaker.CircuitBreaker {
	threshold := c.opts.BreakerFailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        server,
		MaxRequests: 1,
		Timeout:     c.opts.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("connection circuit breaker state changed",
				slog.String("server", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// Connect establishes a connection to the first reachable broker.
func (c *Client) Connect(ctx context.Context) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if !c.state.transition(StateDisconnected, StateConnecting) {
		return ErrAlreadyConnected
	}

	cn, err := c.dialServers(ctx)
	if err != nil {
		c.state.transition(StateConnecting, StateDisconnected)
		return err
	}

	cn.wg.Add(2)
	c.connMu.Lock()
	c.cn = cn
	c.connMu.Unlock()
	go c.readLoop(cn)
	go c.keepAlive(cn)

	if !c.state.transition(StateConnecting, StateConnected) {
		cn.close()
		return ErrClientClosed
	}
	// The read loop may have failed before the state changed.
	select {
	case <-cn.stop:
		c.connectionLost(cn, net.ErrClosed)
		return ErrConnectionLost
	default:
	}

	if c.opts.OnConnect != nil {
		go c.opts.OnConnect()
	}
	return nil
}

func (c *Client) dialServers(ctx context.Context) (*connection, error) {
	n := uint32(len(c.opts.Servers))
	start := c.serverIdx.Load()

	var errs error
	for i := uint32(0); i < n; i++ {
		idx := (start + i) % n
		server := c.opts.Servers[idx]

		res, err := c.breakers[idx].Execute(func() (interface{}, error) {
			return c.connectToServer(ctx, server)
		})
		if err == nil {
			c.serverIdx.Store(idx)
			c.logger.Info("connected to broker", slog.String("server", server))
			return res.(*connection), nil
		}

		c.logger.Warn("failed to connect to broker",
			slog.String("server", server),
			slog.String("error", err.Error()))
		errs = errors.Join(errs, fmt.Errorf("%s: %w", server, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrConnectFailed, errs)
}

func (c *Client) connectToServer(ctx context.Context, server string) (*connection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := transport.Dial(ctx, server, c.opts.TLSConfig, c.opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	cn := newConnection(conn)
	if err := c.connectPacket().Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send connect: %w", err)
	}

	resp, err := packets.ReadPacket(cn.reader)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read connack: %w", err)
	}
	ack, ok := resp.(*packets.ConnackPacket)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPacket, resp.String())
	}
	if code := ConnAckCode(ack.ReturnCode); code != ConnAccepted {
		conn.Close()
		return nil, code
	}

	conn.SetDeadline(time.Time{})
	now := time.Now().UnixNano()
	cn.lastRead.Store(now)
	cn.lastWrite.Store(now)
	return cn, nil
}

func (c *Client) connectPacket() *packets.ConnectPacket {
	pkt := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	pkt.ProtocolName = protocolName
	pkt.ProtocolVersion = protocolVersion
	pkt.ClientIdentifier = c.opts.ClientID
	pkt.CleanSession = c.opts.CleanSession
	pkt.Keepalive = uint16(c.opts.KeepAlive / time.Second)

	if c.opts.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.opts.Username
	}
	if c.opts.Password != "" {
		pkt.PasswordFlag = true
		pkt.Password = []byte(c.opts.Password)
	}
	if w := c.opts.Will; w != nil {
		pkt.WillFlag = true
		pkt.WillTopic = w.Topic
		pkt.WillMessage = w.Payload
		pkt.WillQos = w.QoS
		pkt.WillRetain = w.Retain
	}
	return pkt
}

// Disconnect sends DISCONNECT and closes the connection. Queued messages are
// discarded and every flow completes normally.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.state.transition(StateConnected, StateDisconnecting) {
		return ErrNotConnected
	}

	cn := c.current()
	err := cn.write(packets.NewControlPacket(packets.Disconnect), c.opts.WriteTimeout)
	cn.close()
	cn.wg.Wait()

	c.pending.clear(ErrNotConnected)
	if terr := c.run(ctx, func() error {
		c.reset(nil)
		return nil
	}); terr != nil {
		err = errors.Join(err, terr)
	}
	c.state.transition(StateDisconnecting, StateDisconnected)
	return err
}

// Close disconnects if connected, fails every flow with ErrClientClosed and
// stops the event loop. A closed client cannot be reused.
func (c *Client) Close(ctx context.Context) error {
	prev := c.state.swap(StateClosed)
	if prev == StateClosed {
		return ErrClientClosed
	}
	close(c.closed)

	if cn := c.current(); cn != nil {
		if prev == StateConnected {
			if err := cn.write(packets.NewControlPacket(packets.Disconnect), c.opts.WriteTimeout); err != nil {
				c.logger.Debug("failed to send disconnect", slog.String("error", err.Error()))
			}
		}
		cn.close()
		cn.wg.Wait()
	}

	c.pending.clear(ErrClientClosed)
	c.loop.Execute(func() {
		c.reset(ErrClientClosed)
	})
	return c.loop.Stop(ctx)
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// State returns the current client state.
func (c *Client) State() State {
	return c.state.get()
}

// Subscribe subscribes to filter and returns the flow delivering the matching
// publishes. The flow has no demand until Flow.Request is called. With
// manualAck, QoS 1 and 2 publishes are acknowledged to the broker only after
// every delivery was acknowledged with Delivery.Ack.
//
// If the broker rejects the subscription, sub receives OnError and the error
// is returned.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte, sub incoming.Subscriber, manualAck bool) (*incoming.Flow, error) {
	if qos > 2 {
		return nil, ErrInvalidQoS
	}
	if err := topics.ValidateTopicFilter(filter); err != nil {
		return nil, err
	}
	if !c.state.isConnected() {
		return nil, ErrNotConnected
	}

	var flow *incoming.Flow
	if err := c.run(ctx, func() error {
		flow = c.svc.NewFlow(sub, manualAck)
		return c.flows.Subscribe(filter, flow)
	}); err != nil {
		return nil, err
	}

	if err := c.subscribe(ctx, filter, qos); err != nil {
		c.loop.Execute(func() {
			c.flows.Remove(flow)
			flow.Complete(err)
		})
		return nil, err
	}
	return flow, nil
}

// SubscribeAll returns a flow receiving every publish, whatever subscription
// it matched. It sends nothing to the broker.
func (c *Client) SubscribeAll(ctx context.Context, sub incoming.Subscriber, manualAck bool) (*incoming.Flow, error) {
	return c.subscribeGlobal(ctx, incoming.GlobalAll, sub, manualAck)
}

// SubscribeRemaining returns a flow receiving the publishes no subscription
// matched. It sends nothing to the broker.
func (c *Client) SubscribeRemaining(ctx context.Context, sub incoming.Subscriber, manualAck bool) (*incoming.Flow, error) {
	return c.subscribeGlobal(ctx, incoming.GlobalRemaining, sub, manualAck)
}

func (c *Client) subscribeGlobal(ctx context.Context, kind incoming.GlobalKind, sub incoming.Subscriber, manualAck bool) (*incoming.Flow, error) {
	if c.state.isClosed() {
		return nil, ErrClientClosed
	}
	var flow *incoming.Flow
	err := c.run(ctx, func() error {
		flow = c.svc.NewFlow(sub, manualAck)
		c.flows.SubscribeGlobal(kind, flow)
		return nil
	})
	return flow, err
}

func (c *Client) subscribe(ctx context.Context, filter string, qos byte) error {
	op, err := c.pending.add(pendingSubscribe)
	if err != nil {
		return err
	}

	pkt := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	pkt.MessageID = op.id
	pkt.Topics = []string{filter}
	pkt.Qoss = []byte{qos}

	if err := c.send(pkt); err != nil {
		c.pending.remove(op.id)
		return err
	}
	if err := op.wait(ctx, c.opts.AckTimeout); err != nil {
		c.pending.remove(op.id)
		return err
	}
	return nil
}

// Unsubscribe unsubscribes from the given filters. Flows left without any
// filter complete once their queued messages were delivered.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return nil
	}
	if !c.state.isConnected() {
		return ErrNotConnected
	}

	op, err := c.pending.add(pendingUnsubscribe)
	if err != nil {
		return err
	}

	pkt := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
	pkt.MessageID = op.id
	pkt.Topics = filters

	if err := c.send(pkt); err != nil {
		c.pending.remove(op.id)
		return err
	}
	if err := op.wait(ctx, c.opts.AckTimeout); err != nil {
		c.pending.remove(op.id)
		return err
	}

	return c.run(ctx, func() error {
		for _, filter := range filters {
			c.flows.Unsubscribe(filter)
		}
		return nil
	})
}

// run executes fn on the event loop and waits for its result.
func (c *Client) run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	c.loop.Execute(func() {
		done <- fn()
	})

	select {
	case err := <-done:
		return err
	case <-c.closed:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reset drops every queued message and in-flight handshake and completes
// every flow with err. Runs on the event loop.
func (c *Client) reset(err error) {
	c.qos.reset()
	c.svc.Reset()
	c.flows.Clear(err)
}

func (c *Client) current() *connection {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.cn
}

func (c *Client) send(pkt packets.ControlPacket) error {
	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	return cn.write(pkt, c.opts.WriteTimeout)
}

func (c *Client) readLoop(cn *connection) {
	defer cn.wg.Done()

	for {
		pkt, err := packets.ReadPacket(cn.reader)
		if err != nil {
			c.connectionLost(cn, err)
			return
		}
		cn.lastRead.Store(time.Now().UnixNano())
		c.handlePacket(cn, pkt)
	}
}

func (c *Client) handlePacket(cn *connection, pkt packets.ControlPacket) {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		c.handlePublish(cn, p)
	case *packets.PubrelPacket:
		id := p.MessageID
		c.loop.Execute(func() {
			c.qos.release(id)
		})
	case *packets.SubackPacket:
		var err error
		for _, rc := range p.ReturnCodes {
			if rc == subackFailure {
				err = ErrSubscribeFailed
			}
		}
		c.pending.complete(p.MessageID, pendingSubscribe, err, p.ReturnCodes)
	case *packets.UnsubackPacket:
		c.pending.complete(p.MessageID, pendingUnsubscribe, nil, nil)
	case *packets.PingrespPacket:
	default:
		c.logger.Debug("ignoring unexpected packet", slog.String("packet", pkt.String()))
	}
}

func (c *Client) handlePublish(cn *connection, p *packets.PublishPacket) {
	msg := &incoming.Message{
		Topic:     p.TopicName,
		Payload:   p.Payload,
		QoS:       p.Qos,
		Retain:    p.Retain,
		Dup:       p.Dup,
		PacketID:  p.MessageID,
		Timestamp: time.Now(),
	}

	_, span := c.tracer.Start(context.Background(), "mqtt.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("mqtt.topic", msg.Topic),
			attribute.Int("mqtt.qos", int(msg.QoS)),
			attribute.Int("mqtt.payload_size", len(msg.Payload)),
		))

	c.loop.Execute(func() {
		defer span.End()

		receiveMaximum := int(c.opts.ReceiveMaximum)
		if msg.QoS == 0 {
			c.svc.AdmitQoS0(msg, receiveMaximum)
			return
		}
		if !c.qos.track(msg) {
			span.SetAttributes(attribute.Bool("mqtt.duplicate", true))
			return
		}
		if !c.svc.AdmitQoS1Or2(msg, receiveMaximum) {
			c.qos.forget(msg.PacketID)
			span.SetStatus(codes.Error, ErrReceiveMaximumExceeded.Error())
			c.logger.Error("broker exceeded the receive maximum",
				slog.String("topic", msg.Topic),
				slog.Int("receive_maximum", receiveMaximum))
			c.connectionLost(cn, ErrReceiveMaximumExceeded)
		}
	})
}

func (c *Client) keepAlive(cn *connection) {
	defer cn.wg.Done()

	if c.opts.KeepAlive <= 0 {
		return
	}
	interval := c.opts.KeepAlive / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cn.stop:
			return
		case now := <-ticker.C:
			sinceRead := now.Sub(time.Unix(0, cn.lastRead.Load()))
			if sinceRead > c.opts.KeepAlive+c.opts.PingTimeout {
				c.connectionLost(cn, ErrPingTimeout)
				return
			}
			sinceWrite := now.Sub(time.Unix(0, cn.lastWrite.Load()))
			if sinceRead < interval && sinceWrite < interval {
				continue
			}
			if err := cn.write(packets.NewControlPacket(packets.Pingreq), c.opts.WriteTimeout); err != nil {
				c.connectionLost(cn, err)
				return
			}
		}
	}
}

// connectionLost tears down cn after a read, write or protocol failure.
// Every flow fails with an error wrapping ErrConnectionLost and cause.
func (c *Client) connectionLost(cn *connection, cause error) {
	cn.close()
	if c.current() != cn || !c.state.transition(StateConnected, StateDisconnected) {
		return
	}

	c.logger.Warn("connection lost", slog.String("error", cause.Error()))
	err := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	c.pending.clear(err)
	c.loop.Execute(func() {
		c.reset(err)
	})

	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(err)
	}
}

func newConnection(conn net.Conn) *connection {
	return &connection{
		conn:   conn,
		reader: bufio.NewReader(conn),
		stop:   make(chan struct{}),
	}
}

func (cn *connection) write(pkt packets.ControlPacket, timeout time.Duration) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()

	if timeout > 0 {
		cn.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := pkt.Write(cn.conn); err != nil {
		return err
	}
	cn.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (cn *connection) close() {
	cn.closeOnce.Do(func() {
		close(cn.stop)
		cn.conn.Close()
	})
}
