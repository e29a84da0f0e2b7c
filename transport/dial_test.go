// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	defer func() {
		ln.Close()
		<-done
	}()

	addr := ln.Addr().String()
	for _, server := range []string{addr, "tcp://" + addr, "mqtt://" + addr} {
		conn, err := Dial(context.Background(), server, nil, time.Second)
		require.NoError(t, err, server)
		conn.Close()
	}
}

func TestDialUnsupportedScheme(t *testing.T) {
	_, err := Dial(context.Background(), "quic://localhost:1883", nil, time.Second)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, nil, time.Second)
	assert.Error(t, err)
}

func TestHostPort(t *testing.T) {
	cases := []struct {
		server string
		def    string
		want   string
	}{
		{server: "tcp://broker", def: "1883", want: "broker:1883"},
		{server: "tcp://broker:1884", def: "1883", want: "broker:1884"},
		{server: "tls://broker", def: "8883", want: "broker:8883"},
		{server: "tcp://[::1]", def: "1883", want: "[::1]:1883"},
	}

	for _, tc := range cases {
		u, err := url.Parse(tc.server)
		require.NoError(t, err)
		assert.Equal(t, tc.want, hostPort(u, tc.def))
	}
}

func newWSServer(t *testing.T, handle func(*websocket.Conn)) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mqtt" {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDialWebSocket(t *testing.T) {
	srv := newWSServer(t, func(ws *websocket.Conn) {
		assert.Equal(t, Subprotocol, ws.Subprotocol())
		for {
			typ, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(typ, data); err != nil {
				return
			}
		}
	})

	conn, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x10, 0x02, 0x00, 0x04})
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x02, 0x00, 0x04}, buf)
}

func TestWebSocketStreamSpansMessages(t *testing.T) {
	srv := newWSServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("ab"))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("cdef"))
		_, _, _ = ws.ReadMessage()
	})

	conn, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/mqtt", nil, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 3)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "def", string(buf))
}

func TestWebSocketRejectsText(t *testing.T) {
	srv := newWSServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		_, _, _ = ws.ReadMessage()
	})

	conn, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Read(make([]byte, 8))
	assert.ErrorIs(t, err, errTextFrame)
}
