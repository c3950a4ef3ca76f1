package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hsmcard/hsmcard-go/signal"
)

func TestSignalsAreForwarded(t *testing.T) {
	srv := NewServer(zap.NewNop())
	srv.Setup()
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve()
	defer srv.Stop(context.Background())

	port, err := srv.Port()
	require.NoError(t, err)
	require.NotZero(t, port)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Address()+"/signals", nil)
	require.NoError(t, err)
	defer conn.Close()

	// The connection is registered once the upgrade handler returns.
	require.Eventually(t, func() bool {
		srv.connectionsLock.Lock()
		defer srv.connectionsLock.Unlock()
		return len(srv.connections) == 1
	}, time.Second, 10*time.Millisecond)

	signal.Send(signal.StatusChanged, map[string]string{"state": "ready"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope struct {
		Type  string            `json:"type"`
		Event map[string]string `json:"event"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	require.Equal(t, signal.StatusChanged, envelope.Type)
	require.Equal(t, "ready", envelope.Event["state"])
}

func TestListenRejectsSecondCall(t *testing.T) {
	srv := NewServer(zap.NewNop())
	require.Error(t, srv.Listen("not-an-address"))
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	require.Error(t, srv.Listen("127.0.0.1:0"))
	require.NoError(t, srv.listener.Close())
}
