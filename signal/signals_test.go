package signal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendToHandler(t *testing.T) {
	var received []byte
	SetSignalHandler(func(data []byte) {
		received = data
	})
	defer ResetSignalHandler()

	Send(StatusChanged, map[string]string{"state": "ready"})

	var envelope struct {
		Type  string            `json:"type"`
		Event map[string]string `json:"event"`
	}
	require.NoError(t, json.Unmarshal(received, &envelope))
	require.Equal(t, StatusChanged, envelope.Type)
	require.Equal(t, "ready", envelope.Event["state"])
}

func TestSubscribe(t *testing.T) {
	ch := make(chan Envelope, 1)
	sub := Subscribe(ch)
	defer sub.Unsubscribe()

	Send(StatusChanged, "waiting-for-card")

	envelope := <-ch
	require.Equal(t, StatusChanged, envelope.Type)
	require.Equal(t, "waiting-for-card", envelope.Event)
}

func TestSendWithoutHandler(t *testing.T) {
	ResetSignalHandler()
	require.NotPanics(t, func() {
		Send(StatusChanged, nil)
	})
}
