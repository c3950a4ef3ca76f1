// Package signal pushes asynchronous events (status changes, card
// connection updates) to embedders and in-process subscribers.
package signal

import (
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"
)

const (
	StatusChanged = "status-changed"
)

type Envelope struct {
	Type  string      `json:"type"`
	Event interface{} `json:"event"`
}

// Handler receives every signal as a JSON encoded Envelope.
type Handler func([]byte)

var (
	mu      sync.RWMutex
	handler Handler
	feed    event.Feed
)

func SetSignalHandler(h Handler) {
	mu.Lock()
	defer mu.Unlock()
	handler = h
}

func ResetSignalHandler() {
	SetSignalHandler(nil)
}

// Subscribe delivers envelopes to ch. Send blocks until every subscriber
// has received the envelope, so ch should be buffered.
func Subscribe(ch chan<- Envelope) event.Subscription {
	return feed.Subscribe(ch)
}

func Send(typ string, ev interface{}) {
	envelope := Envelope{Type: typ, Event: ev}
	feed.Send(envelope)

	mu.RLock()
	h := handler
	mu.RUnlock()

	if h == nil {
		return
	}

	data, err := json.Marshal(&envelope)
	if err != nil {
		zap.L().Named("signal").Error("failed to marshal signal", zap.String("type", typ), zap.Error(err))
		return
	}

	h(data)
}
