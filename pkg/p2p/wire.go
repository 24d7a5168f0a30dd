package p2p

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uhyunpark/clearcore/pkg/app/core/events"
)

func init() {
	gob.Register(EventWire{})
}

// EventWire is a bus event as gossiped between nodes.
type EventWire struct {
	Origin    string // peer id of the publishing node
	Kind      string
	Symbol    string
	Payload   []byte // JSON-encoded event payload
	Timestamp int64  // unix nanos
}

func toWire(origin string, e events.Event) (EventWire, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return EventWire{}, fmt.Errorf("encode %s payload: %w", e.Kind, err)
	}
	return EventWire{
		Origin:    origin,
		Kind:      string(e.Kind),
		Symbol:    e.Symbol,
		Payload:   payload,
		Timestamp: e.Timestamp.UnixNano(),
	}, nil
}

// Event rebuilds the bus event; the payload stays raw JSON.
func (w EventWire) Event() events.Event {
	return events.Event{
		Kind:      events.Kind(w.Kind),
		Symbol:    w.Symbol,
		Payload:   json.RawMessage(w.Payload),
		Timestamp: time.Unix(0, w.Timestamp),
	}
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
