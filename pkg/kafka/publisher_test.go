package kafka

import (
	"encoding/json"
	"testing"
)

type keyedEvent struct {
	Account string `json:"account"`
	Points  int64  `json:"points"`
}

func (e keyedEvent) PartitionKey() string { return e.Account }

func TestNewMessage_UsesPartitionKeyAndHeader(t *testing.T) {
	msg, err := newMessage("loyalty.points.earned", keyedEvent{Account: "acc-1", Points: 40})
	if err != nil {
		t.Fatalf("newMessage returned error: %v", err)
	}
	if string(msg.Key) != "acc-1" {
		t.Fatalf("expected key acc-1, got %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "loyalty.points.earned" {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}

	var decoded keyedEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("value is not json: %v", err)
	}
	if decoded.Points != 40 {
		t.Fatalf("expected 40 points in payload, got %d", decoded.Points)
	}
}

func TestNewMessage_UnkeyedPayload(t *testing.T) {
	msg, err := newMessage("loyalty.points.expired", map[string]int{"points": 7})
	if err != nil {
		t.Fatalf("newMessage returned error: %v", err)
	}
	if msg.Key != nil {
		t.Fatalf("expected no key, got %q", msg.Key)
	}
}

func TestNewPublisher_Validates(t *testing.T) {
	if _, err := NewPublisher(nil, "ledger"); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewPublisher([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected error without topic")
	}
	p, err := NewPublisher([]string{"localhost:9092"}, "ledger")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Close()
}

func TestNewMessage_RejectsUnencodable(t *testing.T) {
	if _, err := newMessage("x", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}
