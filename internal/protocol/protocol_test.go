package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEnvelope(t *testing.T) {
	env, err := New(TypeChatToken, "req-1", TokenPayload{Text: "hel"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if env.Type != TypeChatToken || env.ID != "req-1" {
		t.Errorf("Unexpected envelope header: %+v", env)
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		t.Errorf("Timestamp is not RFC3339: %s", env.Timestamp)
	}

	var payload TokenPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("Payload unmarshal failed: %v", err)
	}
	if payload.Text != "hel" {
		t.Errorf("Expected payload text hel, got %s", payload.Text)
	}
}

func TestNewEnvelopeNilPayload(t *testing.T) {
	env, err := New(TypePong, "req-2", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if env.Payload != nil {
		t.Errorf("Expected empty payload, got %s", env.Payload)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var raw map[string]any
	json.Unmarshal(data, &raw)
	if _, present := raw["payload"]; present {
		t.Error("Expected payload field to be omitted")
	}
}
