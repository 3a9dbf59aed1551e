package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	a, err := NewEnvelope(TypeChatMessage, map[string]string{"text": "hi"}, "u1", "r1")
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	b, err := NewEnvelope(TypeChatMessage, nil, "u1", "r1")
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	if a.ID == "" || b.ID == "" {
		t.Error("expected non-empty envelope IDs")
	}
	if a.ID == b.ID {
		t.Errorf("envelope IDs must be unique, both = %q", a.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped")
	}
	if b.Data != nil {
		t.Errorf("nil data should produce no payload, got %s", b.Data)
	}
}

func TestParseRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypePresenceUpdate, map[string]string{"status": "away"}, "u1", "")
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	frame, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got.ID != env.ID || got.Type != env.Type || got.UserID != "u1" {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, env)
	}

	var payload map[string]string
	if err := json.Unmarshal(got.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["status"] != "away" {
		t.Errorf("payload status = %q, want %q", payload["status"], "away")
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"not json", "not json at all"},
		{"missing type", `{"id":"x","data":{}}`},
		{"wrong shape", `[1,2,3]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.frame)); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tc.frame)
			}
		})
	}
}
