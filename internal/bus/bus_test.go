package bus

import "testing"

func TestNewMessageNormalizesZeroLengthBody(t *testing.T) {
	m := NewMessage(map[string]any{"foo": "bar"}, []byte{})
	if m.Body != nil {
		t.Fatalf("expected zero-length body to normalize to nil, got %v", m.Body)
	}
}

func TestNewMessageKeepsNonEmptyBody(t *testing.T) {
	m := NewMessage(nil, []byte("payload"))
	if string(m.Body) != "payload" {
		t.Fatalf("got %q, want %q", m.Body, "payload")
	}
	if m.Control == nil {
		t.Fatal("expected control map to be initialized even when nil was passed")
	}
}

func TestMessageIDReadsControlField(t *testing.T) {
	m := Message{Control: map[string]any{"message-id": "abc-123"}}
	if m.MessageID() != "abc-123" {
		t.Fatalf("got %q, want %q", m.MessageID(), "abc-123")
	}
}

func TestMessageIDEmptyWhenAbsent(t *testing.T) {
	m := Message{Control: map[string]any{}}
	if m.MessageID() != "" {
		t.Fatalf("expected empty message-id, got %q", m.MessageID())
	}
}
