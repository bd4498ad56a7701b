package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageRequest(t *testing.T) {
	raw := []byte(`{"type":"request","value":"hi 😀","key":"userInput","annotations":[{"key":"turn","value":"3"}]}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	req, ok := msg.(Request)
	if !ok {
		t.Fatalf("message type = %T, want Request", msg)
	}
	if req.Value != "hi \U0001F600" || req.Key != "userInput" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.Annotations) != 1 || req.Annotations[0].Key != "turn" {
		t.Fatalf("Annotations = %+v, want one turn annotation", req.Annotations)
	}
}

func TestParseClientMessageEnd(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"end"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(End); !ok {
		t.Fatalf("message type = %T, want End", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsEmptyValue(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"request","value":"   "}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsMalformed(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestTypeOf(t *testing.T) {
	got, ok := TypeOf(Interjection{Type: TypeInterjection})
	if !ok || got != TypeInterjection {
		t.Fatalf("TypeOf(Interjection) = %q, %v", got, ok)
	}
	if _, ok := TypeOf(struct{}{}); ok {
		t.Fatalf("TypeOf(struct{}) ok = true, want false")
	}
}

func BenchmarkParseClientMessageRequest(b *testing.B) {
	raw := []byte(`{"type":"request","value":"the quick brown fox 🦊","key":"userInput"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(Request); !ok {
			b.Fatalf("message type = %T, want Request", msg)
		}
	}
}
