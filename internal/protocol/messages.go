package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/emoji-analysis/internal/session"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeEnd          MessageType = "end"
	TypeResponse     MessageType = "response"
	TypeInterjection MessageType = "interjection"
	TypeTime         MessageType = "time"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Request carries one text fragment to classify.
type Request struct {
	Type        MessageType          `json:"type"`
	Value       string               `json:"value"`
	Key         string               `json:"key,omitempty"`
	Annotations []session.Annotation `json:"annotations,omitempty"`
}

type End struct {
	Type MessageType `json:"type"`
}

type Response struct {
	Type        MessageType          `json:"type"`
	SessionID   string               `json:"session_id"`
	Value       string               `json:"value"`
	Result      bool                 `json:"result"`
	Key         string               `json:"key,omitempty"`
	Annotations []session.Annotation `json:"annotations,omitempty"`
}

// InterjectionKind distinguishes the proactive messages a session can receive.
type InterjectionKind string

const (
	KindWelcome    InterjectionKind = "welcome"
	KindEscalation InterjectionKind = "escalation"
	KindGoodbye    InterjectionKind = "goodbye"
)

type Interjection struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"session_id"`
	Kind      InterjectionKind `json:"kind"`
	Message   string           `json:"message"`
}

// Time is the global heartbeat; it is the only message sent to every connection.
type Time struct {
	Type MessageType `json:"type"`
	Time string      `json:"time"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeRequest:
		var msg Request
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Value) == "" {
			return nil, errors.New("invalid request: value is required")
		}
		return msg, nil
	case TypeEnd:
		return End{Type: TypeEnd}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the message type of a known protocol value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Request:
		return m.Type, true
	case End:
		return m.Type, true
	case Response:
		return m.Type, true
	case Interjection:
		return m.Type, true
	case Time:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
