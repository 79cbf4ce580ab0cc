package v1

import (
	"encoding/json"
	"fmt"
	"time"
)

// NewFrame builds a versioned frame, marshaling payload when it is not already raw JSON.
func NewFrame(typ, id, dest string, payload any, ts time.Time) (Frame, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}

	return Frame{
		V:       Version,
		Type:    typ,
		ID:      id,
		Dest:    dest,
		TS:      ts.UTC(),
		Payload: raw,
	}, nil
}

// BodyKind reports the "type" discriminator of a message body.
// Bodies on the presence topic may omit it; they are user_status by definition.
func BodyKind(dest string, payload json.RawMessage) (string, error) {
	var h BodyHeader
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &h); err != nil {
			return "", fmt.Errorf("decode body header: %w", err)
		}
	}
	if h.Type == "" && dest == PresenceTopic {
		return KindUserStatus, nil
	}
	if h.Type == "" {
		return "", fmt.Errorf("body on %q has no type", dest)
	}
	return h.Type, nil
}
