package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle position of a Message.
//
//	Pending -> Sent -> Delivered -> Read
//	Pending -> Failed
type Status uint8

const (
	StatusPending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

var statusNames = [...]string{
	StatusPending:   "pending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus maps a wire name back to a Status.
func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown message status %q", v)
}

// CanAdvance reports whether a message in status s may move to next.
// A Pending message only resolves to Sent or Failed: receipts need a persisted id.
// Past Sent, forward moves may skip (a read receipt can outrun the delivery receipt).
func (s Status) CanAdvance(next Status) bool {
	switch {
	case s == StatusFailed:
		return false
	case s == StatusPending:
		return next == StatusSent || next == StatusFailed
	case next == StatusFailed:
		return false
	default:
		return next > s
	}
}

// Advance returns the status after applying next, or s when next would regress.
func (s Status) Advance(next Status) Status {
	if s.CanAdvance(next) {
		return next
	}
	return s
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
