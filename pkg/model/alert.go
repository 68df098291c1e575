package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Alert is one detected issue as delivered on the wire. ParentID names the
// alert that caused this one; empty means no parent.
type Alert struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Service  string `json:"service"`
	Summary  string `json:"summary"`
}

// GroupMessage is the single inbound shape: a named group of alerts that
// together form one incident tree. Type is a tag used by test-input tools
// ("create_graph", ...) and is not interpreted.
type GroupMessage struct {
	Type    string  `json:"type,omitempty"`
	GroupID string  `json:"group_id"`
	Alerts  []Alert `json:"alerts"`
}

// ErrInvalidMessage is wrapped by every ProtocolError.
var ErrInvalidMessage = errors.New("invalid group message")

// ProtocolError describes why an inbound message was rejected.
type ProtocolError struct {
	Field string
	// Index is the offending alert's position, or -1 for message-level fields.
	Index  int
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%v: alerts[%d].%s %s", ErrInvalidMessage, e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("%v: %s %s", ErrInvalidMessage, e.Field, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return ErrInvalidMessage
}

// DecodeGroupMessage parses and validates one inbound frame. A present but
// empty alerts array is valid; a missing one is not.
func DecodeGroupMessage(data []byte) (*GroupMessage, error) {
	var shape struct {
		GroupID *string          `json:"group_id"`
		Alerts  *json.RawMessage `json:"alerts"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, &ProtocolError{Field: "message", Index: -1, Reason: fmt.Sprintf("is not a JSON object: %v", err)}
	}
	if shape.GroupID == nil {
		return nil, &ProtocolError{Field: "group_id", Index: -1, Reason: "is missing"}
	}
	if shape.Alerts == nil || string(*shape.Alerts) == "null" {
		return nil, &ProtocolError{Field: "alerts", Index: -1, Reason: "is missing"}
	}

	var msg GroupMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Field: "alerts", Index: -1, Reason: fmt.Sprintf("has the wrong shape: %v", err)}
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate enforces the ingestion boundary: a non-empty group id and an id
// on every alert.
func (m *GroupMessage) Validate() error {
	if m.GroupID == "" {
		return &ProtocolError{Field: "group_id", Index: -1, Reason: "is empty"}
	}
	if m.Alerts == nil {
		return &ProtocolError{Field: "alerts", Index: -1, Reason: "is missing"}
	}
	for i, a := range m.Alerts {
		if a.ID == "" {
			return &ProtocolError{Field: "id", Index: i, Reason: "is missing"}
		}
	}
	return nil
}
