package models

import "time"

// Message is an inbound frame delivered on a subscription.
type Message struct {
	Destination string            `json:"destination"`
	Value       []byte            `json:"value"`
	Headers     map[string]string `json:"headers"`
	Timestamp   time.Time         `json:"timestamp"`
}

// MessageID returns the correlation id carried by the frame, if any.
func (m *Message) MessageID() string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[HeaderMessageID]
}

// MessageHeader constants
const (
	HeaderMessageID   = "message-id"
	HeaderContentType = "content-type"
)
