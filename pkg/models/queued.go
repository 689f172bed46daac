package models

import "time"

// Status is the lifecycle state of a queued outbound message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusSending, StatusSent, StatusFailed}

// QueuedMessage is one outbound item tracked by the queue engine.
//
// Timestamp is the creation time until the message enters a terminal
// state, after which it records when that state was entered.
type QueuedMessage struct {
	ID            string    `json:"id"`
	Destination   string    `json:"destination"`
	Body          any       `json:"body"`
	Status        Status    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	RetryCount    int       `json:"retry_count"`
	LastRetryTime time.Time `json:"last_retry_time,omitempty"`
}

// QueueStats holds live per-status message counts.
type QueueStats struct {
	Pending int `json:"pending"`
	Sending int `json:"sending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// Count returns the count for a single status.
func (s QueueStats) Count(status Status) int {
	switch status {
	case StatusPending:
		return s.Pending
	case StatusSending:
		return s.Sending
	case StatusSent:
		return s.Sent
	case StatusFailed:
		return s.Failed
	}
	return 0
}

// Total returns the number of messages across all statuses.
func (s QueueStats) Total() int {
	return s.Pending + s.Sending + s.Sent + s.Failed
}

// ConnectionState is the observable state of the connection manager.
type ConnectionState struct {
	Connected         bool `json:"connected"`
	Connecting        bool `json:"connecting"`
	ReconnectAttempts int  `json:"reconnect_attempts"`
}
