// Package outbox is the embeddable entry point: a reliable outbound
// mailbox over a reconnecting broker connection.
//
//	ob, err := outbox.Open(outbox.Options{URL: "ws://localhost:15674/ws"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer ob.CloseGracefully(5 * time.Second)
//
//	ob.Connect()
//	id := ob.Send("/queue/orders", order)
package outbox

import (
	"context"
	"time"

	"go-outbox/internal/connection"
	"go-outbox/internal/errs"
	"go-outbox/pkg/models"
)

// Handler processes one inbound frame. A returned error or a panic is
// reported and the frame is dropped.
type Handler = connection.MessageHandler

// ErrorRecord is a classified failure kept in the error history.
type ErrorRecord = errs.Record

// ============================================================================
// Interfaces for Testing
// ============================================================================

type Outbox interface {
	Connect() error
	Disconnect() error
	Send(destination string, body any) string
	Subscribe(topic string, handler Handler) error
	Unsubscribe(topic string) error
	Status(id string) (models.QueuedMessage, bool)
	Messages() []models.QueuedMessage
	Stats() models.QueueStats
	State() models.ConnectionState
	OnStats(fn func(models.QueueStats)) (cancel func())
	OnStateChange(fn func(models.ConnectionState)) (cancel func())
	Flush(ctx context.Context) error
	Close() error
	CloseGracefully(timeout time.Duration) error
}

var _ Outbox = (*Client)(nil)
