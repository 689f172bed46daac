package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go-outbox/internal/observability"
	"go-outbox/pkg/models"

	"github.com/sirupsen/logrus"
)

// MessageProcessor handles inbound frames for the subscriber command.
type MessageProcessor struct {
	logger    *logrus.Logger
	processed atomic.Int64
	rejected  atomic.Int64
}

func NewMessageProcessor(logger *logrus.Logger) *MessageProcessor {
	return &MessageProcessor{
		logger: observability.OrDefault(logger),
	}
}

// Process decodes a JSON frame body and logs it. Bodies that are not JSON
// are rejected with an error, which the connection manager reports.
func (p *MessageProcessor) Process(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := p.logger.WithFields(logrus.Fields{
		"destination": msg.Destination,
		"message_id":  msg.MessageID(),
		"bytes":       len(msg.Value),
	})
	entry.Info("Processing message")

	var data interface{}
	if err := json.Unmarshal(msg.Value, &data); err != nil {
		p.rejected.Add(1)
		return fmt.Errorf("failed to parse message: %w", err)
	}

	p.processed.Add(1)
	entry.WithField("data", data).Debug("Message processed successfully")
	return nil
}

// Processed returns the number of frames handled successfully.
func (p *MessageProcessor) Processed() int64 {
	return p.processed.Load()
}

// Rejected returns the number of frames whose body could not be decoded.
func (p *MessageProcessor) Rejected() int64 {
	return p.rejected.Load()
}
