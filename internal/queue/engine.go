// Package queue tracks the lifecycle of outbound messages: pending,
// sending, sent and failed, with per-message retry on a capped escalating
// schedule and periodic cleanup of terminal and stale records.
//
// The engine knows nothing about the transport. Callers hand it a SendFunc
// per attempt and re-drive pending messages themselves.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"
	"go-outbox/internal/observability"
	"go-outbox/internal/observe"
	"go-outbox/pkg/models"

	"github.com/sirupsen/logrus"
)

// SendFunc hands one message to the transport.
type SendFunc func(ctx context.Context, destination string, body any) error

type entry struct {
	msg models.QueuedMessage
	seq uint64
	// attempt increments each time the message enters sending; retry
	// timers only act on the attempt that scheduled them.
	attempt uint64
}

// Engine owns the set of in-flight outbound messages. All mutations are
// serialized behind mu; no lock is held while a SendFunc runs or while a
// timer is pending.
type Engine struct {
	cfg      Config
	clock    clock.Clock
	reporter errs.Reporter
	metrics  observability.MetricsCollector
	logger   *logrus.Logger

	mu       sync.Mutex
	messages map[string]*entry
	seq      uint64
	stats    models.QueueStats
	timers   map[clock.Timer]struct{}
	cleanup  clock.Timer
	closed   bool

	statsHub observe.Hub[models.QueueStats]
}

func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		clock:    cfg.Clock,
		reporter: cfg.Reporter,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		messages: make(map[string]*entry),
		timers:   make(map[clock.Timer]struct{}),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Start begins the periodic cleanup sweep.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.cleanup != nil {
		return
	}
	e.cleanup = e.clock.AfterFunc(e.cfg.CleanupInterval, e.runCleanup)
}

func (e *Engine) runCleanup() {
	removed := e.Sweep()
	if removed > 0 {
		e.logger.WithField("removed", removed).Debug("Queue cleanup removed messages")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.cleanup = e.clock.AfterFunc(e.cfg.CleanupInterval, e.runCleanup)
}

// Close stops the cleanup sweep and every pending retry or retention
// timer. Message state is left in place for inspection.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	if e.cleanup != nil {
		e.cleanup.Stop()
	}
	for t := range e.timers {
		t.Stop()
	}
	e.timers = make(map[clock.Timer]struct{})
}

// Enqueue records a new pending message and returns its id.
func (e *Engine) Enqueue(destination string, body any) string {
	id := e.cfg.IDGenerator()

	e.mu.Lock()
	if _, exists := e.messages[id]; exists {
		id = newMessageID()
	}
	e.seq++
	e.messages[id] = &entry{
		seq: e.seq,
		msg: models.QueuedMessage{
			ID:          id,
			Destination: destination,
			Body:        body,
			Status:      models.StatusPending,
			Timestamp:   e.clock.Now(),
		},
	}
	e.recomputeLocked()
	e.mu.Unlock()

	e.metrics.IncEnqueued()
	e.logger.WithFields(logrus.Fields{
		"message_id":  id,
		"destination": destination,
	}).Debug("Message enqueued")

	e.notify()
	return id
}

// ProcessMessage attempts one delivery of a pending message through send.
// It is a no-op for unknown ids and for messages not in pending status.
func (e *Engine) ProcessMessage(ctx context.Context, id string, send SendFunc) {
	e.mu.Lock()
	ent, ok := e.messages[id]
	if !ok || ent.msg.Status != models.StatusPending {
		e.mu.Unlock()
		return
	}
	ent.msg.Status = models.StatusSending
	ent.attempt++
	destination, body := ent.msg.Destination, ent.msg.Body
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()

	err := invoke(ctx, send, destination, body)

	if err == nil {
		e.handleSuccess(id)
		return
	}
	e.handleFailure(id, err)
}

func invoke(ctx context.Context, send SendFunc, destination string, body any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errs.PermanentError{Err: fmt.Errorf("send function panicked: %v", r)}
		}
	}()
	return send(ctx, destination, body)
}

func (e *Engine) handleSuccess(id string) {
	e.mu.Lock()
	ent, ok := e.messages[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	// an acknowledgment may already have closed the message out
	if ent.msg.Status == models.StatusSending {
		e.markSentLocked(ent)
	}
	e.recomputeLocked()
	e.mu.Unlock()

	e.metrics.IncPublished()
	e.logger.WithField("message_id", id).Debug("Message sent")
	e.notify()
}

func (e *Engine) handleFailure(id string, cause error) {
	e.metrics.IncPublishFailed()

	e.mu.Lock()
	ent, ok := e.messages[id]
	if !ok || ent.msg.Status != models.StatusSending {
		e.mu.Unlock()
		return
	}

	now := e.clock.Now()
	ent.msg.Status = models.StatusFailed
	ent.msg.RetryCount++
	ent.msg.LastRetryTime = now
	retryCount := ent.msg.RetryCount
	attempt := ent.attempt

	var rec errs.Record
	if retryCount < e.cfg.MaxRetries {
		delay := e.cfg.RetryDelay(retryCount)
		e.scheduleLocked(delay, func() { e.retry(id, attempt) })
		rec = errs.NewRecord(
			errs.CodeMessageFailed,
			errs.LevelWarning,
			fmt.Sprintf("message send failed, retrying in %s (%d/%d)", delay, retryCount, e.cfg.MaxRetries),
			cause,
		).WithKind(errs.KindSend)
		e.metrics.IncRetried()
	} else {
		ent.msg.Timestamp = now
		rec = errs.NewRecord(
			errs.CodeMessageFailed,
			errs.LevelError,
			fmt.Sprintf("message send failed, retry limit of %d reached", e.cfg.MaxRetries),
			cause,
		).WithKind(errs.KindMessageFailed)
		e.metrics.IncExhausted()
	}
	e.recomputeLocked()
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"message_id":  id,
		"retry_count": retryCount,
		"max_retries": e.cfg.MaxRetries,
		"error":       cause.Error(),
	}).Warn("Message send failed")

	e.reporter.Report(rec.At(now))
	e.notify()
}

// retry returns a failed message to pending once its delay has elapsed,
// provided nothing else moved it in the meantime.
func (e *Engine) retry(id string, attempt uint64) {
	e.mu.Lock()
	ent, ok := e.messages[id]
	if !ok || ent.msg.Status != models.StatusFailed || ent.attempt != attempt {
		e.mu.Unlock()
		return
	}
	ent.msg.Status = models.StatusPending
	retryCount := ent.msg.RetryCount
	e.recomputeLocked()
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"message_id":  id,
		"retry_count": retryCount,
	}).Debug("Message eligible for retry")
	e.notify()
}

// GetMessageStatus returns a snapshot of the message, if present.
func (e *Engine) GetMessageStatus(id string) (models.QueuedMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.messages[id]
	if !ok {
		return models.QueuedMessage{}, false
	}
	return ent.msg, true
}

// GetPendingMessages returns the ids of pending messages in enqueue order.
func (e *Engine) GetPendingMessages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := make([]*entry, 0, len(e.messages))
	for _, ent := range e.messages {
		if ent.msg.Status == models.StatusPending {
			pending = append(pending, ent)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	ids := make([]string, len(pending))
	for i, ent := range pending {
		ids[i] = ent.msg.ID
	}
	return ids
}

// Messages returns snapshots of every tracked message in enqueue order.
func (e *Engine) Messages() []models.QueuedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := make([]*entry, 0, len(e.messages))
	for _, ent := range e.messages {
		all = append(all, ent)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := make([]models.QueuedMessage, len(all))
	for i, ent := range all {
		out[i] = ent.msg
	}
	return out
}

// MarkMessageReceived force-transitions a message to sent in response to an
// out-of-band acknowledgment. Unknown ids are ignored.
func (e *Engine) MarkMessageReceived(id string) {
	e.mu.Lock()
	ent, ok := e.messages[id]
	if !ok || ent.msg.Status == models.StatusSent {
		e.mu.Unlock()
		return
	}
	e.markSentLocked(ent)
	e.recomputeLocked()
	e.mu.Unlock()

	e.metrics.IncAcknowledged()
	e.logger.WithField("message_id", id).Debug("Message acknowledged")
	e.notify()
}

// ResetFailedMessages gives every failed message a fresh retry budget.
func (e *Engine) ResetFailedMessages() int {
	e.mu.Lock()
	n := 0
	for _, ent := range e.messages {
		if ent.msg.Status != models.StatusFailed {
			continue
		}
		ent.msg.Status = models.StatusPending
		ent.msg.RetryCount = 0
		n++
	}
	if n > 0 {
		e.recomputeLocked()
	}
	e.mu.Unlock()

	if n > 0 {
		e.logger.WithField("count", n).Info("Failed messages reset to pending")
		e.notify()
	}
	return n
}

// Sweep removes sent messages past the retention window, failed messages
// at the retry cap and pending messages older than the stale threshold.
// It returns the number of messages removed.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	now := e.clock.Now()
	removed := 0
	for id, ent := range e.messages {
		if e.expiredLocked(ent, now) {
			delete(e.messages, id)
			removed++
		}
	}
	e.recomputeLocked()
	e.mu.Unlock()

	if removed > 0 {
		e.notify()
	}
	return removed
}

func (e *Engine) expiredLocked(ent *entry, now time.Time) bool {
	age := now.Sub(ent.msg.Timestamp)
	switch ent.msg.Status {
	case models.StatusSent:
		return age > e.cfg.Retention
	case models.StatusFailed:
		return ent.msg.RetryCount >= e.cfg.MaxRetries
	case models.StatusPending:
		return age > e.cfg.StalePending
	}
	return false
}

// Stats returns the current per-status counts.
func (e *Engine) Stats() models.QueueStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Outstanding counts messages that may still be delivered: pending,
// sending, and failed with a retry scheduled.
func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, ent := range e.messages {
		switch ent.msg.Status {
		case models.StatusPending, models.StatusSending:
			n++
		case models.StatusFailed:
			if ent.msg.RetryCount < e.cfg.MaxRetries {
				n++
			}
		}
	}
	return n
}

// OnStats registers fn to be called with the latest counts after every
// mutation. fn must not block.
func (e *Engine) OnStats(fn func(models.QueueStats)) (cancel func()) {
	return e.statsHub.Subscribe(fn)
}

func (e *Engine) markSentLocked(ent *entry) {
	ent.msg.Status = models.StatusSent
	ent.msg.Timestamp = e.clock.Now()

	id := ent.msg.ID
	e.scheduleLocked(e.cfg.Retention, func() { e.expire(id) })
}

func (e *Engine) expire(id string) {
	e.mu.Lock()
	ent, ok := e.messages[id]
	if !ok || ent.msg.Status != models.StatusSent {
		e.mu.Unlock()
		return
	}
	delete(e.messages, id)
	e.recomputeLocked()
	e.mu.Unlock()

	e.notify()
}

// scheduleLocked arms a timer that untracks itself before running fn.
func (e *Engine) scheduleLocked(d time.Duration, fn func()) {
	if e.closed {
		return
	}

	var t clock.Timer
	var armed sync.WaitGroup
	armed.Add(1)
	t = e.clock.AfterFunc(d, func() {
		armed.Wait()
		e.mu.Lock()
		delete(e.timers, t)
		e.mu.Unlock()
		fn()
	})
	e.timers[t] = struct{}{}
	armed.Done()
}

func (e *Engine) recomputeLocked() {
	var s models.QueueStats
	for _, ent := range e.messages {
		switch ent.msg.Status {
		case models.StatusPending:
			s.Pending++
		case models.StatusSending:
			s.Sending++
		case models.StatusSent:
			s.Sent++
		case models.StatusFailed:
			s.Failed++
		}
	}
	e.stats = s
}

// notify publishes the latest counts. It reads the counts at call time so
// listeners never observe a value older than the mutation that triggered it.
func (e *Engine) notify() {
	s := e.Stats()
	for _, status := range models.Statuses {
		e.metrics.SetQueueDepth(string(status), s.Count(status))
	}
	e.statsHub.Emit(s)
}
