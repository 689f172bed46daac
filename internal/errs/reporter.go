package errs

import (
	"sync"

	"go-outbox/internal/observability"

	"github.com/sirupsen/logrus"
)

const defaultHistorySize = 100

// Reporter is the error sink collaborator.
type Reporter interface {
	Report(r Record)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(r Record)

func (f ReporterFunc) Report(r Record) {
	f(r)
}

// Discard drops every record.
var Discard Reporter = ReporterFunc(func(Record) {})

// LogReporter logs records through logrus and keeps a bounded history of
// the most recent ones.
type LogReporter struct {
	logger  *logrus.Logger
	metrics observability.MetricsCollector
	limit   int

	mu      sync.RWMutex
	history []Record
}

func NewLogReporter(logger *logrus.Logger, metrics observability.MetricsCollector) *LogReporter {
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	return &LogReporter{
		logger:  observability.OrDefault(logger),
		metrics: metrics,
		limit:   defaultHistorySize,
	}
}

func (r *LogReporter) Report(rec Record) {
	fields := logrus.Fields{
		"code":      rec.Code,
		"kind":      rec.Kind,
		"level":     rec.Level,
		"timestamp": rec.Timestamp,
	}
	if rec.Detail != nil {
		fields["error"] = rec.Detail.Error()
	}

	entry := r.logger.WithFields(fields)
	switch rec.Level {
	case LevelError:
		entry.Error(rec.Message)
	case LevelWarning:
		entry.Warn(rec.Message)
	default:
		entry.Info(rec.Message)
	}

	r.metrics.IncError(string(rec.Code))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, rec)
	if len(r.history) > r.limit {
		r.history = r.history[len(r.history)-r.limit:]
	}
}

// History returns the retained records, oldest first.
func (r *LogReporter) History() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, len(r.history))
	copy(out, r.history)
	return out
}

func (r *LogReporter) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}
