package kafka

import (
	"context"
	"sync"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"
	"go-outbox/internal/transport"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type session struct {
	cfg      Config
	producer *Producer
	dedupe   DedupeStore
	clock    clock.Clock
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	consumers map[*consumer]struct{}
	closing   bool

	done chan struct{}
	once sync.Once
	err  error
}

func newSession(cfg Config, writer messageWriter) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		cfg:       cfg,
		producer:  newProducer(cfg, writer),
		dedupe:    NewInMemoryDedupeStore(cfg.DedupeTTL, cfg.Clock),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		consumers: make(map[*consumer]struct{}),
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.healthLoop()
	return s
}

// healthLoop checks the brokers every HealthInterval and ends the session
// on the first failure.
func (s *session) healthLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.clock.After(s.cfg.HealthInterval):
		}

		if err := s.cfg.healthCheck(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("Health check failed, ending session", zap.Error(err))
			s.end(err)
			return
		}
	}
}

func (s *session) Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error {
	if s.ended() {
		return errs.ErrNotConnected
	}
	return s.producer.Publish(ctx, TopicFor(destination), body, headers)
}

func (s *session) Subscribe(destination string, h transport.Handler) (transport.Unsubscribe, error) {
	s.mu.Lock()
	if s.closing || s.ended() {
		s.mu.Unlock()
		return nil, errs.ErrNotConnected
	}
	reader := s.cfg.newReader(TopicFor(destination))
	c := newConsumer(s.cfg, destination, reader, s.dedupe, h)
	s.consumers[c] = struct{}{}
	c.start(s.ctx)
	s.mu.Unlock()

	return func() error {
		s.mu.Lock()
		_, tracked := s.consumers[c]
		delete(s.consumers, c)
		s.mu.Unlock()

		if !tracked {
			return nil
		}
		return c.Close()
	}, nil
}

func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// end marks the session dead with cause and releases its resources.
func (s *session) end(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		if !s.closing {
			s.err = cause
		}
		s.mu.Unlock()
		close(s.done)
	})
}

// Close stops every consumer and the producer. It is safe to call after
// the session has ended on its own.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	consumers := make([]*consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.consumers = make(map[*consumer]struct{})
	s.mu.Unlock()

	s.cancel()
	s.end(nil)

	var err error
	for _, c := range consumers {
		err = multierr.Append(err, c.Close())
	}
	err = multierr.Append(err, s.producer.Close())
	s.wg.Wait()
	return err
}
