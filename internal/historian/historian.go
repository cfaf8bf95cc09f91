// internal/historian/historian.go
package historian

import (
	"context"
	"time"

	"github.com/jason-s-yu/typerace/internal/cache"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Source yields queued competition results. ok is false when nothing arrived in time.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (rec cache.CompetitionResultRecord, ok bool, err error)
}

// Sink persists a batch of results atomically.
type Sink interface {
	RecordCompetitions(ctx context.Context, recs []cache.CompetitionResultRecord) error
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	PopTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: 50, FlushInterval: 5 * time.Second, PopTimeout: time.Second}
}

// Service drains the results queue into Postgres in batches. A batch is written when it
// is full, when FlushInterval has passed since the last write, and on shutdown. A failed
// write keeps its records for the next attempt, which waits for another full batch or
// the next interval. At most maxPendingBatches batches are kept.
type Service struct {
	src    Source
	sink   Sink
	cfg    Config
	clock  clockwork.Clock
	logger *logrus.Logger

	batch     []cache.CompetitionResultRecord
	threshold int
	lastFlush time.Time
}

const maxPendingBatches = 4

func New(src Source, sink Sink, cfg Config, clock clockwork.Clock, logger *logrus.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = DefaultConfig().PopTimeout
	}
	return &Service{
		src:       src,
		sink:      sink,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		batch:     make([]cache.CompetitionResultRecord, 0, cfg.BatchSize),
		threshold: cfg.BatchSize,
	}
}

// Run blocks until ctx is cancelled, then flushes whatever is pending.
func (s *Service) Run(ctx context.Context) {
	s.lastFlush = s.clock.Now()
	s.logger.Info("historian started")
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.flush(flushCtx)
			cancel()
			s.logger.Info("historian stopped")
			return
		default:
		}

		rec, ok, err := s.src.Pop(ctx, s.cfg.PopTimeout)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.WithError(err).Error("failed to pop result")
		case ok:
			s.batch = append(s.batch, rec)
		}

		if len(s.batch) >= s.threshold || s.clock.Since(s.lastFlush) >= s.cfg.FlushInterval {
			s.flush(ctx)
		}
	}
}

func (s *Service) flush(ctx context.Context) {
	s.lastFlush = s.clock.Now()
	if len(s.batch) == 0 {
		return
	}
	if err := s.sink.RecordCompetitions(ctx, s.batch); err != nil {
		s.logger.WithError(err).WithField("pending", len(s.batch)).Error("failed to flush results")
		if limit := s.cfg.BatchSize * maxPendingBatches; len(s.batch) > limit {
			dropped := len(s.batch) - limit
			s.batch = append(s.batch[:0], s.batch[dropped:]...)
			s.logger.WithField("dropped", dropped).Warn("dropping oldest results")
		}
		s.threshold = len(s.batch) + s.cfg.BatchSize
		return
	}
	s.logger.WithField("count", len(s.batch)).Info("flushed results")
	s.batch = make([]cache.CompetitionResultRecord, 0, s.cfg.BatchSize)
	s.threshold = s.cfg.BatchSize
}
