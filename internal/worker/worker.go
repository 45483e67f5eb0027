package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Austin-rgb/messages/internal/domain"
	"github.com/Austin-rgb/messages/internal/logger"
	"github.com/Austin-rgb/messages/internal/metrics"
)

// Handler processes one decoded batch and returns the entry ids that were
// successfully persisted. Entries left out stay pending and redeliver.
type Handler interface {
	Handle(ctx context.Context, entries []domain.QueueEntry) []string
}

type Config struct {
	Topic     string
	Group     string
	Consumer  string
	BatchMax  int
	Block     time.Duration
	IdleSleep time.Duration
}

// Worker drains one queue topic: pending entries first, then new ones, in
// batches handed to the handler. It acknowledges only what the handler
// reports as persisted, so a crash anywhere in the loop redelivers and the
// store's idempotence absorbs the duplicates.
type Worker struct {
	queue   domain.Queue
	cfg     Config
	handler Handler
	lg      zerolog.Logger

	mu      sync.Mutex
	running bool
	doneCh  chan struct{}
}

func New(queue domain.Queue, cfg Config, handler Handler) *Worker {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 500 * time.Millisecond
	}
	return &Worker{
		queue:   queue,
		cfg:     cfg,
		handler: handler,
		lg:      logger.With("worker").With().Str("topic", cfg.Topic).Logger(),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.doneCh = make(chan struct{})
	w.running = true
	go w.run(ctx)
}

// Stop waits for the loop to finish its current batch, bounded by ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	doneCh := w.doneCh
	w.running = false
	w.mu.Unlock()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		doneCh := w.doneCh
		w.doneCh = nil
		w.running = false
		w.mu.Unlock()

		if doneCh != nil {
			close(doneCh)
		}
	}()

	backoff := time.Second
	maxBackoff := 30 * time.Second
	for {
		if ctx.Err() != nil || !w.isRunning() {
			w.lg.Info().Msg("worker exiting")
			return
		}
		if err := w.queue.EnsureGroup(ctx, w.cfg.Topic, w.cfg.Group); err != nil {
			w.lg.Error().Err(err).Dur("backoff", backoff).Msg("ensure group failed; retrying")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}
		break
	}

	w.lg.Info().Str("group", w.cfg.Group).Str("consumer", w.cfg.Consumer).Msg("worker started")

	for {
		if ctx.Err() != nil || !w.isRunning() {
			w.lg.Info().Msg("worker exiting")
			return
		}

		entries, err := w.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.lg.Error().Err(err).Msg("queue read failed")
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}

		if len(entries) == 0 {
			if !sleepOrDone(ctx, w.cfg.IdleSleep) {
				return
			}
			continue
		}

		metrics.RecordBatch(w.cfg.Topic)
		ackIDs := w.handler.Handle(ctx, entries)
		if len(ackIDs) > 0 {
			if err := w.queue.Ack(ctx, w.cfg.Topic, w.cfg.Group, ackIDs...); err != nil {
				// Entries stay pending and come back on the next pending pass.
				w.lg.Error().Err(err).Int("count", len(ackIDs)).Msg("ack failed")
			} else {
				metrics.RecordAcked(w.cfg.Topic, len(ackIDs))
			}
		}

		if !sleepOrDone(ctx, w.cfg.IdleSleep) {
			return
		}
	}
}

// read drains this consumer's pending entries first so redelivered work is
// retried before anything new is picked up.
func (w *Worker) read(ctx context.Context) ([]domain.QueueEntry, error) {
	entries, err := w.queue.Read(ctx, w.cfg.Topic, w.cfg.Group, w.cfg.Consumer, w.cfg.BatchMax, w.cfg.Block, domain.ReadPending)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries, nil
	}
	return w.queue.Read(ctx, w.cfg.Topic, w.cfg.Group, w.cfg.Consumer, w.cfg.BatchMax, w.cfg.Block, domain.ReadNew)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
