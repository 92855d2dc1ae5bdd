// Package poller drives the per-slot poll cycle: peek changes after the
// confirmed LSN, transform and persist them, advance the durable position,
// fan out to clients, and optionally consume the slot. A tick that fires
// while the previous one is still in flight is skipped, never queued.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/history"
	"github.com/vibestack/walfeed/internal/metrics"
	"github.com/vibestack/walfeed/internal/slot"
	"github.com/vibestack/walfeed/internal/state"
	"github.com/vibestack/walfeed/internal/wal"
	"github.com/vibestack/walfeed/pkg/lsn"
)

// HeartbeatInterval is how many ticks pass between heartbeat log lines.
const HeartbeatInterval = 60

// SlotReader is the slot adapter surface the engine needs.
type SlotReader interface {
	Peek(ctx context.Context, after lsn.LSN, limit int) ([]wal.Record, error)
	Consume(ctx context.Context, upto lsn.LSN, limit int) (int, error)
}

// HistoryStore persists transformed changes.
type HistoryStore interface {
	Store(ctx context.Context, changes []wal.TableChange, batchSize int) (history.Result, error)
}

// ChangeDispatcher fans a stored batch out to clients.
type ChangeDispatcher interface {
	Dispatch(ctx context.Context, changes []wal.TableChange, lastLSN lsn.LSN) metrics.NotifyStats
}

// Config holds the engine's pacing and batching knobs.
type Config struct {
	WALBatchSize        int
	WALConsumeSize      int
	WALBatchThreshold   float64
	StoreBatchSize      int
	PollingInterval     time.Duration
	FastPollingInterval time.Duration
	MaxConsecutivePolls int
	SkipWALConsumption  bool
}

// Engine runs the poll loop for one slot.
type Engine struct {
	cfg         Config
	slot        SlotReader
	transformer *wal.Transformer
	history     HistoryStore
	store       state.Store
	dispatcher  ChangeDispatcher
	collector   *metrics.Collector
	logger      zerolog.Logger

	mu                 sync.Mutex
	running            bool
	inFlight           bool
	completedFirstPoll bool
	counter            int64
	consecutiveFast    int
	interval           time.Duration
	firstPollCh        chan struct{}
	cancel             context.CancelFunc
	done               chan struct{}
}

// New creates an Engine. collector may be nil.
func New(cfg Config, slotReader SlotReader, transformer *wal.Transformer, historyStore HistoryStore,
	store state.Store, dispatcher ChangeDispatcher, collector *metrics.Collector, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		slot:        slotReader,
		transformer: transformer,
		history:     historyStore,
		store:       store,
		dispatcher:  dispatcher,
		collector:   collector,
		logger:      logger.With().Str("component", "poller").Logger(),
		firstPollCh: make(chan struct{}),
	}
}

// Start launches the poll loop. Restarting after Stop resets the
// first-poll latch, so a fresh WaitForInitialPoll observes the new run.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.completedFirstPoll = false
	e.consecutiveFast = 0
	e.interval = e.cfg.PollingInterval
	e.firstPollCh = make(chan struct{})
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	e.logger.Info().
		Dur("interval", e.cfg.PollingInterval).
		Str("event", "replication.poller.started").
		Msg("polling started")
	go e.loop(loopCtx, done)
}

// Stop halts the loop and waits for any in-flight tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done
	e.logger.Info().Str("event", "replication.poller.stopped").Msg("polling stopped")
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// WaitForInitialPoll blocks until the engine completes its first cycle
// after the most recent Start, or the context ends.
func (e *Engine) WaitForInitialPoll(ctx context.Context) error {
	e.mu.Lock()
	ch := e.firstPollCh
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollNow runs one cycle outside the timer, subject to the same
// reentrancy guard. Used by the controller's initialization path.
func (e *Engine) PollNow(ctx context.Context) {
	e.tick(ctx)
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(e.cfg.PollingInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fast := e.tick(ctx)
			timer.Reset(e.nextInterval(fast))
		}
	}
}

// nextInterval picks fast or normal pacing, bounding consecutive fast
// cycles so a busy slot cannot starve the normal cadence forever.
func (e *Engine) nextInterval(fast bool) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fast && e.consecutiveFast < e.cfg.MaxConsecutivePolls {
		e.consecutiveFast++
		e.interval = e.cfg.FastPollingInterval
	} else {
		e.consecutiveFast = 0
		e.interval = e.cfg.PollingInterval
	}
	return e.interval
}

// currentInterval reports the pacing in effect for the next tick, which is
// the fast interval while a backlog keeps the loop in fast cycles.
func (e *Engine) currentInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// tick runs one poll cycle. It returns true when the peek filled enough of
// the batch that more rows likely remain.
func (e *Engine) tick(ctx context.Context) bool {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		if e.collector != nil {
			e.collector.RecordSkippedTick()
		}
		e.logger.Debug().Str("event", "replication.poll.skipped").Msg("tick skipped, poll in flight")
		return false
	}
	e.inFlight = true
	e.counter++
	counter := e.counter
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	currentLSN, err := state.LoadConfirmedLSN(ctx, e.store)
	if err != nil {
		e.recordError(err)
		e.logger.Error().Err(err).Str("event", "replication.poll.state_failed").Msg("could not load confirmed LSN")
		return false
	}

	if counter%HeartbeatInterval == 0 {
		e.logger.Info().
			Int64("counter", counter).
			Int64("interval_ms", e.currentInterval().Milliseconds()).
			Stringer("current_lsn", currentLSN).
			Str("event", "replication.poll.heartbeat").
			Msg("poller heartbeat")
	}

	batch, err := e.slot.Peek(ctx, currentLSN, e.cfg.WALBatchSize)
	if err != nil {
		if errors.Is(err, slot.ErrSlotBusy) {
			e.logger.Debug().Str("event", "replication.poll.slot_busy").Msg("slot busy, skipping cycle")
			return false
		}
		e.recordError(err)
		e.logger.Error().Err(err).Str("event", "replication.poll.peek_failed").Msg("peek failed")
		return false
	}

	if e.collector != nil {
		e.collector.RecordPoll(len(batch))
	}

	if len(batch) == 0 {
		e.finishFirstPoll("no changes")
		return false
	}

	lastLSN := batch[len(batch)-1].LSN
	fast := float64(len(batch)) >= e.cfg.WALBatchThreshold*float64(e.cfg.WALBatchSize)

	changes := e.transformer.TransformAll(batch)
	if e.collector != nil {
		e.collector.RecordChanges(len(changes))
	}

	if len(changes) == 0 {
		// Nothing tracked in this batch: advance past it so the next peek
		// does not re-read the same noise.
		e.advance(ctx, lastLSN, true)
		e.finishFirstPoll("advanced past untracked batch")
		return fast
	}

	res, storeErr := e.history.Store(ctx, changes, e.cfg.StoreBatchSize)
	stored := storeErr == nil && res.OK()
	if e.collector != nil {
		e.collector.RecordHistoryRows(res.Success)
	}
	if storeErr != nil {
		e.recordError(storeErr)
	}

	// The position advances even when the store failed; replaying a
	// poisonous batch forever would wedge the slot. The warning is the
	// operator's signal that changes were dropped.
	e.advance(ctx, lastLSN, stored)

	if stored {
		e.dispatcher.Dispatch(ctx, changes, lastLSN)
	}

	if !e.cfg.SkipWALConsumption {
		if _, err := e.slot.Consume(ctx, lastLSN, e.cfg.WALConsumeSize); err != nil {
			e.logger.Warn().Err(err).Str("event", "replication.poll.consume_failed").Msg("slot consume failed")
		}
	}

	e.finishFirstPoll("processed batch")
	return fast
}

func (e *Engine) advance(ctx context.Context, to lsn.LSN, stored bool) {
	if err := state.SaveConfirmedLSN(ctx, e.store, to); err != nil {
		e.recordError(err)
		e.logger.Error().Err(err).Stringer("lsn", to).
			Str("event", "replication.poll.advance_failed").
			Msg("could not persist confirmed LSN")
		return
	}
	if e.collector != nil {
		e.collector.RecordConfirmedLSN(to)
	}
	if !stored {
		e.logger.Warn().
			Stringer("lsn", to).
			Str("event", "replication.poll.advance_unstored").
			Msg("advanced confirmed LSN past a batch that failed to store")
	}
}

func (e *Engine) finishFirstPoll(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completedFirstPoll {
		return
	}
	e.completedFirstPoll = true
	close(e.firstPollCh)
	e.logger.Info().Str("event", "replication.poll.initial_complete").Msg(msg)
}

func (e *Engine) recordError(err error) {
	if e.collector != nil {
		e.collector.RecordError(err)
	}
}
