// Package metrics aggregates pipeline counters and exposes point-in-time
// snapshots for the admin API, the websocket hub, and the watch dashboard.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/pkg/lsn"
)

// NotifyStats aggregates one dispatch round's per-client outcomes.
type NotifyStats struct {
	Total    int `json:"total"`
	Notified int `json:"notified"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Phase      string    `json:"phase"`
	ElapsedSec float64   `json:"elapsed_sec"`

	// LSN tracking
	ConfirmedLSN string `json:"confirmed_lsn"`
	SlotFlushLSN string `json:"slot_flush_lsn"`
	LagBytes     uint64 `json:"lag_bytes"`
	LagFormatted string `json:"lag_formatted"`

	// Poll cycle counters
	Polls          int64   `json:"polls"`
	EmptyPolls     int64   `json:"empty_polls"`
	SkippedTicks   int64   `json:"skipped_ticks"`
	RecordsPeeked  int64   `json:"records_peeked"`
	ChangesEmitted int64   `json:"changes_emitted"`
	HistoryRows    int64   `json:"history_rows"`
	ChangesPerSec  float64 `json:"changes_per_sec"`

	// Filter-reason histogram: why WAL entries produced no change.
	FilterReasons map[string]int64 `json:"filter_reasons"`

	// Client notification totals since start.
	Notify NotifyStats `json:"notify"`

	// Errors
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// Collector aggregates pipeline metrics. All methods are safe for
// concurrent use.
type Collector struct {
	logger zerolog.Logger

	mu           sync.RWMutex
	phase        string
	startedAt    time.Time
	confirmedLSN lsn.LSN
	slotFlushLSN lsn.LSN
	filter       map[string]int64
	notify       NotifyStats

	polls          atomic.Int64
	emptyPolls     atomic.Int64
	skippedTicks   atomic.Int64
	recordsPeeked  atomic.Int64
	changesEmitted atomic.Int64
	historyRows    atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value // string

	changeWindow *slidingWindow

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	done chan struct{}
}

// NewCollector creates a Collector and starts its broadcast loop.
func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:       logger.With().Str("component", "metrics").Logger(),
		filter:       make(map[string]int64),
		subscribers:  make(map[chan Snapshot]struct{}),
		changeWindow: newSlidingWindow(60 * time.Second),
		done:         make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

// SetPhase updates the current lifecycle phase.
func (c *Collector) SetPhase(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
}

// Phase returns the current lifecycle phase.
func (c *Collector) Phase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// RecordPoll counts one completed poll cycle and the records it peeked.
func (c *Collector) RecordPoll(records int) {
	c.polls.Add(1)
	if records == 0 {
		c.emptyPolls.Add(1)
		return
	}
	c.recordsPeeked.Add(int64(records))
}

// RecordSkippedTick counts a tick dropped by the reentrancy guard.
func (c *Collector) RecordSkippedTick() {
	c.skippedTicks.Add(1)
}

// RecordChanges counts emitted TableChanges and feeds the rate window.
func (c *Collector) RecordChanges(n int) {
	c.changesEmitted.Add(int64(n))
	c.changeWindow.Add(time.Now(), float64(n))
}

// RecordHistoryRows counts rows persisted to change_history.
func (c *Collector) RecordHistoryRows(n int) {
	c.historyRows.Add(int64(n))
}

// IncFilter bumps one filter-reason counter. Implements wal.FilterCounter.
func (c *Collector) IncFilter(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter[reason]++
}

// RecordNotify accumulates one dispatch round's stats.
func (c *Collector) RecordNotify(s NotifyStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify.Total += s.Total
	c.notify.Notified += s.Notified
	c.notify.Failed += s.Failed
	c.notify.Skipped += s.Skipped
}

// RecordConfirmedLSN updates the durably confirmed position.
func (c *Collector) RecordConfirmedLSN(l lsn.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmedLSN = l
}

// RecordSlotFlushLSN updates the slot's reported flush position for lag.
func (c *Collector) RecordSlotFlushLSN(l lsn.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slotFlushLSN = l
}

// RecordError increments the error count and stores the last message.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// Snapshot returns the current metrics state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	var elapsed float64
	if !c.startedAt.IsZero() {
		elapsed = now.Sub(c.startedAt).Seconds()
	}

	filter := make(map[string]int64, len(c.filter))
	for k, v := range c.filter {
		filter[k] = v
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	lagBytes := lsn.Lag(c.slotFlushLSN, c.confirmedLSN)

	return Snapshot{
		Timestamp:      now,
		Phase:          c.phase,
		ElapsedSec:     elapsed,
		ConfirmedLSN:   c.confirmedLSN.String(),
		SlotFlushLSN:   c.slotFlushLSN.String(),
		LagBytes:       lagBytes,
		LagFormatted:   lsn.FormatLag(lagBytes, 0),
		Polls:          c.polls.Load(),
		EmptyPolls:     c.emptyPolls.Load(),
		SkippedTicks:   c.skippedTicks.Load(),
		RecordsPeeked:  c.recordsPeeked.Load(),
		ChangesEmitted: c.changesEmitted.Load(),
		HistoryRows:    c.historyRows.Load(),
		ChangesPerSec:  c.changeWindow.Rate(),
		FilterReasons:  filter,
		Notify:         c.notify,
		ErrorCount:     int(c.errorCount.Load()),
		LastError:      lastErr,
	}
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
					// Subscriber too slow, skip.
				}
			}
			c.subMu.Unlock()
		}
	}
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for ; i < len(w.entries); i++ {
		if w.entries[i].time.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
