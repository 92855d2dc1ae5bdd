// Package controller owns the replication lifecycle for one slot. The
// controller is the single writer of lifecycle state and the only
// starter/stopper of the polling engine. All command methods serialize on
// one mutex, so operations never interleave with each other or with the
// background client-check and alarm handling.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/metrics"
	"github.com/vibestack/walfeed/internal/registry"
	"github.com/vibestack/walfeed/internal/slot"
	"github.com/vibestack/walfeed/internal/state"
	"github.com/vibestack/walfeed/pkg/lsn"
)

// Phase is the controller's lifecycle state.
type Phase string

const (
	PhaseCold         Phase = "cold"
	PhaseInitializing Phase = "initializing"
	PhaseActive       Phase = "active"
	PhaseHibernating  Phase = "hibernating"
	PhaseStopping     Phase = "stopping"
)

// Config holds the lifecycle timing knobs.
type Config struct {
	ClientTimeout            time.Duration
	ClientCheckInterval      time.Duration
	HibernationCheckInterval time.Duration
	InitialPollTimeout       time.Duration
	ShutdownGrace            time.Duration
}

// SlotAdmin is the slot surface the controller needs beyond polling.
type SlotAdmin interface {
	Name() string
	GetStatus(ctx context.Context) (slot.Status, error)
	PeekHistory(ctx context.Context, from lsn.LSN, limit int) (slot.PeekResult, error)
	Drop(ctx context.Context) error
}

// Poller is the polling engine surface.
type Poller interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
	WaitForInitialPoll(ctx context.Context) error
}

// ClientRegistry is the registry view used for lifecycle decisions.
type ClientRegistry interface {
	HasActive(ctx context.Context) (bool, error)
	ListActive(ctx context.Context, timeout time.Duration) ([]registry.ClientState, error)
	Purge(ctx context.Context) (int, error)
	MaybeFullCleanup(ctx context.Context) error
}

// HistoryChecker verifies the change sink during Verify.
type HistoryChecker interface {
	CheckTable(ctx context.Context) error
}

// InitResult is the response shape of the init operation.
type InitResult struct {
	Success    bool                    `json:"success"`
	Phase      Phase                   `json:"phase"`
	SlotStatus *slot.Status            `json:"slot_status,omitempty"`
	State      *state.ReplicationState `json:"state,omitempty"`
}

// Report is the response shape of the status operation.
type Report struct {
	SlotName string           `json:"slot_name"`
	Slot     slot.Status      `json:"slot"`
	Phase    Phase            `json:"phase"`
	Metrics  metrics.Snapshot `json:"metrics"`
}

// HealthResult is the response shape of the health operation.
type HealthResult struct {
	Healthy       bool        `json:"healthy"`
	Phase         Phase       `json:"phase"`
	Slot          slot.Status `json:"slot"`
	ConfirmedLSN  string      `json:"confirmed_lsn"`
	ActiveClients bool        `json:"active_clients"`
	Error         string      `json:"error,omitempty"`
}

// CleanupResult is the response shape of the cleanup operation.
type CleanupResult struct {
	Success        bool   `json:"success"`
	SlotDropped    bool   `json:"slot_dropped"`
	ClientsRemoved int    `json:"clients_removed"`
	StateReset     bool   `json:"state_reset"`
	Error          string `json:"error,omitempty"`
}

// VerifyResult is the response shape of the verify operation.
type VerifyResult struct {
	Success        bool     `json:"success"`
	SlotExists     bool     `json:"slot_exists"`
	DecoderOK      bool     `json:"decoder_ok"`
	HistoryTableOK bool     `json:"history_table_ok"`
	Errors         []string `json:"errors,omitempty"`
}

// Controller drives the lifecycle for a single slot.
type Controller struct {
	cfg       Config
	slot      SlotAdmin
	poller    Poller
	registry  ClientRegistry
	history   HistoryChecker
	store     state.Store
	alarm     *state.Alarm
	collector *metrics.Collector
	logger    zerolog.Logger

	mu        sync.Mutex
	phase     Phase
	runCtx    context.Context
	runCancel context.CancelFunc
	loopDone  chan struct{}
}

// New creates a Controller in the Cold phase. collector may be nil.
func New(cfg Config, slotAdmin SlotAdmin, poller Poller, reg ClientRegistry,
	history HistoryChecker, store state.Store, collector *metrics.Collector, logger zerolog.Logger) *Controller {
	if cfg.InitialPollTimeout <= 0 {
		cfg.InitialPollTimeout = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		slot:      slotAdmin,
		poller:    poller,
		registry:  reg,
		history:   history,
		store:     store,
		alarm:     state.NewAlarm(),
		collector: collector,
		logger:    logger.With().Str("component", "controller").Str("slot", slotAdmin.Name()).Logger(),
		phase:     PhaseCold,
	}
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Init brings the controller out of Cold: it records the cold-start
// context, starts the poller, waits for the initial poll, and settles into
// Active or Hibernating depending on the client registry. Calling Init on
// an already-initialized controller returns the current state without
// re-polling.
func (c *Controller) Init(ctx context.Context) (InitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case PhaseStopping:
		return InitResult{Phase: c.phase}, fmt.Errorf("controller is shutting down")
	case PhaseActive, PhaseHibernating, PhaseInitializing:
		return c.initResultLocked(ctx), nil
	}

	now := time.Now()
	lastActive, ok, err := state.LoadLastActive(ctx, c.store)
	ev := c.logger.Info().Str("event", "replication.controller.cold_start")
	if ok {
		ev = ev.Time("last_active_at", lastActive).
			Int64("hibernation_duration_ms", now.Sub(lastActive).Milliseconds())
	} else {
		ev = ev.Bool("first_start", true)
	}
	if err != nil {
		ev = ev.AnErr("last_active_err", err)
	}
	ev.Msg("cold start")

	if err := state.SaveLastActive(ctx, c.store, now); err != nil {
		c.logger.Warn().Err(err).Str("event", "replication.controller.state_write_failed").
			Msg("could not record activation time")
	}

	// Cleanup returns the controller to Cold without tearing down the
	// background loop, so only start it once.
	if c.runCancel == nil {
		c.runCtx, c.runCancel = context.WithCancel(context.Background())
		c.loopDone = make(chan struct{})
		go c.run(c.runCtx)
	}

	c.setPhaseLocked(PhaseInitializing)
	c.poller.Start(c.runCtx)
	c.settleLocked(ctx)

	return c.initResultLocked(ctx), nil
}

func (c *Controller) initResultLocked(ctx context.Context) InitResult {
	res := InitResult{Success: true, Phase: c.phase}
	if st, err := c.slot.GetStatus(ctx); err == nil {
		res.SlotStatus = &st
	}
	if l, err := state.LoadConfirmedLSN(ctx, c.store); err == nil {
		res.State = &state.ReplicationState{ConfirmedLSN: l.String()}
	}
	return res
}

// settleLocked waits out the initial poll after a start or wake, then
// moves to Active or Hibernating based on the client registry.
func (c *Controller) settleLocked(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.InitialPollTimeout)
	defer cancel()
	if err := c.poller.WaitForInitialPoll(waitCtx); err != nil {
		// The poller keeps running and will finish its first cycle on its
		// own schedule; mark Active so the periodic client check can
		// settle the phase later.
		c.logger.Warn().Err(err).Str("event", "replication.controller.initial_poll_timeout").
			Msg("initial poll did not complete in time")
		c.setPhaseLocked(PhaseActive)
		return
	}

	hasActive, err := c.registry.HasActive(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", "replication.controller.registry_failed").
			Msg("could not check for active clients, staying active")
		c.setPhaseLocked(PhaseActive)
		return
	}
	if hasActive {
		c.setPhaseLocked(PhaseActive)
		return
	}
	c.hibernateLocked(ctx)
}

// hibernateLocked stops the poller and schedules the wake-up alarm.
func (c *Controller) hibernateLocked(ctx context.Context) {
	c.poller.Stop()
	c.alarm.Set(time.Now().Add(c.cfg.HibernationCheckInterval))
	if err := state.SaveLastActive(ctx, c.store, time.Now()); err != nil {
		c.logger.Warn().Err(err).Str("event", "replication.controller.state_write_failed").
			Msg("could not record hibernation time")
	}
	c.setPhaseLocked(PhaseHibernating)
}

func (c *Controller) setPhaseLocked(p Phase) {
	if c.phase == p {
		return
	}
	c.logger.Info().
		Str("from", string(c.phase)).
		Str("to", string(p)).
		Str("event", "replication.controller.transition").
		Msg("lifecycle transition")
	c.phase = p
	if c.collector != nil {
		c.collector.SetPhase(string(p))
	}
}

// run handles the periodic client check and the hibernation alarm.
func (c *Controller) run(ctx context.Context) {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.cfg.ClientCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.clientCheck(ctx)
		case <-c.alarm.C():
			c.wake(ctx)
		}
	}
}

// clientCheck hibernates an Active controller whose registry drained.
func (c *Controller) clientCheck(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseActive {
		return
	}

	if err := c.registry.MaybeFullCleanup(ctx); err != nil {
		c.logger.Warn().Err(err).Str("event", "replication.controller.cleanup_failed").
			Msg("periodic client cleanup failed")
	}

	hasActive, err := c.registry.HasActive(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", "replication.controller.registry_failed").
			Msg("client check failed, staying active")
		return
	}
	if hasActive {
		return
	}

	c.logger.Info().Str("event", "replication.controller.no_clients").
		Msg("no active clients, hibernating")
	c.hibernateLocked(ctx)
}

// wake re-enters Initializing when the hibernation alarm fires. The
// poller restart rebuilds its first-poll latch.
func (c *Controller) wake(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseHibernating {
		return
	}

	c.logger.Info().Str("event", "replication.controller.wake").Msg("alarm fired, waking")
	if err := state.SaveLastActive(ctx, c.store, time.Now()); err != nil {
		c.logger.Warn().Err(err).Str("event", "replication.controller.state_write_failed").
			Msg("could not record wake time")
	}
	c.setPhaseLocked(PhaseInitializing)
	c.poller.Start(c.runCtx)
	c.settleLocked(ctx)
}

// Shutdown stops the controller: the background loop exits, the poller is
// given a bounded grace period to finish its in-flight cycle, and the
// final activity timestamp is written best-effort.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.phase == PhaseStopping {
		c.mu.Unlock()
		return
	}
	started := c.runCancel != nil
	c.setPhaseLocked(PhaseStopping)
	c.alarm.Cancel()
	if started {
		c.runCancel()
	}
	loopDone := c.loopDone
	c.mu.Unlock()

	if started {
		<-loopDone
	}

	stopped := make(chan struct{})
	go func() {
		c.poller.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(c.cfg.ShutdownGrace):
		c.logger.Warn().
			Dur("grace", c.cfg.ShutdownGrace).
			Str("event", "replication.controller.grace_expired").
			Msg("in-flight poll did not finish within the shutdown grace period")
	}

	if err := state.SaveLastActive(ctx, c.store, time.Now()); err != nil {
		c.logger.Error().Err(err).Str("event", "replication.controller.state_write_failed").
			Msg("final activity write failed")
	}
	c.logger.Info().Str("event", "replication.controller.stopped").Msg("controller stopped")
}

// StatusReport returns the slot status plus the metrics snapshot.
func (c *Controller) StatusReport(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.slot.GetStatus(ctx)
	if err != nil {
		return Report{}, err
	}
	if c.collector != nil && st.Exists {
		c.collector.RecordSlotFlushLSN(st.ConfirmedFlushLSN)
	}

	rep := Report{SlotName: c.slot.Name(), Slot: st, Phase: c.phase}
	if c.collector != nil {
		rep.Metrics = c.collector.Snapshot()
	}
	return rep, nil
}

// Health reports whether the pipeline is able to make progress.
func (c *Controller) Health(ctx context.Context) HealthResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := HealthResult{Phase: c.phase}

	st, err := c.slot.GetStatus(ctx)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Slot = st

	confirmed, err := state.LoadConfirmedLSN(ctx, c.store)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.ConfirmedLSN = confirmed.String()

	hasActive, err := c.registry.HasActive(ctx)
	if err == nil {
		res.ActiveClients = hasActive
	}

	res.Healthy = st.Exists && c.phase != PhaseCold && c.phase != PhaseStopping
	return res
}

// Cleanup tears the pipeline down to a clean base: the poller is stopped,
// the slot is dropped if present, stale clients are purged, and the
// confirmed position is reset. The controller returns to Cold; a
// subsequent Init rebuilds from scratch.
func (c *Controller) Cleanup(ctx context.Context) CleanupResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := CleanupResult{Success: true}

	c.poller.Stop()
	c.alarm.Cancel()

	st, err := c.slot.GetStatus(ctx)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
	} else if st.Exists {
		if err := c.slot.Drop(ctx); err != nil {
			res.Success = false
			res.Error = err.Error()
		} else {
			res.SlotDropped = true
		}
	}

	removed, err := c.registry.Purge(ctx)
	if err != nil {
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	res.ClientsRemoved = removed

	if err := state.SaveConfirmedLSN(ctx, c.store, lsn.Zero); err != nil {
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
	} else {
		res.StateReset = true
	}

	c.setPhaseLocked(PhaseCold)
	c.logger.Info().
		Bool("slot_dropped", res.SlotDropped).
		Int("clients_removed", res.ClientsRemoved).
		Str("event", "replication.controller.cleanup").
		Msg("cleanup completed")
	return res
}

// Verify checks the three things the pipeline cannot run without: the
// slot exists, the logical decoder produces readable output, and the
// history sink is queryable.
func (c *Controller) Verify(ctx context.Context) VerifyResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := VerifyResult{}

	st, err := c.slot.GetStatus(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("slot status: %v", err))
	} else {
		res.SlotExists = st.Exists
		if !st.Exists {
			res.Errors = append(res.Errors, fmt.Sprintf("slot %q does not exist", c.slot.Name()))
		}
	}

	if res.SlotExists {
		if _, err := c.slot.PeekHistory(ctx, lsn.Zero, 1); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("decoder peek: %v", err))
		} else {
			res.DecoderOK = true
		}
	}

	if err := c.history.CheckTable(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("history table: %v", err))
	} else {
		res.HistoryTableOK = true
	}

	res.Success = res.SlotExists && res.DecoderOK && res.HistoryTableOK
	return res
}

// Clients lists the active client set for the admin surface.
func (c *Controller) Clients(ctx context.Context) ([]registry.ClientState, error) {
	return c.registry.ListActive(ctx, c.cfg.ClientTimeout)
}

// PurgeClients performs a full registry sweep for the admin surface.
func (c *Controller) PurgeClients(ctx context.Context) (int, error) {
	return c.registry.Purge(ctx)
}

// PeekHistory exposes the slot's raw pending rows for the admin surface.
func (c *Controller) PeekHistory(ctx context.Context, from lsn.LSN, limit int) (slot.PeekResult, error) {
	return c.slot.PeekHistory(ctx, from, limit)
}
