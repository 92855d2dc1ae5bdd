package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/registry"
	"github.com/vibestack/walfeed/internal/slot"
	"github.com/vibestack/walfeed/internal/state"
	"github.com/vibestack/walfeed/pkg/lsn"
)

type fakePoller struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
	waitErr error
}

func (p *fakePoller) Start(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.starts++
}

func (p *fakePoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.stops++
}

func (p *fakePoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakePoller) WaitForInitialPoll(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *fakePoller) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

type fakeRegistry struct {
	mu        sync.Mutex
	hasActive bool
	hasErr    error
	clients   []registry.ClientState
	purged    int
	purgeErr  error
}

func (r *fakeRegistry) HasActive(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasActive, r.hasErr
}

func (r *fakeRegistry) setActive(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasActive = v
}

func (r *fakeRegistry) ListActive(context.Context, time.Duration) ([]registry.ClientState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients, nil
}

func (r *fakeRegistry) Purge(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.purged, r.purgeErr
}

func (r *fakeRegistry) MaybeFullCleanup(context.Context) error { return nil }

type fakeSlotAdmin struct {
	mu      sync.Mutex
	status  slot.Status
	statErr error
	peekErr error
	dropErr error
	dropped bool
}

func (s *fakeSlotAdmin) Name() string { return "vibestack" }

func (s *fakeSlotAdmin) GetStatus(context.Context) (slot.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.statErr
}

func (s *fakeSlotAdmin) PeekHistory(context.Context, lsn.LSN, int) (slot.PeekResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peekErr != nil {
		return slot.PeekResult{}, s.peekErr
	}
	return slot.PeekResult{}, nil
}

func (s *fakeSlotAdmin) Drop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropErr != nil {
		return s.dropErr
	}
	s.dropped = true
	return nil
}

type fakeHistoryChecker struct{ err error }

func (h *fakeHistoryChecker) CheckTable(context.Context) error { return h.err }

func testCfg() Config {
	return Config{
		ClientTimeout:            10 * time.Minute,
		ClientCheckInterval:      time.Hour,
		HibernationCheckInterval: time.Hour,
		InitialPollTimeout:       time.Second,
		ShutdownGrace:            time.Second,
	}
}

func newTestController(cfg Config, sa *fakeSlotAdmin, fp *fakePoller, fr *fakeRegistry) (*Controller, *state.MemStore) {
	store := state.NewMemStore()
	c := New(cfg, sa, fp, fr, &fakeHistoryChecker{}, store, nil, zerolog.Nop())
	return c, store
}

func waitForPhase(t *testing.T, c *Controller, want Phase) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", c.Phase(), want)
}

func TestInitWithActiveClients(t *testing.T) {
	fp := &fakePoller{}
	fr := &fakeRegistry{hasActive: true}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: true}}
	c, _ := newTestController(testCfg(), sa, fp, fr)
	defer c.Shutdown(context.Background())

	res, err := c.Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Phase != PhaseActive {
		t.Errorf("result = %+v", res)
	}
	if res.State == nil || res.State.ConfirmedLSN != "0/0" {
		t.Errorf("state = %+v, want confirmed 0/0", res.State)
	}
	if !fp.Running() {
		t.Error("poller should be running")
	}
}

func TestInitWithoutClientsHibernates(t *testing.T) {
	fp := &fakePoller{}
	fr := &fakeRegistry{hasActive: false}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: true}}
	c, _ := newTestController(testCfg(), sa, fp, fr)
	defer c.Shutdown(context.Background())

	res, err := c.Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Phase != PhaseHibernating {
		t.Errorf("phase = %s, want hibernating", res.Phase)
	}
	if fp.Running() {
		t.Error("poller must be stopped while hibernating")
	}
}

func TestInitIdempotent(t *testing.T) {
	fp := &fakePoller{}
	fr := &fakeRegistry{hasActive: true}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: true}}
	c, _ := newTestController(testCfg(), sa, fp, fr)
	defer c.Shutdown(context.Background())

	if _, err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := c.Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Phase != PhaseActive {
		t.Errorf("phase = %s", res.Phase)
	}
	if fp.startCount() != 1 {
		t.Errorf("starts = %d, want 1 (second init must not re-poll)", fp.startCount())
	}
}

func TestClientCheckDrainsToHibernation(t *testing.T) {
	cfg := testCfg()
	cfg.ClientCheckInterval = 20 * time.Millisecond
	fp := &fakePoller{}
	fr := &fakeRegistry{hasActive: true}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: true}}
	c, _ := newTestController(cfg, sa, fp, fr)
	defer c.Shutdown(context.Background())

	if _, err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForPhase(t, c, PhaseActive)

	fr.setActive(false)
	waitForPhase(t, c, PhaseHibernating)
	if fp.Running() {
		t.Error("poller must stop on hibernation")
	}
}

func TestAlarmWakesAndReactivates(t *testing.T) {
	cfg := testCfg()
	cfg.HibernationCheckInterval = 20 * time.Millisecond
	fp := &fakePoller{}
	fr := &fakeRegistry{hasActive: false}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: true}}
	c, _ := newTestController(cfg, sa, fp, fr)
	defer c.Shutdown(context.Background())

	if _, err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForPhase(t, c, PhaseHibernating)

	fr.setActive(true)
	waitForPhase(t, c, PhaseActive)
	if fp.startCount() != 2 {
		t.Errorf("starts = %d, want 2 (wake restarts the poller)", fp.startCount())
	}
}

func TestAlarmRehibernatesWithoutClients(t *testing.T) {
	cfg := testCfg()
	cfg.HibernationCheckInterval = 20 * time.Millisecond
	fp := &fakePoller{}
	fr := &fakeRegistry{hasActive: false}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: true}}
	c, _ := newTestController(cfg, sa, fp, fr)
	defer c.Shutdown(context.Background())

	if _, err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForPhase(t, c, PhaseHibernating)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if fp.startCount() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fp.startCount() < 2 {
		t.Fatal("alarm never woke the controller")
	}
	waitForPhase(t, c, PhaseHibernating)
}

func TestShutdownWritesLastActive(t *testing.T) {
	fp := &fakePoller{}
	fr := &fakeRegistry{hasActive: true}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: true}}
	c, store := newTestController(testCfg(), sa, fp, fr)

	if _, err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Shutdown(context.Background())

	if c.Phase() != PhaseStopping {
		t.Errorf("phase = %s", c.Phase())
	}
	if fp.Running() {
		t.Error("poller must be stopped")
	}
	if _, ok, err := state.LoadLastActive(context.Background(), store); err != nil || !ok {
		t.Errorf("last active missing after shutdown: ok=%v err=%v", ok, err)
	}

	if _, err := c.Init(context.Background()); err == nil {
		t.Error("init after shutdown should fail")
	}
}

func TestShutdownBeforeInit(t *testing.T) {
	fp := &fakePoller{}
	fr := &fakeRegistry{}
	sa := &fakeSlotAdmin{}
	c, _ := newTestController(testCfg(), sa, fp, fr)

	c.Shutdown(context.Background())
	if c.Phase() != PhaseStopping {
		t.Errorf("phase = %s", c.Phase())
	}
}

func TestCleanupResetsEverything(t *testing.T) {
	fp := &fakePoller{}
	fr := &fakeRegistry{hasActive: true, purged: 3}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: true}}
	c, store := newTestController(testCfg(), sa, fp, fr)
	defer c.Shutdown(context.Background())

	if _, err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := state.SaveConfirmedLSN(context.Background(), store, lsn.MustParse("1/ABC")); err != nil {
		t.Fatal(err)
	}

	res := c.Cleanup(context.Background())
	if !res.Success || !res.SlotDropped || res.ClientsRemoved != 3 || !res.StateReset {
		t.Errorf("result = %+v", res)
	}
	if !sa.dropped {
		t.Error("slot should have been dropped")
	}
	if c.Phase() != PhaseCold {
		t.Errorf("phase = %s, want cold", c.Phase())
	}
	if got, err := state.LoadConfirmedLSN(context.Background(), store); err != nil || got != lsn.Zero {
		t.Errorf("confirmed = %s, want 0/0", got)
	}
}

func TestCleanupMissingSlotSkipsDrop(t *testing.T) {
	fp := &fakePoller{}
	fr := &fakeRegistry{}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: false}}
	c, _ := newTestController(testCfg(), sa, fp, fr)

	res := c.Cleanup(context.Background())
	if !res.Success || res.SlotDropped {
		t.Errorf("result = %+v", res)
	}
}

func TestVerifyAllChecksPass(t *testing.T) {
	fp := &fakePoller{}
	fr := &fakeRegistry{}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: true}}
	c, _ := newTestController(testCfg(), sa, fp, fr)

	res := c.Verify(context.Background())
	if !res.Success || !res.SlotExists || !res.DecoderOK || !res.HistoryTableOK {
		t.Errorf("result = %+v", res)
	}
	if len(res.Errors) != 0 {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestVerifyMissingSlot(t *testing.T) {
	fp := &fakePoller{}
	fr := &fakeRegistry{}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: false}}
	c, _ := newTestController(testCfg(), sa, fp, fr)

	res := c.Verify(context.Background())
	if res.Success || res.SlotExists || res.DecoderOK {
		t.Errorf("result = %+v", res)
	}
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "does not exist") {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want a missing-slot message", res.Errors)
	}
}

func TestVerifyHistoryFailure(t *testing.T) {
	fp := &fakePoller{}
	fr := &fakeRegistry{}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: true}}
	store := state.NewMemStore()
	hc := &fakeHistoryChecker{err: errors.New("relation missing")}
	c := New(testCfg(), sa, fp, fr, hc, store, nil, zerolog.Nop())

	res := c.Verify(context.Background())
	if res.Success || res.HistoryTableOK {
		t.Errorf("result = %+v", res)
	}
}

func TestHealth(t *testing.T) {
	fp := &fakePoller{}
	fr := &fakeRegistry{hasActive: true}
	sa := &fakeSlotAdmin{status: slot.Status{Exists: true}}
	c, _ := newTestController(testCfg(), sa, fp, fr)
	defer c.Shutdown(context.Background())

	if res := c.Health(context.Background()); res.Healthy {
		t.Error("cold controller must not report healthy")
	}
	if _, err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := c.Health(context.Background())
	if !res.Healthy || !res.ActiveClients || res.ConfirmedLSN != "0/0" {
		t.Errorf("result = %+v", res)
	}
}

func TestManagerRegisterAndGet(t *testing.T) {
	m := NewManager(zerolog.Nop())

	fp := &fakePoller{}
	fr := &fakeRegistry{}
	sa := &fakeSlotAdmin{}
	c1, _ := newTestController(testCfg(), sa, fp, fr)
	c2, _ := newTestController(testCfg(), sa, fp, fr)

	if got := m.Register("vibestack", c1); got != c1 {
		t.Error("first registration should return the new controller")
	}
	if got := m.Register("vibestack", c2); got != c1 {
		t.Error("second registration must return the existing controller")
	}
	if got, ok := m.Get("vibestack"); !ok || got != c1 {
		t.Error("Get should return the registered controller")
	}
	if _, ok := m.Get("other"); ok {
		t.Error("unknown slot should not resolve")
	}
}
