package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/pkg/lsn"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.SetPhase("active")
	c.RecordPoll(10)
	c.RecordPoll(0)
	c.RecordSkippedTick()
	c.RecordChanges(7)
	c.RecordHistoryRows(7)
	c.RecordConfirmedLSN(lsn.MustParse("0/10A"))

	snap := c.Snapshot()
	if snap.Phase != "active" {
		t.Errorf("Phase = %q", snap.Phase)
	}
	if snap.Polls != 2 || snap.EmptyPolls != 1 {
		t.Errorf("Polls = %d, EmptyPolls = %d", snap.Polls, snap.EmptyPolls)
	}
	if snap.SkippedTicks != 1 {
		t.Errorf("SkippedTicks = %d", snap.SkippedTicks)
	}
	if snap.RecordsPeeked != 10 {
		t.Errorf("RecordsPeeked = %d", snap.RecordsPeeked)
	}
	if snap.ChangesEmitted != 7 || snap.HistoryRows != 7 {
		t.Errorf("ChangesEmitted = %d, HistoryRows = %d", snap.ChangesEmitted, snap.HistoryRows)
	}
	if snap.ConfirmedLSN != "0/10A" {
		t.Errorf("ConfirmedLSN = %q", snap.ConfirmedLSN)
	}
}

func TestCollectorFilterReasons(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.IncFilter("invalid_json")
	c.IncFilter("not_tracked.audit")
	c.IncFilter("not_tracked.audit")

	snap := c.Snapshot()
	if snap.FilterReasons["invalid_json"] != 1 {
		t.Errorf("invalid_json = %d", snap.FilterReasons["invalid_json"])
	}
	if snap.FilterReasons["not_tracked.audit"] != 2 {
		t.Errorf("not_tracked.audit = %d", snap.FilterReasons["not_tracked.audit"])
	}

	// Snapshot must be a copy, not a live reference.
	snap.FilterReasons["invalid_json"] = 99
	if c.Snapshot().FilterReasons["invalid_json"] != 1 {
		t.Error("snapshot mutated the collector's map")
	}
}

func TestCollectorNotifyAccumulates(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordNotify(NotifyStats{Total: 2, Notified: 1, Skipped: 1})
	c.RecordNotify(NotifyStats{Total: 3, Notified: 2, Failed: 1})

	snap := c.Snapshot()
	if snap.Notify.Total != 5 || snap.Notify.Notified != 3 || snap.Notify.Failed != 1 || snap.Notify.Skipped != 1 {
		t.Errorf("Notify = %+v", snap.Notify)
	}
}

func TestCollectorErrors(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordError(errors.New("boom"))
	snap := c.Snapshot()
	if snap.ErrorCount != 1 || snap.LastError != "boom" {
		t.Errorf("ErrorCount = %d, LastError = %q", snap.ErrorCount, snap.LastError)
	}
}

func TestCollectorSubscribe(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	ch := c.Subscribe()
	defer c.Unsubscribe(ch)

	c.SetPhase("initializing")
	select {
	case snap := <-ch:
		if snap.Phase != "initializing" {
			t.Errorf("Phase = %q", snap.Phase)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot broadcast received")
	}
}
