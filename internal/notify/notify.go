// Package notify fans a poll batch out to active clients, suppressing the
// echo of each client's own writes. Delivery is best-effort per client:
// one failure never blocks the rest of the batch.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/metrics"
	"github.com/vibestack/walfeed/internal/registry"
	"github.com/vibestack/walfeed/internal/wal"
	"github.com/vibestack/walfeed/pkg/lsn"
)

// ClientNotifier is the one downstream capability the pipeline requires.
// The transport behind it is opaque.
type ClientNotifier interface {
	NotifyClient(ctx context.Context, clientID string, changes []wal.TableChange, lastLSN lsn.LSN) error
}

// ClientLister is the registry view the dispatcher needs.
type ClientLister interface {
	ListActive(ctx context.Context, timeout time.Duration) ([]registry.ClientState, error)
}

// Dispatcher delivers change batches to the active client set.
type Dispatcher struct {
	clients   ClientLister
	notifier  ClientNotifier
	collector *metrics.Collector
	logger    zerolog.Logger
}

// NewDispatcher creates a Dispatcher. collector may be nil.
func NewDispatcher(clients ClientLister, notifier ClientNotifier, collector *metrics.Collector, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		clients:   clients,
		notifier:  notifier,
		collector: collector,
		logger:    logger.With().Str("component", "notifier").Logger(),
	}
}

// Dispatch sends the batch to every active client, minus each client's own
// changes. Within the batch the per-client delivery order equals slot
// arrival order.
func (d *Dispatcher) Dispatch(ctx context.Context, changes []wal.TableChange, lastLSN lsn.LSN) metrics.NotifyStats {
	stats := metrics.NotifyStats{}
	if len(changes) == 0 {
		return stats
	}

	clients, err := d.clients.ListActive(ctx, 0)
	if err != nil {
		d.logger.Error().
			Err(err).
			Str("event", "replication.notify.registry_failed").
			Msg("could not list active clients")
		d.record(stats)
		return stats
	}
	stats.Total = len(clients)

	for _, c := range clients {
		relevant := suppressEcho(changes, c.ClientID)
		if len(relevant) == 0 {
			stats.Skipped++
			continue
		}

		if err := d.notifier.NotifyClient(ctx, c.ClientID, relevant, lastLSN); err != nil {
			stats.Failed++
			d.logger.Warn().
				Err(err).
				Str("client_id", c.ClientID).
				Int("changes", len(relevant)).
				Str("event", "replication.notify.failed").
				Msg("client notification failed")
			continue
		}
		stats.Notified++
	}

	d.logger.Debug().
		Int("total", stats.Total).
		Int("notified", stats.Notified).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Stringer("last_lsn", lastLSN).
		Str("event", "replication.notify.dispatched").
		Msg("dispatched change batch")
	d.record(stats)
	return stats
}

func (d *Dispatcher) record(stats metrics.NotifyStats) {
	if d.collector != nil {
		d.collector.RecordNotify(stats)
	}
}

// suppressEcho drops changes authored by the given client. Changes without
// an origin are delivered to everyone.
func suppressEcho(changes []wal.TableChange, clientID string) []wal.TableChange {
	out := make([]wal.TableChange, 0, len(changes))
	for _, ch := range changes {
		if origin := ch.ClientID(); origin != "" && origin == clientID {
			continue
		}
		out = append(out, ch)
	}
	return out
}
