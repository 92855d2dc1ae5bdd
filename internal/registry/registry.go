// Package registry is the TTL-aware directory of connected clients. Entries
// live in the durable state store under "client:<id>"; the sync endpoint
// writes them, the notifier reads them, and the registry lazily deletes
// entries that are stale, inactive, or unparsable.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/state"
)

// DefaultTimeout is how long a client stays active without being seen.
const DefaultTimeout = 10 * time.Minute

// DefaultFullCleanupInterval is how often a full purge sweep runs.
const DefaultFullCleanupInterval = 24 * time.Hour

// ClientState is the stored shape of one client entry.
type ClientState struct {
	ClientID string `json:"client_id"`
	Active   bool   `json:"active"`
	LastSeen int64  `json:"last_seen"` // millis since epoch
}

// Registry reads and maintains client entries in the state store.
type Registry struct {
	store   state.Store
	logger  zerolog.Logger
	timeout time.Duration

	fullCleanupInterval time.Duration
	now                 func() time.Time
}

// New creates a Registry with the given client timeout; zero durations get
// the defaults.
func New(store state.Store, timeout, fullCleanupInterval time.Duration, logger zerolog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if fullCleanupInterval <= 0 {
		fullCleanupInterval = DefaultFullCleanupInterval
	}
	return &Registry{
		store:               store,
		logger:              logger.With().Str("component", "registry").Logger(),
		timeout:             timeout,
		fullCleanupInterval: fullCleanupInterval,
		now:                 time.Now,
	}
}

// Touch marks a client active now. It is the sync endpoint's write path;
// nothing inside the core calls it.
func (r *Registry) Touch(ctx context.Context, clientID string) error {
	entry := ClientState{
		ClientID: clientID,
		Active:   true,
		LastSeen: r.now().UnixMilli(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, state.ClientKeyPrefix+clientID, raw)
}

// Deactivate marks a client inactive without deleting its entry.
func (r *Registry) Deactivate(ctx context.Context, clientID string) error {
	key := state.ClientKeyPrefix + clientID
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	var entry ClientState
	if err := json.Unmarshal(raw, &entry); err != nil {
		return r.store.Delete(ctx, key)
	}
	entry.Active = false
	out, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, key, out)
}

// HasActive reports whether any live client remains. Entries that fail to
// parse, are inactive, or are stale get deleted along the way.
func (r *Registry) HasActive(ctx context.Context) (bool, error) {
	entries, err := r.store.List(ctx, state.ClientKeyPrefix)
	if err != nil {
		return false, err
	}

	cutoff := r.now().Add(-r.timeout).UnixMilli()
	active := false
	for key, raw := range entries {
		entry, ok := r.decode(ctx, key, raw)
		if !ok {
			continue
		}
		if !entry.Active || entry.LastSeen < cutoff {
			r.remove(ctx, key, "stale_or_inactive")
			continue
		}
		active = true
	}
	return active, nil
}

// ListActive returns the live clients, lazily removing the clearly stale.
// A zero timeout uses the registry's configured one.
func (r *Registry) ListActive(ctx context.Context, timeout time.Duration) ([]ClientState, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	entries, err := r.store.List(ctx, state.ClientKeyPrefix)
	if err != nil {
		return nil, err
	}

	cutoff := r.now().Add(-timeout).UnixMilli()
	out := []ClientState{}
	for key, raw := range entries {
		entry, ok := r.decode(ctx, key, raw)
		if !ok {
			continue
		}
		if !entry.Active || entry.LastSeen < cutoff {
			r.remove(ctx, key, "stale_or_inactive")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Purge removes every stale, inactive, or corrupt entry and records the
// sweep time. It returns the number of entries removed.
func (r *Registry) Purge(ctx context.Context) (int, error) {
	entries, err := r.store.List(ctx, state.ClientKeyPrefix)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-r.timeout).UnixMilli()
	removed := 0
	for key, raw := range entries {
		var entry ClientState
		if err := json.Unmarshal(raw, &entry); err != nil {
			r.remove(ctx, key, "corrupt")
			removed++
			continue
		}
		if !entry.Active || entry.LastSeen < cutoff {
			r.remove(ctx, key, "stale_or_inactive")
			removed++
		}
	}

	if raw, err := json.Marshal(r.now().UnixMilli()); err == nil {
		if err := r.store.Put(ctx, state.KeyLastFullCleanup, raw); err != nil {
			r.logger.Warn().Err(err).Msg("failed to record cleanup time")
		}
	}

	r.logger.Info().
		Int("removed", removed).
		Str("event", "replication.registry.purged").
		Msg("purged client registry")
	return removed, nil
}

// MaybeFullCleanup runs Purge when the last full sweep is older than the
// configured interval.
func (r *Registry) MaybeFullCleanup(ctx context.Context) error {
	raw, ok, err := r.store.Get(ctx, state.KeyLastFullCleanup)
	if err != nil {
		return err
	}
	if ok {
		var millis int64
		if err := json.Unmarshal(raw, &millis); err == nil {
			if r.now().Sub(time.UnixMilli(millis)) < r.fullCleanupInterval {
				return nil
			}
		}
	}
	_, err = r.Purge(ctx)
	return err
}

// decode parses an entry, deleting it when unparsable.
func (r *Registry) decode(ctx context.Context, key string, raw []byte) (ClientState, bool) {
	var entry ClientState
	if err := json.Unmarshal(raw, &entry); err != nil {
		r.remove(ctx, key, "corrupt")
		return ClientState{}, false
	}
	return entry, true
}

func (r *Registry) remove(ctx context.Context, key, reason string) {
	if err := r.store.Delete(ctx, key); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("failed to delete client entry")
		return
	}
	r.logger.Debug().
		Str("key", key).
		Str("reason", reason).
		Str("event", "replication.registry.removed").
		Msg("removed client entry")
}
