package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kaalabs/hue-gateway/internal/bridge"
	"github.com/kaalabs/hue-gateway/internal/clip"
	"github.com/kaalabs/hue-gateway/internal/eventbus"
	"github.com/kaalabs/hue-gateway/internal/store"
)

// Syncer keeps the cache consistent with the bridge: a bootstrap fetch at
// startup, event-driven updates from the SSE stream, and a periodic full
// resync. All cache writes funnel through this type, and all sync work runs
// on the single Run goroutine plus the single event-stream goroutine, so
// updates to one resource id are applied in arrival order.
type Syncer struct {
	client    *bridge.Client
	cache     *Cache
	resources *store.Resources
	settings  *store.Settings
	bus       *eventbus.Bus

	interval time.Duration
	trigger  chan struct{}
}

// NewSyncer creates a syncer. interval is the periodic resync cadence.
func NewSyncer(client *bridge.Client, c *Cache, resources *store.Resources, settings *store.Settings, bus *eventbus.Bus, interval time.Duration) *Syncer {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &Syncer{
		client:    client,
		cache:     c,
		resources: resources,
		settings:  settings,
		bus:       bus,
		interval:  interval,
		// Capacity 1: a trigger while a resync is pending or running is
		// coalesced into the one already scheduled.
		trigger: make(chan struct{}, 1),
	}
}

// WarmFromStore loads durable resource rows into the cache before the bridge
// has answered. No change events are published for warmed entries.
func (s *Syncer) WarmFromStore() error {
	rows, err := s.resources.ListAll()
	if err != nil {
		return err
	}
	for _, row := range rows {
		s.cache.Upsert(row.RID, row.RType, row.Name, row.Payload)
	}
	if len(rows) > 0 {
		log.Info().Int("resources", len(rows)).Msg("Cache warmed from store")
	}
	return nil
}

// Bootstrap performs the initial full fetch when bridge credentials are
// configured. Errors are logged, not fatal: the periodic loop will heal.
func (s *Syncer) Bootstrap(ctx context.Context) {
	if !s.client.Configured() {
		log.Warn().Msg("Bridge not configured, skipping cache bootstrap")
		return
	}
	if err := s.resync(ctx); err != nil {
		log.Error().Err(err).Msg("Cache bootstrap failed")
	}
}

// Trigger requests a resync. Non-blocking; concurrent triggers coalesce.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
		// Already scheduled
	}
}

// Run executes periodic and triggered resyncs until ctx is cancelled.
// Only this goroutine performs resyncs, so at most one runs at a time.
func (s *Syncer) Run(ctx context.Context) error {
	log.Info().Dur("interval", s.interval).Msg("Resource syncer started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Resource syncer stopping")
			return nil
		case <-s.trigger:
		case <-ticker.C:
		}

		if !s.client.Configured() {
			continue
		}
		if err := s.resync(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Resync failed")
		}
	}
}

// resync re-fetches every tracked resource type and reconciles the cache:
// changed resources are upserted, vanished resources evicted, unchanged
// resources left untouched so no spurious versions or events are produced.
func (s *Syncer) resync(ctx context.Context) error {
	started := time.Now()
	var upserts, evictions int

	for _, rtype := range clip.CoreResourceTypes {
		items, err := s.client.ListResources(ctx, rtype)
		if err != nil {
			return err
		}

		seen := make(map[string]struct{}, len(items))
		for _, item := range items {
			ref, ok := bridge.Ref(item)
			if !ok {
				continue
			}
			seen[ref.ID] = struct{}{}
			if s.applyUpsert(ref.ID, rtype, item) {
				upserts++
			}
		}

		// Evict ids of this type the bridge no longer reports.
		for rid := range s.cache.IDsByType(rtype) {
			if _, ok := seen[rid]; ok {
				continue
			}
			s.applyEvict(rid, rtype)
			evictions++
		}
	}

	log.Debug().
		Int("upserts", upserts).
		Int("evictions", evictions).
		Dur("took", time.Since(started)).
		Msg("Resync completed")
	return nil
}

// HandleEvent ingests one bridge stream event. Event payloads are partial,
// so updates re-fetch the full resource and replace it atomically.
func (s *Syncer) HandleEvent(ctx context.Context, event bridge.Event) {
	for _, item := range event.Data {
		ref, ok := bridge.Ref(item)
		if !ok {
			continue
		}

		switch event.Type {
		case "delete", "remove":
			s.applyEvict(ref.ID, ref.Type)

		default:
			full, err := s.client.GetResource(ctx, ref.Type, ref.ID)
			if err != nil {
				log.Warn().Err(err).
					Str("rid", ref.ID).
					Str("rtype", ref.Type).
					Msg("Failed to fetch resource for stream event")
				continue
			}
			s.applyUpsert(ref.ID, ref.Type, full)
		}
	}
}

// applyUpsert runs the single per-id update path: cache, durable row, and
// change notification. Returns true when the resource actually changed.
func (s *Syncer) applyUpsert(rid, rtype string, payload json.RawMessage) bool {
	name := clip.ExtractName(payload)
	_, changed := s.cache.Upsert(rid, rtype, name, payload)
	if !changed {
		return false
	}

	if err := s.resources.Upsert(store.ResourceRow{RID: rid, RType: rtype, Name: name, Payload: payload}); err != nil {
		log.Warn().Err(err).Str("rid", rid).Msg("Failed to persist resource")
	}

	s.bumpRevision()
	s.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeResourceUpdated,
		Resource: eventbus.ResourceRef{RID: rid, RType: rtype},
		Data:     stateDelta(rtype, payload),
	})
	return true
}

// bumpRevision advances the durable inventory revision on every applied
// change so snapshot callers can cheaply detect staleness.
func (s *Syncer) bumpRevision() {
	if _, err := s.settings.BumpInt(store.SettingInventoryRevision); err != nil {
		log.Warn().Err(err).Msg("Failed to bump inventory revision")
	}
}

func (s *Syncer) applyEvict(rid, rtype string) {
	if !s.cache.Evict(rid) {
		return
	}
	if err := s.resources.Delete(rid); err != nil {
		log.Warn().Err(err).Str("rid", rid).Msg("Failed to delete resource row")
	}
	s.bumpRevision()
	s.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeResourceDeleted,
		Resource: eventbus.ResourceRef{RID: rid, RType: rtype},
		Data:     map[string]any{},
	})
}

// stateDelta builds the compact state payload attached to change events for
// light-like resources. Other types carry an empty data object.
func stateDelta(rtype string, payload json.RawMessage) map[string]any {
	if rtype != clip.TypeLight && rtype != clip.TypeGroupedLight {
		return map[string]any{}
	}
	return map[string]any{"state": clip.ParseLightState(payload)}
}
