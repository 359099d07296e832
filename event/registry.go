package event

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// SubscribeFunc issues one wire-level subscribe or unsubscribe for a
// channel. The client wires this to the session's subscribe/unsubscribe
// RPCs; tests supply a fake.
type SubscribeFunc func(ctx context.Context, channel string, names []string) error

// Registry tracks, per entity, the event names it asked to receive. Server
// subscriptions are channel-scoped, so the registry keeps a refcounted
// union per channel and only puts the delta on the wire. After a reconnect
// the full active union is replayed per channel.
type Registry struct {
	subscribe   SubscribeFunc
	unsubscribe SubscribeFunc

	mu       sync.Mutex
	byEntity map[string]*entitySubs
	// refs counts, per channel, how many entities want each event name.
	refs map[string]map[string]int
}

type entitySubs struct {
	channel string
	names   map[string]struct{}
}

func NewRegistry(subscribe, unsubscribe SubscribeFunc) *Registry {
	return &Registry{
		subscribe:   subscribe,
		unsubscribe: unsubscribe,
		byEntity:    make(map[string]*entitySubs),
		refs:        make(map[string]map[string]int),
	}
}

// Subscribe records the entity's interest and issues one wire subscribe for
// the names not already covered by the channel. Re-subscribing an already
// subscribed name is a no-op. Zero names is a caller error answered with a
// warning, not a network call.
func (r *Registry) Subscribe(ctx context.Context, entityID, channel string, names []string) error {
	if len(names) == 0 {
		log.Warn().Str("module", "event.registry").Str("entity", entityID).Str("channel", channel).Msg("subscribe with no event names, skipping")
		return nil
	}

	r.mu.Lock()
	subs, ok := r.byEntity[entityID]
	if !ok {
		subs = &entitySubs{channel: channel, names: make(map[string]struct{})}
		r.byEntity[entityID] = subs
	}
	chRefs, ok := r.refs[channel]
	if !ok {
		chRefs = make(map[string]int)
		r.refs[channel] = chRefs
	}

	var delta []string
	var added []string
	for _, name := range names {
		if _, dup := subs.names[name]; dup {
			continue
		}
		subs.names[name] = struct{}{}
		added = append(added, name)
		if chRefs[name] == 0 {
			delta = append(delta, name)
		}
		chRefs[name]++
	}
	r.mu.Unlock()

	if len(delta) == 0 {
		return nil
	}

	if err := r.subscribe(ctx, channel, delta); err != nil {
		// Roll back so a later retry recomputes the same delta.
		r.mu.Lock()
		for _, name := range added {
			delete(subs.names, name)
			if chRefs[name] > 0 {
				chRefs[name]--
			}
		}
		r.mu.Unlock()
		log.Error().Err(err).Str("module", "event.registry").Str("channel", channel).Msg("wire subscribe failed")
		return err
	}

	log.Debug().Str("module", "event.registry").Str("entity", entityID).Str("channel", channel).Strs("names", delta).Msg("subscribed")
	return nil
}

// Unsubscribe drops the entity's interest in names (all names when empty)
// and issues one wire unsubscribe for names no other entity still wants.
func (r *Registry) Unsubscribe(ctx context.Context, entityID string, names []string) error {
	r.mu.Lock()
	subs, ok := r.byEntity[entityID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if len(names) == 0 {
		for name := range subs.names {
			names = append(names, name)
		}
	}
	chRefs := r.refs[subs.channel]

	var delta []string
	for _, name := range names {
		if _, held := subs.names[name]; !held {
			continue
		}
		delete(subs.names, name)
		if chRefs != nil {
			chRefs[name]--
			if chRefs[name] <= 0 {
				delete(chRefs, name)
				delta = append(delta, name)
			}
		}
	}
	channel := subs.channel
	if len(subs.names) == 0 {
		delete(r.byEntity, entityID)
	}
	r.mu.Unlock()

	if len(delta) == 0 {
		return nil
	}
	if err := r.unsubscribe(ctx, channel, delta); err != nil {
		log.Error().Err(err).Str("module", "event.registry").Str("channel", channel).Msg("wire unsubscribe failed")
		return err
	}
	log.Debug().Str("module", "event.registry").Str("entity", entityID).Str("channel", channel).Strs("names", delta).Msg("unsubscribed")
	return nil
}

// Replay re-issues one subscribe per channel with the full active union.
// Server-side subscriptions are not assumed durable across reconnects.
func (r *Registry) Replay(ctx context.Context) error {
	r.mu.Lock()
	plan := make(map[string][]string, len(r.refs))
	for channel, chRefs := range r.refs {
		for name, count := range chRefs {
			if count > 0 {
				plan[channel] = append(plan[channel], name)
			}
		}
	}
	r.mu.Unlock()

	for channel, names := range plan {
		if len(names) == 0 {
			continue
		}
		if err := r.subscribe(ctx, channel, names); err != nil {
			log.Error().Err(err).Str("module", "event.registry").Str("channel", channel).Msg("subscription replay failed")
			return err
		}
		log.Info().Str("module", "event.registry").Str("channel", channel).Int("names", len(names)).Msg("subscriptions replayed")
	}
	return nil
}

// NamesFor reports the entity's active event names, mainly for tests and
// introspection.
func (r *Registry) NamesFor(entityID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.byEntity[entityID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(subs.names))
	for name := range subs.names {
		out = append(out, name)
	}
	return out
}

// Channels reports every channel with at least one active subscription.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.refs))
	for channel, chRefs := range r.refs {
		if len(chRefs) > 0 {
			out = append(out, channel)
		}
	}
	return out
}
