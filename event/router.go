package event

import (
	"encoding/json"
	"strings"

	sigerr "github.com/dkeye/Signal/errors"
	"github.com/dkeye/Signal/jsonrpc"
	"github.com/rs/zerolog/log"
)

// terminalSuffixes end an entity's lifecycle. The instance is evicted
// strictly after the terminal event reached local listeners.
var terminalSuffixes = map[string]struct{}{
	"left":     {},
	"ended":    {},
	"finished": {},
}

// aliasPrefixes maps the authoritative namespace onto its legacy family.
// The newer "video.room" taxonomy is the source of truth; the bare "room"
// family is emitted as a derived compatibility alias.
var aliasPrefixes = map[string]string{
	"video.room.": "room.",
}

// Router delivers every server-pushed notification to its target entity:
// resolve namespace and entity id, create or update the instance, apply the
// registered transform, emit, and evict on terminal events. Route runs on
// the session's event loop, so per-entity ordering follows wire order.
type Router struct {
	instances  *Map
	transforms map[string]Transform
	session    *Emitter
}

func NewRouter(instances *Map) *Router {
	return &Router{
		instances:  instances,
		transforms: defaultTransforms(),
		session:    NewEmitter(),
	}
}

// SessionEmitter publishes events that carry no entity id, plus anything
// unroutable but well formed.
func (r *Router) SessionEmitter() *Emitter { return r.session }

// Instances exposes the instance map to the owning client.
func (r *Router) Instances() *Map { return r.instances }

// RegisterTransform installs or replaces the rule for one event type.
func (r *Router) RegisterTransform(eventType string, t Transform) {
	r.transforms[eventType] = t
}

// Route processes one notification envelope. A malformed or unroutable
// event is logged and dropped; it never aborts the loop or affects other
// entities.
func (r *Router) Route(env *jsonrpc.Envelope) {
	ev, err := jsonrpc.DecodeEvent(env)
	if err != nil {
		log.Warn().Err(err).Str("module", "event.router").Msg("undecodable notification dropped")
		return
	}
	if ev.EventType == "" {
		log.Warn().Str("module", "event.router").Msg("notification without event_type dropped")
		return
	}

	var payload map[string]any
	if len(ev.Params) > 0 {
		if err := json.Unmarshal(ev.Params, &payload); err != nil {
			log.Warn().Err(err).Str("module", "event.router").Str("type", ev.EventType).Msg("unparsable event payload dropped")
			return
		}
	}
	if payload == nil {
		payload = make(map[string]any)
	}

	namespace, _ := splitType(ev.EventType)
	tf, hasTransform := r.transforms[ev.EventType]
	var emissions []Emission
	if hasTransform {
		emissions = tf.Apply(ev.EventType, payload)
	} else {
		emissions = []Emission{{Type: ev.EventType, Payload: payload}}
	}

	kind := typeKind(ev.EventType)
	id := resolveEntityID(kind, payload)
	if id == "" {
		for _, em := range emissions {
			r.emitSession(em, ev.Params)
		}
		return
	}

	inst := r.instances.GetOrCreate(id, namespace, kind)
	if parent := resolveParentID(payload); parent != "" {
		inst.setParent(parent)
	}

	terminal := false
	for _, em := range emissions {
		if !em.Derived {
			inst.update(em.Payload)
		}
		if isTerminal(em, tf, hasTransform) {
			terminal = true
		}
	}

	for _, em := range emissions {
		_, name := splitType(em.Type)
		inst.emitter.Emit(Event{
			Type:     em.Type,
			Name:     name,
			Payload:  em.Payload,
			Raw:      ev.Params,
			Instance: inst,
		})
		if alias, ok := aliasFor(em.Type); ok {
			_, aliasName := splitType(alias)
			inst.emitter.Emit(Event{
				Type:     alias,
				Name:     aliasName,
				Payload:  em.Payload,
				Raw:      ev.Params,
				Instance: inst,
			})
		}
	}

	// Eviction happens strictly after the terminal event reached listeners.
	if terminal {
		inst.markTerminated()
		inst.cancelWaiters(sigerr.ErrConnectionClosed)
		r.instances.Remove(id)
		log.Debug().Str("module", "event.router").Str("id", id).Str("type", ev.EventType).Msg("terminal event, instance evicted")
	}
}

// Teardown cancels every waiter on every live instance. Instances stay in
// the map so a best-effort resume after reconnect keeps object identity.
func (r *Router) Teardown(err error) {
	if err == nil {
		err = sigerr.ErrConnectionClosed
	}
	r.instances.Each(func(in *Instance) {
		in.cancelWaiters(err)
	})
}

// CancelEntity settles every waiter for one entity, used when its
// subscription is dropped while a waiter is still attached.
func (r *Router) CancelEntity(id string, err error) {
	if in, ok := r.instances.Get(id); ok {
		in.cancelWaiters(err)
	}
}

func (r *Router) emitSession(em Emission, raw json.RawMessage) {
	_, name := splitType(em.Type)
	r.session.Emit(Event{
		Type:    em.Type,
		Name:    name,
		Payload: em.Payload,
		Raw:     raw,
	})
}

// splitType strips the leading namespace segment: "video.member.joined"
// yields ("video", "member.joined"). Stripping is reversible; the payload
// and Type keep the full form.
func splitType(eventType string) (namespace, name string) {
	idx := strings.IndexByte(eventType, '.')
	if idx < 0 {
		return "", eventType
	}
	return eventType[:idx], eventType[idx+1:]
}

// typeKind returns the entity class segment: "video.member.joined" -> "member".
func typeKind(eventType string) string {
	parts := strings.Split(eventType, ".")
	if len(parts) < 2 {
		return eventType
	}
	return parts[1]
}

// resolveEntityID finds the explicit entity id in the payload. The kind
// derived from the event type wins ("member_id" for member events), then a
// nested object of that kind, then a bare "id", then the room session.
func resolveEntityID(kind string, payload map[string]any) string {
	if id, ok := payload[kind+"_id"].(string); ok && id != "" {
		return id
	}
	if nested, ok := payload[kind].(map[string]any); ok {
		if id, ok := nested["id"].(string); ok && id != "" {
			return id
		}
	}
	if id, ok := payload["id"].(string); ok && id != "" {
		return id
	}
	if id, ok := payload["room_session_id"].(string); ok && id != "" {
		return id
	}
	return ""
}

// resolveParentID links derived devices (screen share) to their member.
func resolveParentID(payload map[string]any) string {
	if id, ok := payload["parent_id"].(string); ok {
		return id
	}
	if nested, ok := payload["member"].(map[string]any); ok {
		if id, ok := nested["parent_id"].(string); ok {
			return id
		}
	}
	return ""
}

func aliasFor(eventType string) (string, bool) {
	for prefix, legacy := range aliasPrefixes {
		if strings.HasPrefix(eventType, prefix) {
			return legacy + strings.TrimPrefix(eventType, prefix), true
		}
	}
	return "", false
}

func isTerminal(em Emission, tf Transform, hasTransform bool) bool {
	// Derived bool fan-outs ("...talking.ended") never terminate the entity.
	if em.Derived && hasTransform && tf.Kind == KindBoolFanout {
		return false
	}
	idx := strings.LastIndexByte(em.Type, '.')
	suffix := em.Type[idx+1:]
	_, ok := terminalSuffixes[suffix]
	return ok
}
