package event

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// TransformKind tags one variant of the closed transform set. Runtime event
// renaming is expressed through these variants and a dispatch function, not
// a template language, so every mapping stays statically checkable.
type TransformKind int

const (
	// KindStaticRename rewrites one event type into another.
	KindStaticRename TransformKind = iota
	// KindFieldFanout rewrites a carrier event (e.g. "calling.call.state")
	// into "<prefix>.<payload[field]>", one dedicated event per state value.
	KindFieldFanout
	// KindBoolFanout rewrites a boolean flag event into a started/ended
	// suffix pair, e.g. talking -> "...talking.started"/"...talking.ended".
	KindBoolFanout
	// KindReshape rewrites the payload without renaming the event.
	KindReshape
)

// Transform is one registered rewrite rule.
type Transform struct {
	Kind TransformKind

	// To is the target type for static renames.
	To string
	// Prefix+Field drive fan-out variants.
	Prefix string
	Field  string
	// TrueSuffix/FalseSuffix complete a bool fan-out.
	TrueSuffix  string
	FalseSuffix string
	// Reshape mutates a copy of the payload for reshape variants.
	Reshape func(map[string]any) map[string]any
}

// Emission is one event produced by applying a transform: the primary
// (possibly renamed) event plus any derived events.
type Emission struct {
	Type    string
	Payload map[string]any
	// Derived marks synthesized companion events that must not alter the
	// instance snapshot beyond what the primary emission recorded.
	Derived bool
}

// Apply evaluates the transform against one wire event. The fallback for an
// unregistered or inapplicable transform is the identity emission.
func (t Transform) Apply(eventType string, payload map[string]any) []Emission {
	switch t.Kind {
	case KindStaticRename:
		return []Emission{{Type: t.To, Payload: payload}}

	case KindFieldFanout:
		v, ok := payload[t.Field].(string)
		if !ok || v == "" {
			log.Warn().Str("module", "event.transform").Str("type", eventType).Str("field", t.Field).Msg("fanout field missing, keeping original type")
			return []Emission{{Type: eventType, Payload: payload}}
		}
		return []Emission{
			{Type: eventType, Payload: payload},
			{Type: fmt.Sprintf("%s.%s", t.Prefix, v), Payload: payload, Derived: true},
		}

	case KindBoolFanout:
		v, ok := payload[t.Field].(bool)
		if !ok {
			log.Warn().Str("module", "event.transform").Str("type", eventType).Str("field", t.Field).Msg("bool fanout field missing, keeping original type")
			return []Emission{{Type: eventType, Payload: payload}}
		}
		suffix := t.FalseSuffix
		if v {
			suffix = t.TrueSuffix
		}
		return []Emission{
			{Type: eventType, Payload: payload},
			{Type: fmt.Sprintf("%s.%s", t.Prefix, suffix), Payload: payload, Derived: true},
		}

	case KindReshape:
		if t.Reshape == nil {
			return []Emission{{Type: eventType, Payload: payload}}
		}
		return []Emission{{Type: eventType, Payload: t.Reshape(payload)}}

	default:
		return []Emission{{Type: eventType, Payload: payload}}
	}
}

// defaultTransforms is the rule set for the standard event taxonomy.
func defaultTransforms() map[string]Transform {
	return map[string]Transform{
		// A call state carrier fans out into one event per state value:
		// calling.call.state{call_state:"ended"} also emits calling.call.ended.
		"calling.call.state": {
			Kind:   KindFieldFanout,
			Prefix: "calling.call",
			Field:  "call_state",
		},
		// Talking flag synthesizes started/ended companions; the snapshot
		// only records the flag itself.
		"video.member.talking": {
			Kind:        KindBoolFanout,
			Prefix:      "video.member.talking",
			Field:       "talking",
			TrueSuffix:  "started",
			FalseSuffix: "ended",
		},
	}
}
