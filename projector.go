package tagbox

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
)

type (
	// Projector is a named, versioned fold. Bumping Version invalidates
	// every state previously built with it
	Projector[T any] struct {
		Name     string
		Version  string
		Init     func() T
		Appliers Appliers[T]
	}

	// ProjectorInfo is the type-erased view of a Projector, used to resolve
	// projectors by name
	ProjectorInfo interface {
		ProjectorName() string
		ProjectorVersion() string
		EventTypes() []EventType
		serializableTagState(
			context.Context, *Tagbox, Tag,
		) (*SerializableTagState, error)
	}
)

func (p *Projector[_]) ProjectorName() string {
	return p.Name
}

func (p *Projector[_]) ProjectorVersion() string {
	return p.Version
}

// EventTypes returns the sorted event types the projector folds
func (p *Projector[_]) EventTypes() []EventType {
	return slices.Sorted(maps.Keys(p.Appliers))
}

// Handles reports whether the projector has an applier for the type
func (p *Projector[_]) Handles(typ EventType) bool {
	_, ok := p.Appliers[typ]
	return ok
}

// Filter returns an EventFilter selecting the projector's event types
func (p *Projector[_]) Filter() EventFilter {
	return EventFilter{Types: p.EventTypes()}
}

// Apply folds a single event. An event type without an applier produces an
// UnregisteredTypeError and leaves the state untouched
func (p *Projector[T]) Apply(state T, ev *Event) (T, error) {
	apply, ok := p.Appliers[ev.Type]
	if !ok {
		return state, &UnregisteredTypeError{
			Kind: "event type",
			Name: string(ev.Type),
		}
	}
	return apply(state, ev)
}

func (p *Projector[T]) initial() T {
	if p.Init == nil {
		var zero T
		return zero
	}
	return p.Init()
}

func (p *Projector[T]) decode(data json.RawMessage) (T, error) {
	res := p.initial()
	if len(data) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return p.initial(), err
	}
	return res, nil
}

func (p *Projector[T]) serializableTagState(
	ctx context.Context, tb *Tagbox, tag Tag,
) (*SerializableTagState, error) {
	st, err := GetTagState(ctx, tb, tag, p)
	if err != nil {
		return nil, err
	}
	return st.Serializable()
}
