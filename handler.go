package tagbox

import (
	"encoding/json"
	"fmt"
)

// EventHandler reacts to a single delivered event
type EventHandler func(*Event) error

// MakeHandler decodes the event's data into T before calling fn
func MakeHandler[T any](fn func(ev *Event, data T) error) EventHandler {
	return func(ev *Event) error {
		var data T
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return fn(ev, data)
	}
}

// MakeDispatcher routes events to the handler registered for their type.
// Events of other types are ignored
func MakeDispatcher(handlers map[EventType]EventHandler) EventHandler {
	return func(ev *Event) error {
		if fn, ok := handlers[ev.Type]; ok {
			return fn(ev)
		}
		return nil
	}
}

// DispatcherFilter selects the event types the dispatcher has handlers for
func DispatcherFilter(handlers map[EventType]EventHandler) EventFilter {
	res := EventFilter{Types: make([]EventType, 0, len(handlers))}
	for typ := range handlers {
		res.Types = append(res.Types, typ)
	}
	return res
}
