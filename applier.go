package tagbox

import (
	"encoding/json"
	"fmt"
)

type (
	// Applier folds one event into a state value. Appliers must not mutate
	// the state they are given; they return a new value instead
	Applier[T any] func(T, *Event) (T, error)

	// Appliers maps event types to the Applier that folds them
	Appliers[T any] map[EventType]Applier[T]
)

// MakeApplier decodes the event's JSON data into Data before calling fn.
// Decoding failures are reported rather than ignored
func MakeApplier[T, Data any](fn func(T, *Event, Data) T) Applier[T] {
	return func(val T, ev *Event) (T, error) {
		var data Data
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return val, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return fn(val, ev, data), nil
	}
}
