package tagbox

import (
	"context"
	"sync"
)

type (
	// CommandContext is handed to a command handler. Every read made through
	// it is recorded, so the executor knows which tag positions the decision
	// was based on
	CommandContext struct {
		tb       *Tagbox
		observed map[string]SortableUniqueID
		explicit map[string]SortableUniqueID
		appended []*PendingEvent
		mu       sync.Mutex
	}

	metadataKey struct{}
)

func newCommandContext(tb *Tagbox) *CommandContext {
	return &CommandContext{
		tb:       tb,
		observed: map[string]SortableUniqueID{},
		explicit: map[string]SortableUniqueID{},
	}
}

// GetState folds the tag through the projector and records the tag
// position the state reflects
func GetState[T any](
	ctx context.Context, cc *CommandContext, tag Tag, p *Projector[T],
) (*TagState[T], error) {
	a, err := TagStateActorFor(cc.tb, tag, p)
	if err != nil {
		return nil, err
	}
	st, tip, err := a.sync(ctx)
	if err != nil {
		return nil, err
	}
	cc.observe(tag, tip)
	return st, nil
}

// TagExists reports whether any event carries the tag
func (cc *CommandContext) TagExists(ctx context.Context, tag Tag) (bool, error) {
	tip, err := cc.tb.Consistency(tag).LatestSortableID(ctx)
	if err != nil {
		return false, err
	}
	cc.observe(tag, tip)
	if tip != AnyPosition {
		return true, nil
	}
	return cc.tb.store.TagExists(ctx, tag)
}

// LatestSortableID returns the tag's confirmed tip
func (cc *CommandContext) LatestSortableID(
	ctx context.Context, tag Tag,
) (SortableUniqueID, error) {
	tip, err := cc.tb.Consistency(tag).LatestSortableID(ctx)
	if err != nil {
		return AnyPosition, err
	}
	cc.observe(tag, tip)
	return tip, nil
}

// Append queues an event in addition to the one the handler returns
func (cc *CommandContext) Append(
	typ EventType, payload any, tags ...Tag,
) error {
	ev, err := Emit(typ, payload, tags...)
	if err != nil {
		return err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.appended = append(cc.appended, ev)
	return nil
}

// ExpectPosition pins the position the tag must still be at when the
// command's events are written. It overrides any observed position
func (cc *CommandContext) ExpectPosition(tag Tag, pos SortableUniqueID) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.explicit[tag.String()] = pos
}

// ExpectAny writes to the tag whatever its position is (last writer wins),
// even if the handler read its state
func (cc *CommandContext) ExpectAny(tag Tag) {
	cc.ExpectPosition(tag, AnyPosition)
}

// The first observation wins: it is what the handler decided on
func (cc *CommandContext) observe(tag Tag, tip SortableUniqueID) {
	if !tag.IsConsistencyTag() {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	key := tag.String()
	if _, ok := cc.observed[key]; !ok {
		cc.observed[key] = tip
	}
}

func (cc *CommandContext) expected(tag string) SortableUniqueID {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if pos, ok := cc.explicit[tag]; ok {
		return pos
	}
	if pos, ok := cc.observed[tag]; ok {
		return pos
	}
	return AnyPosition
}

func (cc *CommandContext) pending(ret *PendingEvent) []*PendingEvent {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	res := make([]*PendingEvent, 0, len(cc.appended)+1)
	res = append(res, cc.appended...)
	if ret != nil {
		res = append(res, ret)
	}
	return res
}

// WithCommandMetadata attaches metadata that will be stamped on every
// event the command writes
func WithCommandMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// CommandMetadata returns the metadata attached to the context, if any
func CommandMetadata(ctx context.Context) Metadata {
	md, _ := ctx.Value(metadataKey{}).(Metadata)
	return md
}
