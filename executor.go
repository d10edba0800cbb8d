package tagbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// Executor runs command handlers against a Tagbox and writes what they
	// decide, all or nothing
	Executor struct {
		tb         *Tagbox
		logger     *zap.Logger
		tracer     trace.Tracer
		maxRetries int
		backoff    time.Duration
	}

	// Handler decides what a command means given the current state it reads
	// through the CommandContext. Returning nil writes nothing
	Handler[C any] func(context.Context, C, *CommandContext) (*PendingEvent, error)

	// ExecutionResult describes a completed command
	ExecutionResult struct {
		EventIDs  []string
		Events    []*Event
		TagWrites []TagWriteResult
		Duration  time.Duration
	}

	heldReservation struct {
		consistency *TagConsistency
		reservation *Reservation
	}
)

const (
	tracerName      = "github.com/kode4food/tagbox"
	maxBackoffShift = 6
)

// NewExecutor creates an Executor for the Tagbox
func NewExecutor(tb *Tagbox) *Executor {
	return &Executor{
		tb:         tb,
		logger:     tb.logger.Named("executor"),
		tracer:     otel.Tracer(tracerName),
		maxRetries: tb.config.MaxRetries,
		backoff:    tb.config.RetryBackoff,
	}
}

// Tagbox returns the runtime the executor writes to
func (e *Executor) Tagbox() *Tagbox {
	return e.tb
}

// Exec runs the handler once and, if it produced events, reserves every
// consistency tag they carry, writes them, and confirms the reservations.
// A failed reservation writes nothing and returns a *ReservationError
func Exec[C any](
	ctx context.Context, e *Executor, cmd C, h Handler[C],
) (*ExecutionResult, error) {
	start := e.tb.clock.Now()
	ctx, span := e.tracer.Start(ctx, "tagbox.Exec",
		trace.WithAttributes(attribute.String("command", fmt.Sprintf("%T", cmd))),
	)
	defer span.End()

	res, err := e.exec(ctx, func(cc *CommandContext) (*PendingEvent, error) {
		return h(ctx, cmd, cc)
	})
	elapsed := e.tb.clock.Since(start)
	commandDuration.Update(elapsed.Seconds())

	if err != nil {
		commandsFailed.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res.Duration = elapsed
	if len(res.Events) == 0 {
		commandsEmpty.Inc()
	} else {
		commandsExecuted.Inc()
	}
	span.SetAttributes(attribute.Int("events", len(res.Events)))
	return res, nil
}

// ExecRetry behaves like Exec but re-runs the handler against fresh state
// when its tags could not be reserved, up to Config.MaxRetries times. It
// waits a jittered, growing delay between attempts
func ExecRetry[C any](
	ctx context.Context, e *Executor, cmd C, h Handler[C],
) (*ExecutionResult, error) {
	var last error
	for attempt := range e.maxRetries {
		res, err := Exec(ctx, e, cmd, h)
		if err == nil || !IsReservationFailure(err) {
			return res, err
		}
		last = err
		if attempt == e.maxRetries-1 {
			break
		}
		commandRetries.Inc()
		delay := e.retryDelay(attempt)
		e.logger.Debug("retrying command",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-e.tb.clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.Join(ErrMaxRetriesExceeded, last)
}

// retryDelay doubles the base backoff per attempt up to a cap, then picks
// a point in the upper half of it
func (e *Executor) retryDelay(attempt int) time.Duration {
	d := e.backoff << min(attempt, maxBackoffShift)
	half := int64(d / 2)
	return time.Duration(half + rand.Int64N(half+1))
}

func (e *Executor) exec(
	ctx context.Context, run func(*CommandContext) (*PendingEvent, error),
) (*ExecutionResult, error) {
	cc := newCommandContext(e.tb)
	ret, err := run(cc)
	if err != nil {
		return nil, err
	}

	pending := cc.pending(ret)
	if len(pending) == 0 {
		return &ExecutionResult{
			EventIDs:  []string{},
			Events:    []*Event{},
			TagWrites: []TagWriteResult{},
		}, nil
	}

	floor, err := e.floor(ctx, pending)
	if err != nil {
		return nil, err
	}
	evs := e.stamp(ctx, pending, floor)
	held, err := e.reserve(ctx, cc, pending, evs)
	if err != nil {
		return nil, err
	}

	written, writes, err := e.tb.store.WriteEvents(ctx, evs)
	if err != nil {
		e.release(held)
		e.logger.Error("write failed, reservations cancelled", zap.Error(err))
		return nil, fmt.Errorf("write events: %w", err)
	}

	e.confirm(held)
	e.advance(pending, evs)
	eventsWritten.Add(len(written))
	e.tb.hub.Publish(written...)

	ids := make([]string, len(written))
	for i, ev := range written {
		ids[i] = ev.ID
	}
	return &ExecutionResult{
		EventIDs:  ids,
		Events:    written,
		TagWrites: writes,
	}, nil
}

// floor returns the highest tip among the tags the events will be written
// to. Minted ids must land above it even if another writer's clock runs
// ahead of ours
func (e *Executor) floor(
	ctx context.Context, pending []*PendingEvent,
) (SortableUniqueID, error) {
	tags, _ := writeTags(pending, nil, anyTag)
	res := AnyPosition
	for _, tag := range tags {
		tip, err := e.tb.Consistency(tag).LatestSortableID(ctx)
		if err != nil {
			return AnyPosition, err
		}
		res = max(res, tip)
	}
	return res, nil
}

// stamp gives pending events their identity. Ids are minted only now, so
// they are after every position the handler could have read
func (e *Executor) stamp(
	ctx context.Context, pending []*PendingEvent, floor SortableUniqueID,
) []*Event {
	md := CommandMetadata(ctx)
	if md.CorrelationID == "" {
		md.CorrelationID = uuid.NewString()
	}

	now := e.tb.clock.Now()
	res := make([]*Event, len(pending))
	for i, p := range pending {
		res[i] = &Event{
			ID:         uuid.NewString(),
			SortableID: defaultGenerator.nextAfter(now, floor),
			Type:       p.Type,
			Tags:       DistinctTags(Tags(p.Tags...)),
			Metadata:   md,
			Data:       p.Data,
			Timestamp:  now,
		}
	}
	return res
}

func (e *Executor) reserve(
	ctx context.Context, cc *CommandContext, pending []*PendingEvent,
	evs []*Event,
) ([]heldReservation, error) {
	tags, next := writeTags(pending, evs, Tag.IsConsistencyTag)

	held := make([]heldReservation, len(tags))
	errs := make([]error, len(tags))
	var g errgroup.Group
	for i, tag := range tags {
		g.Go(func() error {
			c := e.tb.Consistency(tag)
			key := tag.String()
			r, err := c.MakeReservation(ctx, cc.expected(key), next[key])
			if err != nil {
				errs[i] = err
				return err
			}
			held[i] = heldReservation{consistency: c, reservation: r}
			return nil
		})
	}
	if g.Wait() == nil {
		return held, nil
	}

	obtained := slices.DeleteFunc(held, func(h heldReservation) bool {
		return h.reservation == nil
	})
	e.release(obtained)

	resErr := &ReservationError{}
	for i, err := range errs {
		if err == nil {
			continue
		}
		var conflict *ReservationConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		resErr.Tags = append(resErr.Tags, tags[i].String())
		resErr.Conflicts = append(resErr.Conflicts, err)
	}
	reserveConflicts.Add(len(resErr.Tags))
	e.logger.Debug("reservation failed", zap.Strings("tags", resErr.Tags))
	return nil, resErr
}

func (e *Executor) confirm(held []heldReservation) {
	for _, h := range held {
		if h.consistency.ConfirmReservation(h.reservation) {
			continue
		}
		e.logger.Warn("reservation expired before confirmation",
			zap.String("tag", h.reservation.Tag),
			zap.String("code", h.reservation.Code),
		)
		h.consistency.advance(h.reservation.Position)
	}
}

// advance moves the tip of every written tag, index tags included, so tag
// state readers see the new events without going back to the store
func (e *Executor) advance(pending []*PendingEvent, evs []*Event) {
	tags, last := writeTags(pending, evs, anyTag)
	for _, tag := range tags {
		e.tb.Consistency(tag).advance(last[tag.String()])
	}
}

func (e *Executor) release(held []heldReservation) {
	for _, h := range held {
		h.consistency.CancelReservation(h.reservation)
	}
}

// writeTags returns the distinct tags of the events that pass include, in
// first-seen order, with the highest position each will be written at. Evs
// may be nil when only the tags are wanted
func writeTags(
	pending []*PendingEvent, evs []*Event, include func(Tag) bool,
) ([]Tag, map[string]SortableUniqueID) {
	var tags []Tag
	next := map[string]SortableUniqueID{}
	for i, p := range pending {
		pos := AnyPosition
		if evs != nil {
			pos = evs[i].SortableID
		}
		for _, t := range p.Tags {
			if !include(t) {
				continue
			}
			key := t.String()
			cur, ok := next[key]
			if !ok {
				tags = append(tags, t)
			}
			if !ok || pos > cur {
				next[key] = pos
			}
		}
	}
	return tags, next
}

func anyTag(Tag) bool {
	return true
}
