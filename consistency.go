package tagbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type (
	// TagConsistency brokers write reservations for a single tag. It knows
	// the tag's confirmed tip and hands out at most one unexpired
	// reservation at a time
	TagConsistency struct {
		tag      Tag
		store    EventStore
		clock    clockwork.Clock
		logger   *zap.Logger
		window   time.Duration
		active   *Reservation
		latest   SortableUniqueID
		mu       sync.Mutex
		caughtUp bool
	}

	// Reservation is a time-boxed claim on a tag's next write slot
	Reservation struct {
		ExpiresAt time.Time        `json:"expires_at"`
		Code      string           `json:"code"`
		Tag       string           `json:"tag"`
		Position  SortableUniqueID `json:"position"`
	}
)

// NewTagConsistency creates a coordinator for the tag. The store may be nil,
// in which case the tag starts with an empty tip
func NewTagConsistency(
	tag Tag, store EventStore, window time.Duration, clock clockwork.Clock,
	logger *zap.Logger,
) *TagConsistency {
	if window <= 0 {
		window = DefaultCancellationWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TagConsistency{
		tag:    tag,
		store:  store,
		window: window,
		clock:  clock,
		logger: logger.With(zap.Stringer("tag", tag)),
	}
}

// Tag returns the tag this coordinator serves
func (c *TagConsistency) Tag() Tag {
	return c.tag
}

// LatestSortableID returns the tag's confirmed tip, catching up from the
// store the first time it is called
func (c *TagConsistency) LatestSortableID(
	ctx context.Context,
) (SortableUniqueID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.catchUp(ctx); err != nil {
		return AnyPosition, err
	}
	return c.latest, nil
}

// MakeReservation claims the tag's write slot for a write at position next.
// A non-empty expected must equal the current tip; AnyPosition accepts
// whatever the tip is
func (c *TagConsistency) MakeReservation(
	ctx context.Context, expected, next SortableUniqueID,
) (*Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.catchUp(ctx); err != nil {
		return nil, err
	}

	now := c.clock.Now()
	c.expire(now)

	if c.active != nil {
		return nil, c.conflict(ConflictActiveReservation, expected)
	}
	if expected != AnyPosition && expected != c.latest {
		return nil, c.conflict(ConflictStalePosition, expected)
	}
	if next <= c.latest {
		return nil, &ReservationConflictError{
			Tag:      c.tag.String(),
			Reason:   ConflictPositionBehindTip,
			Expected: next,
			Actual:   c.latest,
		}
	}

	c.active = &Reservation{
		Code:      uuid.NewString(),
		Tag:       c.tag.String(),
		ExpiresAt: now.Add(c.window),
		Position:  next,
	}
	c.logger.Debug("reservation made",
		zap.String("code", c.active.Code),
		zap.Stringer("position", next),
		zap.Time("expires_at", c.active.ExpiresAt),
	)
	res := *c.active
	return &res, nil
}

// ConfirmReservation succeeds only for the active, unexpired reservation.
// The reservation's position becomes the tag's tip
func (c *TagConsistency) ConfirmReservation(r *Reservation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive(r) || !c.clock.Now().Before(c.active.ExpiresAt) {
		return false
	}
	if c.active.Position > c.latest {
		c.latest = c.active.Position
	}
	c.active = nil
	c.logger.Debug("reservation confirmed", zap.String("code", r.Code))
	return true
}

// CancelReservation frees the write slot without moving the tip
func (c *TagConsistency) CancelReservation(r *Reservation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive(r) {
		return false
	}
	c.active = nil
	c.logger.Debug("reservation cancelled", zap.String("code", r.Code))
	return true
}

// ActiveReservations lists the reservations that have not expired
func (c *TagConsistency) ActiveReservations() []Reservation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || !c.clock.Now().Before(c.active.ExpiresAt) {
		return []Reservation{}
	}
	return []Reservation{*c.active}
}

// advance raises the tip after a write whose reservation could no longer
// be confirmed, so readers still see the written events
func (c *TagConsistency) advance(pos SortableUniqueID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos > c.latest {
		c.latest = pos
	}
}

func (c *TagConsistency) isActive(r *Reservation) bool {
	return r != nil && c.active != nil && c.active.Code == r.Code
}

func (c *TagConsistency) expire(now time.Time) {
	if c.active != nil && !now.Before(c.active.ExpiresAt) {
		c.logger.Debug("reservation expired",
			zap.String("code", c.active.Code),
			zap.Time("expires_at", c.active.ExpiresAt),
		)
		c.active = nil
	}
}

func (c *TagConsistency) catchUp(ctx context.Context) error {
	if c.caughtUp {
		return nil
	}
	if c.store != nil {
		info, err := c.store.GetLatestTag(ctx, c.tag)
		if err != nil {
			return err
		}
		if info.LastSortableID > c.latest {
			c.latest = info.LastSortableID
		}
	}
	c.caughtUp = true
	return nil
}

func (c *TagConsistency) conflict(
	reason ConflictReason, expected SortableUniqueID,
) error {
	return &ReservationConflictError{
		Tag:      c.tag.String(),
		Reason:   reason,
		Expected: expected,
		Actual:   c.latest,
	}
}
