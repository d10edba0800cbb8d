package tagbox

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

// SortableUniqueID orders events. Its string form is a zero-padded UnixNano
// timestamp followed by a tie breaker, so lexicographic comparison matches
// chronological order
type SortableUniqueID string

type sortableGenerator struct {
	mu       sync.Mutex
	lastNano int64
	lastTie  int64
}

const (
	timeDigits = 19
	tieDigits  = 11
	maxTie     = 99_999_999_999

	// AnyPosition is the empty expectation: a reservation made with it
	// accepts whatever the tag's current tip is (last writer wins)
	AnyPosition SortableUniqueID = ""
)

var defaultGenerator = &sortableGenerator{}

// NewSortableUniqueID returns an id that is strictly greater than any id
// previously returned by this process
func NewSortableUniqueID() SortableUniqueID {
	return defaultGenerator.next(time.Now())
}

// SortableIDAt builds an id for the given time and tie breaker
func SortableIDAt(t time.Time, tie int64) SortableUniqueID {
	return format(t.UnixNano(), tie)
}

// MinSortableID returns the lowest possible id at the given time
func MinSortableID(t time.Time) SortableUniqueID {
	return format(t.UnixNano(), 0)
}

// SafeWindowThreshold returns the id below which events are considered
// settled for the given window
func SafeWindowThreshold(now time.Time, window time.Duration) SortableUniqueID {
	return MinSortableID(now.Add(-window))
}

func (g *sortableGenerator) next(now time.Time) SortableUniqueID {
	return g.nextAfter(now, AnyPosition)
}

// nextAfter returns an id later than both the previous one and floor, even
// when floor is ahead of the local clock
func (g *sortableGenerator) nextAfter(
	now time.Time, floor SortableUniqueID,
) SortableUniqueID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if nano, tie, ok := floor.parts(); ok {
		if nano > g.lastNano || nano == g.lastNano && tie > g.lastTie {
			g.lastNano, g.lastTie = nano, tie
		}
	}

	nano := now.UnixNano()
	if nano > g.lastNano {
		g.lastNano = nano
		g.lastTie = rand.Int64N(maxTie / 2)
		return format(g.lastNano, g.lastTie)
	}

	if g.lastTie < maxTie {
		g.lastTie++
	} else {
		g.lastNano++
		g.lastTie = 0
	}
	return format(g.lastNano, g.lastTie)
}

func format(nano, tie int64) SortableUniqueID {
	return SortableUniqueID(fmt.Sprintf("%019d%011d", nano, tie%(maxTie+1)))
}

// Time returns the timestamp component of the id
func (id SortableUniqueID) Time() (time.Time, error) {
	if err := id.Validate(); err != nil {
		return time.Time{}, err
	}
	nano, _ := strconv.ParseInt(string(id[:timeDigits]), 10, 64)
	return time.Unix(0, nano).UTC(), nil
}

func (id SortableUniqueID) parts() (int64, int64, bool) {
	if id.Validate() != nil {
		return 0, 0, false
	}
	nano, err := strconv.ParseInt(string(id[:timeDigits]), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	tie, _ := strconv.ParseInt(string(id[timeDigits:]), 10, 64)
	return nano, tie, true
}

// Validate checks that the id has the expected shape
func (id SortableUniqueID) Validate() error {
	if len(id) != timeDigits+tieDigits {
		return fmt.Errorf("%w: %q", ErrInvalidSortableID, string(id))
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidSortableID, string(id))
		}
	}
	return nil
}

// IsEarlierThan reports whether id sorts before other
func (id SortableUniqueID) IsEarlierThan(other SortableUniqueID) bool {
	return id < other
}

// IsLaterThan reports whether id sorts after other
func (id SortableUniqueID) IsLaterThan(other SortableUniqueID) bool {
	return id > other
}

func (id SortableUniqueID) String() string {
	return string(id)
}
