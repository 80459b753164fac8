package timing

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Neeleshn20/spokensense/pkg/types"
)

// ErrInvalidRange is returned by [Timeline.Confirm] for ranges that are empty,
// negative, or out of order with respect to already confirmed units.
var ErrInvalidRange = errors.New("timing: invalid range")

// Timeline is the mutable timing view of a single utterance. Positions are
// 0-based offsets into the utterance, independent of the units' page indices.
//
// A Timeline is not safe for concurrent use; the playback controller owns it
// from its command loop.
type Timeline struct {
	units []types.TimedUnit
}

// NewTimeline returns a timeline over a copy of units.
func NewTimeline(units []types.TimedUnit) *Timeline {
	return &Timeline{units: append([]types.TimedUnit(nil), units...)}
}

// Len returns the number of units.
func (t *Timeline) Len() int { return len(t.units) }

// Unit returns the unit at position pos.
func (t *Timeline) Unit(pos int) types.TimedUnit { return t.units[pos] }

// Units returns a copy of all units.
func (t *Timeline) Units() []types.TimedUnit {
	return append([]types.TimedUnit(nil), t.units...)
}

// Duration returns the end offset of the last unit.
func (t *Timeline) Duration() time.Duration {
	if len(t.units) == 0 {
		return 0
	}
	return t.units[len(t.units)-1].End
}

// IndexAt returns the position of the unit active at elapsed, or -1 when
// elapsed precedes the first unit. Ranges are half-open, so an elapsed value
// equal to one unit's end and the next unit's start selects the next unit.
// Past the end of the timeline the last unit stays active.
func (t *Timeline) IndexAt(elapsed time.Duration) int {
	i := sort.Search(len(t.units), func(i int) bool {
		return t.units[i].Start > elapsed
	})
	return i - 1
}

// Confirm replaces the range of the unit at pos with a confirmed one. The
// estimated units that follow, up to the next confirmed unit, are shifted by
// the same amount the unit's end moved; estimated units before pos are
// compressed if they would overlap the confirmed start.
func (t *Timeline) Confirm(pos int, start, end time.Duration) error {
	if pos < 0 || pos >= len(t.units) {
		return fmt.Errorf("%w: position %d out of range [0, %d)", ErrInvalidRange, pos, len(t.units))
	}
	if start < 0 || start >= end {
		return fmt.Errorf("%w: [%s, %s)", ErrInvalidRange, start, end)
	}
	prev, next := t.confirmedNeighbours(pos)
	if prev >= 0 && start < t.units[prev].Start {
		return fmt.Errorf("%w: start %s precedes confirmed unit %d", ErrInvalidRange, start, prev)
	}
	if next >= 0 && end > t.units[next].Start {
		return fmt.Errorf("%w: end %s overlaps confirmed unit %d", ErrInvalidRange, end, next)
	}

	oldEnd := t.units[pos].End
	t.units[pos].Start = start
	t.units[pos].End = end
	t.units[pos].Confidence = types.Confirmed

	// Estimated units before pos.
	lo := prev + 1
	if lo < pos && t.units[pos-1].End > start {
		from := t.units[lo].Start
		if prev >= 0 {
			from = t.units[prev].End
		}
		t.layout(lo, pos, min(from, start), start)
	}

	// Estimated units after pos.
	hi := len(t.units)
	if next >= 0 {
		hi = next
	}
	if pos+1 < hi {
		delta := end - oldEnd
		for i := pos + 1; i < hi; i++ {
			t.units[i].Start += delta
			t.units[i].End += delta
		}
		if next >= 0 && t.units[hi-1].End > t.units[next].Start {
			t.layout(pos+1, hi, end, t.units[next].Start)
		}
	}
	return nil
}

// FitTo rescales the trailing estimated units at positions >= from so the
// timeline ends at total. It is used once the real audio length is known. It
// reports whether anything changed.
func (t *Timeline) FitTo(total time.Duration, from int) bool {
	lo := max(from, 0)
	for i := len(t.units) - 1; i >= lo; i-- {
		if t.units[i].Confidence == types.Confirmed {
			lo = i + 1
			break
		}
	}
	if lo >= len(t.units) {
		return false
	}
	begin := t.units[lo].Start
	if total <= begin || total == t.Duration() {
		return false
	}
	t.layout(lo, len(t.units), begin, total)
	return true
}

// confirmedNeighbours returns the positions of the nearest confirmed units
// before and after pos, or -1.
func (t *Timeline) confirmedNeighbours(pos int) (prev, next int) {
	prev, next = -1, -1
	for i := pos - 1; i >= 0; i-- {
		if t.units[i].Confidence == types.Confirmed {
			prev = i
			break
		}
	}
	for i := pos + 1; i < len(t.units); i++ {
		if t.units[i].Confidence == types.Confirmed {
			next = i
			break
		}
	}
	return prev, next
}

// layout spreads units [lo, hi) across [from, to) keeping their relative
// durations. Every unit keeps a non-empty range even when the window is
// smaller than one nanosecond per unit.
func (t *Timeline) layout(lo, hi int, from, to time.Duration) {
	var total time.Duration
	for i := lo; i < hi; i++ {
		total += t.units[i].End - t.units[i].Start
	}
	span := to - from
	n := time.Duration(hi - lo)
	cursor := from
	for i := lo; i < hi; i++ {
		var d time.Duration
		switch {
		case span < n:
			d = 1
		case total <= 0:
			d = span / n
		default:
			d = time.Duration(float64(t.units[i].End-t.units[i].Start) * float64(span) / float64(total))
		}
		if d <= 0 {
			d = 1
		}
		t.units[i].Start = cursor
		t.units[i].End = cursor + d
		cursor += d
	}
	if span >= n && hi > lo {
		// Absorb rounding so the block ends exactly at to.
		t.units[hi-1].End = max(to, t.units[hi-1].Start+1)
	}
}
