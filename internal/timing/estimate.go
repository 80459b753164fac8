package timing

import (
	"time"

	"github.com/Neeleshn20/spokensense/pkg/types"
)

// Estimate lays units out back to back using m. Every result is
// [types.Estimated], the first unit starts at zero and each unit starts where
// the previous one ends. The same input always produces the same offsets.
func Estimate(units []types.TextUnit, m RateModel) []types.TimedUnit {
	out := make([]types.TimedUnit, len(units))
	var cursor time.Duration
	for i, u := range units {
		d := m.Duration(u.Text)
		out[i] = types.TimedUnit{
			TextUnit:   u,
			Start:      cursor,
			End:        cursor + d,
			Confidence: types.Estimated,
		}
		cursor += d
	}
	return out
}

// CharCount returns the total rune count of all unit texts.
func CharCount(units []types.TimedUnit) int {
	n := 0
	for _, u := range units {
		n += len([]rune(u.Text))
	}
	return n
}
