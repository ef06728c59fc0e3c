package tracking

import (
	"math"

	"github.com/kevinpatel18/location-tracker/internal/position"
)

// DefaultThresholdDeg is roughly one meter at mid-latitudes.
const DefaultThresholdDeg = 1e-5

// MovementFilter decides whether a fix moved far enough from the last
// recorded point to be worth keeping. The comparison is per-axis on raw
// coordinate values; nothing is rounded.
type MovementFilter struct {
	Threshold float64 // degrees per axis
}

func NewMovementFilter(threshold float64) MovementFilter {
	if threshold <= 0 {
		threshold = DefaultThresholdDeg
	}
	return MovementFilter{Threshold: threshold}
}

// Significant reports whether candidate differs from last by more than the
// threshold on at least one axis. A missing last point always accepts.
func (f MovementFilter) Significant(candidate position.Fix, last *position.Fix) bool {
	if last == nil {
		return true
	}
	return math.Abs(candidate.Lat-last.Lat) > f.Threshold ||
		math.Abs(candidate.Lng-last.Lng) > f.Threshold
}
