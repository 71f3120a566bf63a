package service

import (
	"github.com/smartcity/intersection/internal/domain"
)

// Resolve picks the SPAT sample that governs the visible window: among the
// samples inside [window.Start, window.End] it returns the one closest to
// window.End. Samples are expected in store order; on equal distance the
// later sample wins, which matches the overwrite rule of the SPAT store.
// The boolean is false when no sample lies inside the window.
func Resolve(samples []domain.SpatSample, window domain.TimeWindow) (domain.SpatSample, bool) {
	var (
		best     domain.SpatSample
		bestDist int64
		found    bool
	)
	for _, s := range samples {
		if !window.Contains(s.ReceivedAt) {
			continue
		}
		dist := int64(window.End - s.ReceivedAt)
		if dist < 0 {
			dist = -dist
		}
		if !found || dist <= bestDist {
			best, bestDist, found = s, dist, true
		}
	}
	return best, found
}
