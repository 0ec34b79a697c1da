// Package history computes reply-delay statistics from channel message
// history. The quartiles it produces drive both prompt/response pairing
// (a gap longer than the upper quartile is not a plausible reply) and the
// timing of outgoing replies.
package history

import (
	"errors"
	"sort"
	"time"

	"mimic/internal/logging"
	"mimic/internal/store"
)

// ErrInsufficientData is returned when a channel's history contains fewer
// than two eligible delays. Callers fall back to DefaultMedian instead of
// treating it as fatal.
var ErrInsufficientData = errors.New("history: insufficient data for delay statistics")

// DefaultMedian is the assumed typical reply delay for channels without
// enough history to measure one.
const DefaultMedian = 60 * time.Second

// Delays holds the three-point quantile split of observed reply delays.
type Delays struct {
	Lower  time.Duration
	Median time.Duration
	Upper  time.Duration
}

// AnalyzeDelays computes delay quartiles over consecutive message pairs in
// a channel history. A pair is eligible when the two messages have
// different authors and the later author is human; bot replies arrive
// near-instantly and would bias the distribution low.
//
// The slice may be in any order; it is sorted by creation time internally.
// isHuman resolves whether an author id belongs to a human.
func AnalyzeDelays(msgs []*store.Message, isHuman func(authorID int64) bool) (Delays, error) {
	ordered := make([]*store.Message, len(msgs))
	copy(ordered, msgs)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var delays []float64
	for i := 1; i < len(ordered); i++ {
		earlier, later := ordered[i-1], ordered[i]
		if earlier.AuthorID == later.AuthorID {
			continue
		}
		if !isHuman(later.AuthorID) {
			continue
		}
		delays = append(delays, later.CreatedAt.Sub(earlier.CreatedAt).Seconds())
	}

	if len(delays) < 2 {
		logging.Get(logging.CategoryHistory).Debug(
			"only %d eligible delays in %d messages, not enough to analyze", len(delays), len(msgs))
		return Delays{}, ErrInsufficientData
	}

	lower, median, upper := quartiles(delays)
	d := Delays{
		Lower:  secondsDuration(lower),
		Median: secondsDuration(median),
		Upper:  secondsDuration(upper),
	}
	logging.Get(logging.CategoryHistory).Debug(
		"delay quartiles over %d samples: %v / %v / %v", len(delays), d.Lower, d.Median, d.Upper)
	return d, nil
}

// quartiles splits data into four equal groups using the exclusive method:
// quantile points are interpolated between order statistics assuming the
// sample minimum and maximum are not the population extremes. data must
// have at least two elements and is sorted in place.
func quartiles(data []float64) (lower, median, upper float64) {
	sort.Float64s(data)
	ld := len(data)
	m := ld + 1

	q := make([]float64, 3)
	for i := 1; i <= 3; i++ {
		j := i * m / 4
		if j < 1 {
			j = 1
		} else if j > ld-1 {
			j = ld - 1
		}
		delta := i*m - j*4
		q[i-1] = (data[j-1]*float64(4-delta) + data[j]*float64(delta)) / 4
	}
	return q[0], q[1], q[2]
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
