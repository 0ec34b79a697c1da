// Package reply decides whether, and when, a retrieved response is sent.
package reply

import (
	"time"

	"mimic/internal/logging"
)

// Probability returns the chance of replying given the retrieval distance
// in [0, 2] and the audience size excluding the bot. Direct messages are
// always answered. A closer match or a smaller audience raises the chance,
// which keeps interjections rare in busy group channels.
func Probability(distance float64, audience int, direct bool) float64 {
	if direct {
		return 1
	}
	if audience < 1 {
		audience = 1
	}

	p := (2 - distance) / (2 * float64(audience) * (distance + 1))
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	logging.ReplyDebug("Probability of replying at distance %.3f to %d people is %.3f", distance, audience, p)
	return p
}

// SendDelay returns how long to wait before sending. Direct messages are
// answered immediately; otherwise the bot paces itself at one and a half
// times the channel's median reply delay.
func SendDelay(median time.Duration, direct bool) time.Duration {
	if direct {
		return 0
	}
	return median * 3 / 2
}
