package reply

import (
	"sync"
	"time"

	"mimic/internal/logging"
	"mimic/internal/metrics"
)

// Scheduler tracks at most one pending delayed reply per channel. A newer
// message in a channel cancels the pending reply before its timer fires, so
// only the most recent message in a burst gets answered.
type Scheduler struct {
	mu      sync.Mutex
	pending map[int64]*pendingReply
}

type pendingReply struct {
	timer     *time.Timer
	cancelled bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[int64]*pendingReply)}
}

// Schedule arranges for send to run after delay, replacing any reply still
// pending for the channel. send runs on the timer goroutine.
func (s *Scheduler) Schedule(channelID int64, delay time.Duration, send func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(channelID)

	p := &pendingReply{}
	p.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// The flag, not the map, is authoritative: a replacement entry
		// may already occupy the slot.
		if p.cancelled {
			s.mu.Unlock()
			return
		}
		if s.pending[channelID] == p {
			delete(s.pending, channelID)
		}
		s.mu.Unlock()
		send()
	})
	s.pending[channelID] = p
	logging.ReplyDebug("Scheduled reply in channel %d after %v", channelID, delay)
}

// Cancel drops any pending reply for the channel. Returns whether one was
// pending.
func (s *Scheduler) Cancel(channelID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(channelID)
}

func (s *Scheduler) cancelLocked(channelID int64) bool {
	p, ok := s.pending[channelID]
	if !ok {
		return false
	}
	p.cancelled = true
	p.timer.Stop()
	delete(s.pending, channelID)
	metrics.RepliesCancelled.Inc()
	logging.ReplyDebug("Cancelled pending reply in channel %d", channelID)
	return true
}

// Stop cancels every pending reply.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.pending {
		s.cancelLocked(id)
	}
}
