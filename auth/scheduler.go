package auth

import (
	"math"
	"sync"
	"time"
)

const (
	// maxRefreshSeconds bounds the staleness window and keeps the computed
	// delay clear of platform timer limits for very long-lived tokens.
	maxRefreshSeconds = 600
	// refreshFraction fires the refresh at 90% of the token's remaining
	// lifetime.
	refreshFraction = 0.9
	// defaultFallbackRefreshDelay re-arms the refresh loop shortly after a
	// process restart, when the original expiry is no longer known.
	defaultFallbackRefreshDelay = 15 * time.Second
)

// RefreshDelay computes the delay before the next token refresh:
// round(min(expiresInSeconds, 600) * 0.9) * 1000 ms, rounding half up.
func RefreshDelay(expiresInSeconds float64) time.Duration {
	if expiresInSeconds > maxRefreshSeconds {
		expiresInSeconds = maxRefreshSeconds
	}
	seconds := math.Floor(expiresInSeconds*refreshFraction + 0.5)
	return time.Duration(seconds*1000) * time.Millisecond
}

// refreshScheduler is a single-slot deferred-call mechanism: at most one
// refresh callback is ever pending. The handle is cleared before the callback
// runs so a failed or slow refresh never blocks re-scheduling.
type refreshScheduler struct {
	lock      sync.Mutex
	timer     *time.Timer
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func newRefreshScheduler(afterFunc func(time.Duration, func()) *time.Timer) *refreshScheduler {
	if afterFunc == nil {
		afterFunc = time.AfterFunc
	}
	return &refreshScheduler{afterFunc: afterFunc}
}

// ScheduleSeconds arms the timer for RefreshDelay(expiresInSeconds).
func (s *refreshScheduler) ScheduleSeconds(expiresInSeconds float64, fire func()) bool {
	return s.Schedule(RefreshDelay(expiresInSeconds), fire)
}

// Schedule arms the timer, or does nothing if one is already pending.
// Returns whether a new timer was armed.
func (s *refreshScheduler) Schedule(delay time.Duration, fire func()) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.timer != nil {
		return false
	}
	s.timer = s.afterFunc(delay, func() {
		s.clear()
		fire()
	})
	return true
}

// Scheduled reports whether a refresh callback is pending.
func (s *refreshScheduler) Scheduled() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.timer != nil
}

// Cancel stops and drops any pending timer.
func (s *refreshScheduler) Cancel() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *refreshScheduler) clear() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.timer = nil
}
