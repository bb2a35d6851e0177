// Package ratelimit implements per-key command cooldowns.
package ratelimit

import (
	"sync"
	"time"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
	"github.com/robfig/cron/v3"
)

// DefaultWindow is the cooldown applied when none is configured.
const DefaultWindow = 10 * time.Second

// reapSchedule is how often stale cooldown entries are swept.
const reapSchedule = "@every 1m"

// Key builds the cooldown key for a command in a conversation. Keying by
// conversation means any participant re-triggering inside the window is
// rejected, not only the original caller.
func Key(conversationID, command string) string {
	return conversationID + "\x00" + command
}

// Limiter records the time of the last admitted invocation per key.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

// New creates a limiter. A non-positive window disables cooldowns.
func New(window time.Duration) *Limiter {
	return &Limiter{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// NewWithClock is New with an injected time source.
func NewWithClock(window time.Duration, now func() time.Time) *Limiter {
	l := New(window)
	l.now = now
	return l
}

// Window returns the configured cooldown.
func (l *Limiter) Window() time.Duration { return l.window }

// Admit reports whether an invocation for key may proceed and, if so,
// records it. A rejected call leaves the recorded timestamp unchanged.
func (l *Limiter) Admit(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.window {
		return false
	}
	l.last[key] = now
	return true
}

// Remaining returns how long key stays on cooldown, or zero.
func (l *Limiter) Remaining(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.last[key]
	if !ok {
		return 0
	}
	if left := l.window - l.now().Sub(last); left > 0 {
		return left
	}
	return 0
}

// Reap drops entries whose cooldown has elapsed and returns how many were removed.
func (l *Limiter) Reap() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, last := range l.last {
		if now.Sub(last) >= l.window {
			delete(l.last, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}

// StartReaper schedules periodic Reap calls. The returned function stops
// the schedule and waits for a running sweep to finish.
func (l *Limiter) StartReaper(log *logging.Logger) (stop func(), err error) {
	c := cron.New()
	_, err = c.AddFunc(reapSchedule, func() {
		if n := l.Reap(); n > 0 {
			log.Debug().Int("removed", n).Int("tracked", l.Len()).Msg("cooldown entries reaped")
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
