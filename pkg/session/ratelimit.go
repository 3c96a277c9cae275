package session

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiters hands out one token bucket per user, shared across all of that
// user's concurrent sessions.
type Limiters struct {
	mu    sync.Mutex
	users map[string]*rate.Limiter
	every time.Duration
	burst int
}

// NewLimiters creates a limiter registry allowing one action per `every`
// with the given burst.
func NewLimiters(every time.Duration, burst int) *Limiters {
	return &Limiters{
		users: make(map[string]*rate.Limiter),
		every: every,
		burst: burst,
	}
}

// Allow consumes a token for the user if one is available. When denied it
// returns the number of whole seconds (at least 1) until the next token.
func (l *Limiters) Allow(userID string) (allowed bool, retryAfterSeconds int) {
	l.mu.Lock()
	lim, ok := l.users[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.every), l.burst)
		l.users[userID] = lim
	}
	l.mu.Unlock()

	r := lim.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return true, 0
	}
	r.Cancel()

	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return false, secs
}
