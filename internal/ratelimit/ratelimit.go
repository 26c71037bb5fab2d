// Package ratelimit throttles mutating XRPC procedures and the
// firehose subscription endpoint with a sliding-window counter per
// remote address, so a single misbehaving client can't starve the
// node's one repository write lock or its firehose fanout.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/labstack/echo/v4"
)

// Limiter guards a group of routes with a shared requests-per-window
// budget, keyed by remote address.
type Limiter struct {
	limit  int64
	window time.Duration

	mu    sync.Mutex
	perIP map[string]*slidingwindow.Limiter
}

// New builds a Limiter allowing limit requests per window, per remote
// address.
func New(limit int64, window time.Duration) *Limiter {
	return &Limiter{limit: limit, window: window, perIP: make(map[string]*slidingwindow.Limiter)}
}

func (l *Limiter) limiterFor(key string) *slidingwindow.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.perIP[key]; ok {
		return lim
	}
	lim, _, err := slidingwindow.NewLimiter(l.window, l.limit, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	if err != nil {
		// slidingwindow.NewLimiter only errors on a nil window
		// constructor; NewLocalWindow never returns one.
		panic("ratelimit: unexpected limiter construction failure: " + err.Error())
	}
	l.perIP[key] = lim
	return lim
}

// Middleware rejects requests once the caller's remote address has
// exceeded its window budget, with a 429 XRPC-shaped error envelope.
func (l *Limiter) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.RealIP()
		if !l.limiterFor(key).Allow() {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error":   "RateLimitExceeded",
				"message": "too many requests",
			})
		}
		return next(c)
	}
}
