package middleware

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RateLimiter is a fixed-window limiter keyed by user when authenticated,
// by client IP otherwise.
type RateLimiter struct {
	requests map[string]*requestWindow
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

type requestWindow struct {
	count     int
	expiresAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string]*requestWindow),
		limit:    limit,
		window:   window,
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		for range ticker.C {
			rl.cleanup()
		}
	}()

	return rl
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, w := range rl.requests {
		if now.After(w.expiresAt) {
			delete(rl.requests, key)
		}
	}
}

func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		if uid, ok := c.Locals("user_id").(uuid.UUID); ok {
			key = uid.String()
		}

		rl.mu.Lock()
		w, exists := rl.requests[key]
		now := time.Now()

		if !exists || now.After(w.expiresAt) {
			w = &requestWindow{count: 1, expiresAt: now.Add(rl.window)}
			rl.requests[key] = w
			rl.mu.Unlock()
			rl.setHeaders(c, rl.limit-1, w)
			return c.Next()
		}

		if w.count >= rl.limit {
			retryAfter := int(w.expiresAt.Sub(now).Seconds())
			rl.mu.Unlock()
			rl.setHeaders(c, 0, w)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "rate limit exceeded",
				"code":        "RATE_LIMITED",
				"retry_after": retryAfter,
			})
		}

		w.count++
		remaining := rl.limit - w.count
		rl.mu.Unlock()

		rl.setHeaders(c, remaining, w)
		return c.Next()
	}
}

func (rl *RateLimiter) setHeaders(c *fiber.Ctx, remaining int, w *requestWindow) {
	c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.limit))
	c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	c.Set("X-RateLimit-Reset", fmt.Sprintf("%d", w.expiresAt.Unix()))
}
