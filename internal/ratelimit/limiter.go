// Package ratelimit bounds the number of admitted operations per identity key
// within a fixed time window.
//
// A window opens on the first admitted request for a key and is deleted in
// full once it elapses, so the next request starts a fresh window. Bursts of
// up to twice the limit across a window boundary are therefore possible; that
// is an accepted property of fixed windows.
package ratelimit

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/clock"
	"github.com/nocloudhq/cloudbridge/internal/observability"
)

// Defaults applied when a Config field is left at zero.
const (
	DefaultMaxRequests = 10
	DefaultWindow      = time.Minute
)

// Config describes the window size and the admitted request budget.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Limiter is a fixed-window rate limiter keyed by opaque identity strings.
// It is safe for concurrent use.
type Limiter struct {
	max    int
	window time.Duration
	clock  clock.Clock
	logger observability.Logger
	mask   func(string) string

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count     int
	startedAt time.Time
	expiresAt time.Time
	timer     clock.Timer
}

// WindowState is a point-in-time view of one open window.
type WindowState struct {
	Key       string    `json:"key"`
	Count     int       `json:"count"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the clock used for window expiry.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = clock.OrReal(c) }
}

// WithLogger sets the logger for window lifecycle events.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) { l.logger = observability.OrNop(logger) }
}

// WithKeyMasker sets the function applied to keys before they are logged.
// Masking never affects which window a key maps to.
func WithKeyMasker(mask func(string) string) Option {
	return func(l *Limiter) {
		if mask != nil {
			l.mask = mask
		}
	}
}

// New creates a Limiter. Zero fields in cfg fall back to the defaults;
// negative values are rejected.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.MaxRequests < 0 {
		return nil, errors.New("max requests must not be negative")
	}
	if cfg.Window < 0 {
		return nil, errors.New("window must not be negative")
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}

	l := &Limiter{
		max:     cfg.MaxRequests,
		window:  cfg.Window,
		clock:   clock.Real{},
		logger:  observability.OrNop(nil),
		mask:    func(key string) string { return key },
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// TryConsume admits one request for key if its window has budget left.
// Rejected attempts are not counted, so calling TryConsume on an exhausted
// key has no side effect until the window expires.
func (l *Limiter) TryConsume(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.windows[key]; ok {
		if w.count >= l.max {
			l.logger.Warn("Rate limit exceeded",
				zap.String("key", l.mask(key)),
				zap.Int("limit", l.max),
				zap.Time("window_expires_at", w.expiresAt))
			return false
		}
		w.count++
		l.logger.Debug("Rate limit incremented",
			zap.String("key", l.mask(key)),
			zap.Int("count", w.count),
			zap.Int("limit", l.max))
		return true
	}

	now := l.clock.Now()
	w := &window{count: 1, startedAt: now, expiresAt: now.Add(l.window)}
	w.timer = l.clock.AfterFunc(l.window, func() { l.expire(key, w) })
	l.windows[key] = w

	l.logger.Debug("Rate limit window started",
		zap.String("key", l.mask(key)),
		zap.Int("count", 1),
		zap.Int("limit", l.max),
		zap.Duration("window", l.window))
	return true
}

// Reset cancels and deletes the window for key. The next TryConsume for key
// behaves as first use.
func (l *Limiter) Reset(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		return false
	}
	w.timer.Stop()
	delete(l.windows, key)
	return true
}

// Clear cancels and deletes every window. It returns the number removed.
func (l *Limiter) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.windows)
	for _, w := range l.windows {
		w.timer.Stop()
	}
	l.windows = make(map[string]*window)
	return n
}

// Len returns the number of open windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Snapshot lists the open windows ordered by key. Keys are passed through
// the configured masker.
func (l *Limiter) Snapshot() []WindowState {
	l.mu.Lock()
	states := make([]WindowState, 0, len(l.windows))
	for key, w := range l.windows {
		states = append(states, WindowState{
			Key:       l.mask(key),
			Count:     w.count,
			StartedAt: w.startedAt,
			ExpiresAt: w.expiresAt,
		})
	}
	l.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Key < states[j].Key })
	return states
}

// Limit returns the configured request budget per window.
func (l *Limiter) Limit() int {
	return l.max
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// expire deletes the window for key if it is still the one that scheduled
// this expiry. A window replaced through Reset keeps its own timer.
func (l *Limiter) expire(key string, w *window) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.windows[key]; ok && current == w {
		delete(l.windows, key)
		l.logger.Debug("Rate limit window expired", zap.String("key", l.mask(key)))
	}
}
