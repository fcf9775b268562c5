// Package delivery sends post bodies through the chat transport with a
// shared rate limit and bounded retries.
package delivery

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postbot/internal/posts"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		RatePerSec:    20,
		RetryMax:      3,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 10 * time.Second,
		SendTimeout:   10 * time.Second,
	}
}

// Sender implements posts.Deliverer.
type Sender struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	adapter kit.Adapter
	log     logx.Logger

	// sleep waits d or until ctx is done. Tests shorten it.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ posts.Deliverer = (*Sender)(nil)

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{
		adapter: adapter,
		log:     log.With(logx.String("comp", "delivery")),
		sleep:   sleepCtx,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps in a new config. Sends in flight keep their snapshot.
func (s *Sender) Apply(cfg Config) {
	def := DefaultConfig()
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = def.RatePerSec
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Deliver sends text to to, retrying transport errors with exponential
// backoff. Permanent errors (kit.NoRetry) end it at once; a flood-control
// hint stretches the wait up to RetryMaxDelay. It returns the last error.
func (s *Sender) Deliver(ctx context.Context, to posts.Destination, text string) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.adapter == nil {
		return errors.New("delivery: no transport")
	}
	target := Target(to)
	if target.IsZero() {
		return errors.New("delivery: empty destination")
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.adapter.SendText(callCtx, target, text, nil)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.String("destination", to.Display()))

		if kit.IsNoRetry(err) || attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if hint, ok := kit.RetryAfterHint(err); ok && hint > delay {
			delay = min(hint, maxDelay(cfg))
		}
		if err := s.sleep(ctx, delay); err != nil {
			break
		}
	}
	return lastErr
}

// Target converts a post destination to a transport chat target.
func Target(d posts.Destination) kit.ChatTarget {
	return kit.ChatTarget{ChatID: d.ChatID, Username: d.Username}
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := maxDelay(cfg)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > maxD {
		d = maxD
	}
	return d
}

func maxDelay(cfg Config) time.Duration {
	if cfg.RetryMaxDelay <= 0 {
		return 10 * time.Second
	}
	return cfg.RetryMaxDelay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
