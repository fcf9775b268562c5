package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate checks cfg for startup and before a hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set BOT_TOKEN)")
	}
	if strings.TrimSpace(cfg.Posts.Channel) == "" {
		return fmt.Errorf("posts.channel is required (or set CHANNEL_ID)")
	}
	if cfg.Telegram.OperatorID < 0 {
		return fmt.Errorf("telegram.operator_id must be >= 0")
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			return fmt.Errorf("telegram.group_log: invalid chat id %q", g)
		}
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := ParseDurationField("scheduler.fire_timeout", cfg.Scheduler.FireTimeout); err != nil {
		return err
	}
	if _, err := SessionTTL(cfg); err != nil {
		return err
	}
	if d := cfg.Delivery; d != nil {
		if d.RatePerSec < 0 {
			return fmt.Errorf("delivery.rate_per_sec must be >= 0")
		}
		if d.RetryMax < 0 {
			return fmt.Errorf("delivery.retry_max must be >= 0")
		}
		for path, raw := range map[string]string{
			"delivery.retry_base":      d.RetryBase,
			"delivery.retry_max_delay": d.RetryMaxDelay,
			"delivery.send_timeout":    d.SendTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown %q (want file, sqlite or none)", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// DefaultSessionTTL applies when posts.session_ttl is omitted.
const DefaultSessionTTL = 30 * time.Minute

// SessionTTL returns the idle session lifetime. 0 disables eviction.
func SessionTTL(cfg *Config) (time.Duration, error) {
	raw := strings.TrimSpace(cfg.Posts.SessionTTL)
	if raw == "" {
		return DefaultSessionTTL, nil
	}
	return ParseDurationField("posts.session_ttl", raw)
}

// ParseDurationField parses an optional non-negative duration. Empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
