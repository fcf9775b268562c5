package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/delivery"
	"postbot/internal/observability/health"
	"postbot/internal/posts"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapDeliveryConfig fills omitted fields from delivery.DefaultConfig.
func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	out := delivery.DefaultConfig()
	dc := cfg.Delivery
	if dc == nil {
		return out, nil
	}
	if dc.RatePerSec > 0 {
		out.RatePerSec = dc.RatePerSec
	}
	if dc.RetryMax > 0 {
		out.RetryMax = dc.RetryMax
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("delivery.retry_base", dc.RetryBase, out.RetryBase); err != nil {
		return delivery.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("delivery.retry_max_delay", dc.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return delivery.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("delivery.send_timeout", dc.SendTimeout, out.SendTimeout); err != nil {
		return delivery.Config{}, err
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapHealthConfig(cfg *config.Config) health.Config {
	return health.Config{Enabled: cfg.Health.Enabled, Addr: strings.TrimSpace(cfg.Health.Addr)}
}

// mapChannel resolves the default destination for posts made outside groups.
func mapChannel(cfg *config.Config) (posts.Destination, error) {
	d, ok := posts.ParseDestination(cfg.Posts.Channel, strings.TrimSpace(cfg.Posts.ChannelName))
	if !ok {
		return posts.Destination{}, fmt.Errorf("posts.channel is empty")
	}
	return d, nil
}

// groupLogTarget returns the chat that receives Telegram log lines, or 0.
func groupLogTarget(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
