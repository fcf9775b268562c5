package config

import (
	"errors"
	"strings"

	"github.com/joeshaw/envdecode"
)

// envOverrides are environment variables that win over the config file.
type envOverrides struct {
	Token       string `env:"BOT_TOKEN"`
	OperatorID  int64  `env:"OPERATOR_ID"`
	Channel     string `env:"CHANNEL_ID"`
	ChannelName string `env:"CHANNEL_NAME"`
	Timezone    string `env:"TIMEZONE"`
	LogLevel    string `env:"LOG_LEVEL"`
	HealthAddr  string `env:"HEALTH_ADDR"`
}

// applyEnv overlays set environment variables onto cfg. A set HEALTH_ADDR
// also enables the health endpoint.
func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, env.Token)
	set(&cfg.Posts.Channel, env.Channel)
	set(&cfg.Posts.ChannelName, env.ChannelName)
	set(&cfg.Scheduler.Timezone, env.Timezone)
	set(&cfg.Logging.Level, env.LogLevel)
	if env.OperatorID != 0 {
		cfg.Telegram.OperatorID = env.OperatorID
	}
	if strings.TrimSpace(env.HealthAddr) != "" {
		cfg.Health.Enabled = true
		cfg.Health.Addr = strings.TrimSpace(env.HealthAddr)
	}
	return nil
}
