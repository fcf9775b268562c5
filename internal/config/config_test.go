package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "telegram": {"token": "t0k", "operator_id": 42, "poll_timeout": "15s"},
  "logging": {"level": "debug", "console": true},
  "scheduler": {"timezone": "Europe/Paris"},
  "posts": {"channel": "@news", "channel_name": "News", "session_ttl": "10m"},
  "delivery": {"rate_per_sec": 5, "retry_max": 2, "retry_base": "1s"},
  "storage": {"driver": "file", "path": "./audit"},
  "health": {"enabled": true, "addr": ":9000"}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func clearEnv(t *testing.T) {
	for _, k := range []string{"BOT_TOKEN", "OPERATOR_ID", "CHANNEL_ID", "CHANNEL_NAME", "TIMEZONE", "LOG_LEVEL", "HEALTH_ADDR"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadJSON(t *testing.T) {
	clearEnv(t)
	m := NewConfigManager(writeFile(t, "config.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.OperatorID != 42 || cfg.Posts.Channel != "@news" || cfg.Delivery.RetryMax != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
	if ttl, _ := SessionTTL(cfg); ttl != 10*time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	body := `
telegram:
  token: abc
posts:
  channel: "-1001234"
scheduler:
  timezone: UTC
`
	cfg, err := NewConfigManager(writeFile(t, "config.yaml", body)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Posts.Channel != "-1001234" || cfg.Scheduler.Timezone != "UTC" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	clearEnv(t)
	body := strings.Replace(validJSON, `"console": true`, `"console": true, "colour": "red"`, 1)
	if _, err := NewConfigManager(writeFile(t, "config.json", body)).Load(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BOT_TOKEN", "from-env")
	t.Setenv("CHANNEL_ID", "@other")
	t.Setenv("OPERATOR_ID", "7")
	t.Setenv("HEALTH_ADDR", "127.0.0.1:8081")

	cfg, err := NewConfigManager(writeFile(t, "config.json", validJSON)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Posts.Channel != "@other" || cfg.Telegram.OperatorID != 7 {
		t.Fatalf("env not applied: %+v", cfg.Telegram)
	}
	if !cfg.Health.Enabled || cfg.Health.Addr != "127.0.0.1:8081" {
		t.Fatalf("health = %+v", cfg.Health)
	}
}

func TestEnvOnlyWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("BOT_TOKEN", "x")
	t.Setenv("CHANNEL_ID", "@c")
	cfg, err := NewConfigManager("").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "x" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t"},
			Posts:    PostsConfig{Channel: "@c"},
		}
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("minimal config: %v", err)
	}
	cases := map[string]func(c *Config){
		"no token":       func(c *Config) { c.Telegram.Token = " " },
		"no channel":     func(c *Config) { c.Posts.Channel = "" },
		"bad tz":         func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" },
		"bad ttl":        func(c *Config) { c.Posts.SessionTTL = "soon" },
		"negative op":    func(c *Config) { c.Telegram.OperatorID = -1 },
		"bad group log":  func(c *Config) { c.Telegram.GroupLog = "ops" },
		"bad driver":     func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} },
		"negative retry": func(c *Config) { c.Delivery = &DeliveryConfig{RetryMax: -1} },
		"bad backoff":    func(c *Config) { c.Delivery = &DeliveryConfig{RetryBase: "-1s"} },
	}
	for name, mutate := range cases {
		c := base()
		mutate(c)
		if err := Validate(c); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestSessionTTLZeroDisables(t *testing.T) {
	ttl, err := SessionTTL(&Config{Posts: PostsConfig{SessionTTL: "0s"}})
	if err != nil || ttl != 0 {
		t.Fatalf("ttl = %v, %v", ttl, err)
	}
	if ttl, _ := SessionTTL(&Config{}); ttl != DefaultSessionTTL {
		t.Fatalf("default ttl = %v", ttl)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "secret"}, Posts: PostsConfig{Channel: "@a"}}
	b := *a
	b.Posts.Channel = "@b"
	b.Logging.Level = "debug"

	sections, attrs := SummarizeConfigChange(a, &b)
	if strings.Join(sections, ",") != "logging,posts" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if s, _ := SummarizeConfigChange(a, a); len(s) != 0 {
		t.Fatalf("identical configs changed: %v", s)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.json", validJSON)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// invalid: missing channel, must not be published
	bad := strings.Replace(validJSON, `"channel": "@news"`, `"channel": ""`, 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	good := strings.Replace(validJSON, `"level": "debug"`, `"level": "warn"`, 1)
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
	if m.Get().Logging.Level != "warn" {
		t.Fatal("reload not committed")
	}
}

func TestDecodeStrictTrailingData(t *testing.T) {
	var cfg Config
	if err := decodeStrict("c.json", []byte(`{"posts":{"channel":"@a"}} {}`), &cfg); err == nil {
		t.Fatal("trailing document accepted")
	}
	if err := decodeStrict("c.yml", []byte("posts:\n  channel: \"@a\"\n  extra: 1\n"), &cfg); err == nil {
		t.Fatal("unknown yaml field accepted")
	}
}
