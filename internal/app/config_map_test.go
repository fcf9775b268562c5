package app

import (
	"testing"
	"time"

	"postbot/internal/config"
	"postbot/internal/delivery"
)

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{"omitted", nil, false, "", false},
		{"none", &config.StorageConfig{Driver: "none"}, false, "", false},
		{"file", &config.StorageConfig{Driver: "File", Path: "./a"}, true, "file", false},
		{"sqlite", &config.StorageConfig{Driver: "sqlite3", Path: "./a.db"}, true, "sqlite", false},
		{"sqlite no path", &config.StorageConfig{Driver: "sqlite"}, false, "", true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, false, "", true},
	}
	for _, c := range cases {
		sc, enabled, err := mapStorageConfig(&config.Config{Storage: c.in})
		if (err != nil) != c.wantErr || enabled != c.enabled || sc.Driver != c.driver {
			t.Errorf("%s: got %+v %v %v", c.name, sc, enabled, err)
		}
	}

	sc, _, _ := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x"}})
	if sc.BusyTimeout != time.Second {
		t.Fatalf("default busy timeout = %v", sc.BusyTimeout)
	}
}

func TestMapDeliveryConfig(t *testing.T) {
	def := delivery.DefaultConfig()
	got, err := mapDeliveryConfig(&config.Config{})
	if err != nil || got != def {
		t.Fatalf("omitted = %+v, %v", got, err)
	}

	got, err = mapDeliveryConfig(&config.Config{Delivery: &config.DeliveryConfig{RatePerSec: 3, RetryBase: "2s"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.RatePerSec != 3 || got.RetryBase != 2*time.Second || got.RetryMax != def.RetryMax {
		t.Fatalf("partial = %+v", got)
	}

	if _, err := mapDeliveryConfig(&config.Config{Delivery: &config.DeliveryConfig{SendTimeout: "later"}}); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestMapChannel(t *testing.T) {
	d, err := mapChannel(&config.Config{Posts: config.PostsConfig{Channel: "mychannel", ChannelName: "My Channel"}})
	if err != nil || d.Username != "@mychannel" || d.Display() != "My Channel" {
		t.Fatalf("channel = %+v, %v", d, err)
	}
	d, err = mapChannel(&config.Config{Posts: config.PostsConfig{Channel: "-1001"}})
	if err != nil || d.ChatID != -1001 {
		t.Fatalf("numeric channel = %+v, %v", d, err)
	}
	if _, err := mapChannel(&config.Config{}); err == nil {
		t.Fatal("empty channel accepted")
	}
}

func TestGroupLogTarget(t *testing.T) {
	if got := groupLogTarget(&config.Config{Telegram: config.TelegramConfig{GroupLog: " -100 "}}); got != -100 {
		t.Fatalf("target = %d", got)
	}
	if got := groupLogTarget(&config.Config{}); got != 0 {
		t.Fatalf("unset target = %d", got)
	}
}
