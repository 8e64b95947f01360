package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8087 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8087)
	}
	if cfg.Events.HistorySize != 1000 {
		t.Errorf("Events.HistorySize = %d, want %d", cfg.Events.HistorySize, 1000)
	}
	if cfg.Events.HandlerTimeout.Duration != 5*time.Second {
		t.Errorf("Events.HandlerTimeout = %s, want 5s", cfg.Events.HandlerTimeout)
	}
	if cfg.Events.MaxConcurrentHandlers != 32 {
		t.Errorf("Events.MaxConcurrentHandlers = %d, want 32", cfg.Events.MaxConcurrentHandlers)
	}

	// Notification delays per priority
	delays := []struct {
		name string
		got  Duration
		want time.Duration
	}{
		{"critical", cfg.Notify.CriticalDelay, 100 * time.Millisecond},
		{"high", cfg.Notify.HighDelay, 500 * time.Millisecond},
		{"medium", cfg.Notify.MediumDelay, time.Second},
		{"low", cfg.Notify.LowDelay, 1500 * time.Millisecond},
	}
	for _, d := range delays {
		if d.got.Duration != d.want {
			t.Errorf("Notify %s delay = %s, want %s", d.name, d.got, d.want)
		}
	}
	if cfg.Notify.MaxBatch != 10 {
		t.Errorf("Notify.MaxBatch = %d, want 10", cfg.Notify.MaxBatch)
	}

	if cfg.Audit.Interval.Duration != time.Hour {
		t.Errorf("Audit.Interval = %s, want 1h", cfg.Audit.Interval)
	}
	if cfg.Audit.BatchSize != 500 {
		t.Errorf("Audit.BatchSize = %d, want 500", cfg.Audit.BatchSize)
	}
	if cfg.Ledger.ReplayTolerance != 0 {
		t.Errorf("Ledger.ReplayTolerance = %d, want 0", cfg.Ledger.ReplayTolerance)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"1.5s", 1500 * time.Millisecond, false},
		{"5m", 5 * time.Minute, false},
		{"100ms", 100 * time.Millisecond, false},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalText(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if d.Duration != tt.want {
				t.Errorf("UnmarshalText(%q) = %s, want %s", tt.input, d.Duration, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("API.Port = %d, want default", cfg.API.Port)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backbone.toml")
	content := `
[api]
port = 9100
metrics = false

[storage]
path = "/var/lib/backbone/data.db"

[notify]
low_delay = "3s"
max_batch = 4

[audit]
interval = "30m"
privileged_tiers = ["gold"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.API.Port != 9100 {
		t.Errorf("API.Port = %d, want 9100", cfg.API.Port)
	}
	if cfg.API.Metrics {
		t.Error("API.Metrics should be false")
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want default kept", cfg.API.Host)
	}
	if cfg.Storage.Path != "/var/lib/backbone/data.db" {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}
	if cfg.Notify.LowDelay.Duration != 3*time.Second {
		t.Errorf("Notify.LowDelay = %s, want 3s", cfg.Notify.LowDelay)
	}
	if cfg.Notify.HighDelay.Duration != 500*time.Millisecond {
		t.Errorf("Notify.HighDelay = %s, want default 500ms", cfg.Notify.HighDelay)
	}
	if cfg.Notify.MaxBatch != 4 {
		t.Errorf("Notify.MaxBatch = %d, want 4", cfg.Notify.MaxBatch)
	}
	if cfg.Audit.Interval.Duration != 30*time.Minute {
		t.Errorf("Audit.Interval = %s, want 30m", cfg.Audit.Interval)
	}
	if len(cfg.Audit.PrivilegedTiers) != 1 || cfg.Audit.PrivilegedTiers[0] != "gold" {
		t.Errorf("Audit.PrivilegedTiers = %v, want [gold]", cfg.Audit.PrivilegedTiers)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backbone.toml")
	if err := os.WriteFile(path, []byte("[api]\nport = 9100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BACKBONE_API_PORT", "9200")
	t.Setenv("BACKBONE_EVENTS_HANDLER_TIMEOUT", "2s")
	t.Setenv("BACKBONE_AUDIT_PRIVILEGED_TIERS", "vip,gold")
	t.Setenv("BACKBONE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.API.Port != 9200 {
		t.Errorf("API.Port = %d, want 9200", cfg.API.Port)
	}
	if cfg.Events.HandlerTimeout.Duration != 2*time.Second {
		t.Errorf("Events.HandlerTimeout = %s, want 2s", cfg.Events.HandlerTimeout)
	}
	if got := strings.Join(cfg.Audit.PrivilegedTiers, ","); got != "vip,gold" {
		t.Errorf("Audit.PrivilegedTiers = %q, want vip,gold", got)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad toml", "[api\nport = 1", "load config"},
		{"bad duration", "[notify]\nlow_delay = \"later\"", "load config"},
		{"port range", "[api]\nport = 70000", "api.port"},
		{"negative delay", "[notify]\nhigh_delay = \"-1s\"", "notify.high_delay"},
		{"negative tolerance", "[ledger]\nreplay_tolerance = -1", "replay_tolerance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "backbone.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("BACKBONE_NOTIFY_MAX_BATCH", "many")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Errorf("Load() error = %v, want parse env error", err)
	}
}
