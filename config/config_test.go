package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a configuration file with the given content and
// returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `twsflow:
  name: "TestApp"
  version: "1.0"
connection:
  host: "127.0.0.1"
  port: 7496
  client_id: 5
channels:
  event_buffer: 64
storage:
  s3:
    enabled: false
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Twsflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Twsflow.Name)
	}
	if cfg.Connection.Port != 7496 {
		t.Errorf("unexpected port: %d", cfg.Connection.Port)
	}
	if cfg.Connection.ClientID != 5 {
		t.Errorf("unexpected client id: %d", cfg.Connection.ClientID)
	}
	// Engine defaults kick in when the section is omitted.
	if !cfg.Engine.UseDupFilter || cfg.Engine.DupDetectionTimeout != 2*time.Second {
		t.Errorf("unexpected engine defaults: %+v", cfg.Engine)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)
	t.Setenv("TWS_HOST", "10.0.0.9")
	t.Setenv("TWS_PORT", "4001")
	t.Setenv("TWS_CLIENT_ID", "42")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Connection.Host != "10.0.0.9" || cfg.Connection.Port != 4001 || cfg.Connection.ClientID != 42 {
		t.Errorf("env overrides not applied: %+v", cfg.Connection)
	}
}

func TestLoadConfigRejectsRecordAndReplay(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`recording:
  enabled: true
  dir: "/tmp/rec"
playback:
  file: "/tmp/session.twslog"
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error when recording and playback are both active")
	}
}

func TestLoadConfigArchiveRequiresS3(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`archive:
  enabled: true
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error when the archive is enabled without S3")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
