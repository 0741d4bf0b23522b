package dashboard

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"twsflow/config"
	"twsflow/internal/client"
	"twsflow/internal/ib"
	"twsflow/logger"
)

func TestNewServerDisabled(t *testing.T) {
	s, err := NewServer(config.DashboardConfig{Enabled: false}, logger.GetLogger(), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if s != nil {
		t.Fatal("expected nil server when the dashboard is disabled")
	}
}

func TestSnapshotsEndpoint(t *testing.T) {
	engine := client.NewEngine(client.DefaultEngineSettings(), func(client.Event) {})
	engine.Subscribe(1, &ib.Contract{Symbol: "AAPL", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"})
	engine.HandleTickPrice(1, ib.TickLast, 101.5, 200)

	s, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":0"}, logger.GetLogger(), engine)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	rec := httptest.NewRecorder()
	s.handleSnapshots(rec, httptest.NewRequest("GET", "/api/snapshots", nil))

	var body struct {
		Snapshots []snapshotPayload `json:"snapshots"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(body.Snapshots))
	}
	snap := body.Snapshots[0]
	if snap.Symbol != "AAPL" || snap.Last != 101.5 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                 "0.0.0.0:8080",
		":9000":            "0.0.0.0:9000",
		"127.0.0.1":        "127.0.0.1:8080",
		"127.0.0.1:9000":   "127.0.0.1:9000",
		"http://host:9000": "host:9000",
		"*:9000":           "0.0.0.0:9000",
	}
	for in, want := range cases {
		if got := normalizeAddress(in); got != want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewServerDefaultsRefreshInterval(t *testing.T) {
	s, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":0"}, logger.GetLogger(), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if s.cfg.RefreshInterval != 5*time.Second {
		t.Fatalf("refresh interval = %v, want 5s", s.cfg.RefreshInterval)
	}
}
