package status

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wan-ninjas/lockstep/internal/federate"
	"github.com/wan-ninjas/lockstep/internal/models"
)

// fakeSource is a canned snapshot provider.
type fakeSource struct {
	snap    federate.Snapshot
	metrics federate.Metrics
}

func (f *fakeSource) Status() federate.Snapshot          { return f.snap }
func (f *fakeSource) MetricsCounters() *federate.Metrics { return &f.metrics }

func newTestServer(t *testing.T) (*Server, *fakeSource) {
	t.Helper()
	src := &fakeSource{
		snap: federate.Snapshot{
			RunID:          models.NewULID(),
			FederateID:     3,
			FederationID:   "plant-sim",
			ServerPort:     15046,
			LastGrantedTag: 800,
			TagPending:     true,
			InboundPeers:   []string{"1"},
			OutboundPeers:  []string{"4", "5"},
		},
	}
	src.metrics.TagsReceived.Store(7)
	srv := NewServer(ServerConfig{
		Listen: "127.0.0.1:0",
		Source: src,
		Logger: slog.Default(),
	})
	return srv, src
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %q, want ok", rec.Body.String())
	}
}

func TestStatusSnapshot(t *testing.T) {
	srv, src := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var snap federate.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if snap.FederateID != 3 {
		t.Errorf("FederateID = %d, want 3", snap.FederateID)
	}
	if snap.RunID != src.snap.RunID {
		t.Errorf("RunID = %s, want %s", snap.RunID, src.snap.RunID)
	}
	if !snap.TagPending || snap.LastGrantedTag != 800 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMetricsExposition(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		"lockstep_tags_received_total 7",
		"lockstep_tag_pending 1",
		"lockstep_last_granted_tag 800",
		"lockstep_inbound_peers 1",
		"lockstep_outbound_peers 2",
		"# TYPE lockstep_uptime_seconds gauge",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain exposition", ct)
	}
}
