package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/audit"
	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/rules"
	"github.com/raaihank/phi-sentinel/internal/websocket"
)

const testRules = `
version: 1
confidence_floor: 0.7
strategies:
  MRN: HASH_TRUNCATE
rules:
  - id: mrn
    entity_type: MRN
    pattern_kind: regex
    pattern: '\bMRN\d{3,10}\b'
`

func newTestServer(t *testing.T, sink *audit.MemorySink, hub *websocket.Hub) *httptest.Server {
	t.Helper()
	rs, err := rules.Parse([]byte(testRules), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	al, err := audit.NewLogger(context.Background(), sink, audit.Config{Actor: "test"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.GetDefaults()
	s := New(cfg, Options{Rules: rs, Sink: sink, Audit: al, Hub: hub, Version: "test"}, log)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func appendRecords(t *testing.T, sink audit.Sink, n int) {
	t.Helper()
	al, err := audit.NewLogger(context.Background(), sink, audit.Config{Actor: "test"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if _, err := al.Append(context.Background(), audit.Entry{RecordID: "r", EntityTypes: []string{"MRN"}}); err != nil {
			t.Fatal(err)
		}
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndInfo(t *testing.T) {
	sink := audit.NewMemorySink()
	appendRecords(t, sink, 2)
	srv := newTestServer(t, sink, nil)

	var health map[string]string
	if code := getJSON(t, srv.URL+"/health", &health); code != http.StatusOK || health["status"] != "healthy" {
		t.Errorf("unexpected health %d %v", code, health)
	}

	var info Info
	if code := getJSON(t, srv.URL+"/info", &info); code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if info.RuleCount != 1 || info.ConfidenceFloor != 0.7 || len(info.RuleSetVersion) != 64 {
		t.Errorf("unexpected info %+v", info)
	}
	if info.AuditNextSeq != 3 {
		t.Errorf("expected next audit sequence 3, got %d", info.AuditNextSeq)
	}
}

func TestAuditVerify(t *testing.T) {
	good := audit.NewMemorySink()
	appendRecords(t, good, 3)

	records, _ := good.ReadAll(context.Background())
	records[1].RecordID = "other"
	tampered := audit.NewMemorySink()
	for _, rec := range records {
		if err := tampered.Append(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name       string
		sink       *audit.MemorySink
		wantStatus int
		wantBroken int64
	}{
		{"intact", good, http.StatusOK, 0},
		{"tampered", tampered, http.StatusConflict, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.sink, nil)
			var resp VerifyResponse
			code := getJSON(t, srv.URL+"/audit/verify", &resp)
			if code != tt.wantStatus || resp.Verification.FirstBrokenSequence != tt.wantBroken {
				t.Errorf("got %d %+v", code, resp.Verification)
			}
			if resp.Summary.Total != 3 || resp.Summary.ByEntityType["MRN"] != 3 {
				t.Errorf("unexpected summary %+v", resp.Summary)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, audit.NewMemorySink(), nil)
	getJSON(t, srv.URL+"/health", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "phi_http_requests_total") {
		t.Errorf("metrics endpoint missing request counter: %d", resp.StatusCode)
	}
}

func TestWebSocketThroughMiddleware(t *testing.T) {
	hub := websocket.NewHub(&websocket.HubConfig{Username: "ops", Password: "pw", BroadcastAudit: true}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := newTestServer(t, audit.NewMemorySink(), hub)
	header := http.Header{"Authorization": {"Basic " + base64.StdEncoding.EncodeToString([]byte("ops:pw"))}}
	conn, resp, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial failed: %v (%+v)", err, resp)
	}
	conn.Close()
}

func TestAuditVerifyRateLimited(t *testing.T) {
	rs, err := rules.Parse([]byte(testRules), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.GetDefaults()
	cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMin: 1, Burst: 2}
	s := New(cfg, Options{Rules: rs, Sink: audit.NewMemorySink(), Version: "test"}, log)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		resp, err := http.Get(srv.URL + "/audit/verify")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("request %d: expected %d, got %d", i, want, resp.StatusCode)
		}
		if want == http.StatusTooManyRequests && resp.Header.Get("Retry-After") == "" {
			t.Error("missing Retry-After header")
		}
	}
	if code := getJSON(t, srv.URL+"/health", nil); code != http.StatusOK {
		t.Errorf("health must not be rate limited, got %d", code)
	}
}

func TestClientLimiterCleanup(t *testing.T) {
	l := newClientLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMin: 60})
	now := time.Now()
	l.allow("10.0.0.1", now.Add(-2*visitorTTL))
	l.allow("10.0.0.2", now)

	if n := l.cleanup(now.Add(-visitorTTL)); n != 1 {
		t.Errorf("expected 1 idle client removed, got %d", n)
	}
	if _, ok := l.visitors["10.0.0.2"]; !ok {
		t.Error("active client must be kept")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		remote string
		want   string
	}{
		{"remote addr", http.Header{}, "192.0.2.1:5000", "192.0.2.1"},
		{"forwarded for", http.Header{"X-Forwarded-For": {"203.0.113.7, 10.0.0.1"}}, "10.0.0.1:1", "203.0.113.7"},
		{"real ip", http.Header{"X-Real-Ip": {"198.51.100.2"}}, "10.0.0.1:1", "198.51.100.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header = tt.header
			r.RemoteAddr = tt.remote
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
