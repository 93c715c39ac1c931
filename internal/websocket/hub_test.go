package websocket

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/audit"
)

func startHub(t *testing.T, cfg *HubConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user, pass string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if user != "" {
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleWebSocketAuth(t *testing.T) {
	_, srv := startHub(t, &HubConfig{Username: "ops", Password: "secret"})

	tests := []struct {
		name       string
		user, pass string
		wantStatus int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", "ops", "guess", http.StatusUnauthorized},
		{"valid", "ops", "secret", http.StatusSwitchingProtocols},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, _ := dial(t, srv, tt.user, tt.pass)
			if conn != nil {
				defer conn.Close()
			}
			if resp == nil || resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected status %d, got %+v", tt.wantStatus, resp)
			}
		})
	}
}

func TestAuditAppendedReachesClient(t *testing.T) {
	hub, srv := startHub(t, &HubConfig{BroadcastAudit: true})
	conn, _, err := dial(t, srv, "", "")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.AuditAppended(audit.Record{
		SequenceNo:         7,
		RecordID:           "rec-7",
		Action:             audit.ActionDeidentify,
		EntityTypesTouched: []string{"NAME"},
		RecordHash:         "abc",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type EventType  `json:"type"`
		Data AuditEvent `json:"data"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Type != EventTypeAuditAppended || got.Data.Sequence != 7 || got.Data.RecordID != "rec-7" {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestPingPong(t *testing.T) {
	hub, srv := startHub(t, &HubConfig{})
	conn, _, err := dial(t, srv, "", "")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	if err := conn.WriteJSON(ClientMessage{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventTypePong {
		t.Errorf("expected pong, got %s", ev.Type)
	}
}

func TestDisabledEventsAreNotQueued(t *testing.T) {
	hub := NewHub(&HubConfig{}, zap.NewNop())
	hub.AuditAppended(audit.Record{SequenceNo: 1})
	if len(hub.broadcast) != 0 {
		t.Error("audit events must not be queued when broadcasting is off")
	}
}

func TestShouldSendToClient(t *testing.T) {
	audited := Event{Type: EventTypeAuditAppended, Data: AuditEvent{EntityTypes: []string{"NAME", "DATE"}}}
	status := Event{Type: EventTypeSystemStatus, Data: SystemStatusEvent{}}

	tests := []struct {
		name  string
		sub   *SubscriptionRequest
		event Event
		want  bool
	}{
		{"no subscription", nil, audited, true},
		{"subscribed type", &SubscriptionRequest{Events: []EventType{EventTypeAuditAppended}}, audited, true},
		{"other type", &SubscriptionRequest{Events: []EventType{EventTypeAuditAppended}}, status, false},
		{"entity match", &SubscriptionRequest{EntityTypes: []string{"DATE"}}, audited, true},
		{"entity miss", &SubscriptionRequest{EntityTypes: []string{"SSN"}}, audited, false},
		{"entity filter ignores status", &SubscriptionRequest{EntityTypes: []string{"SSN"}}, status, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldSendToClient(&Client{Subscription: tt.sub}, tt.event); got != tt.want {
				t.Errorf("shouldSendToClient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(&HubConfig{AllowedOrigins: []string{"https://ops.example"}}, zap.NewNop())
	tests := map[string]bool{
		"":                     true,
		"https://ops.example":  true,
		"https://evil.example": false,
	}
	for origin, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := hub.checkOrigin(r); got != want {
			t.Errorf("checkOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}

func TestHubStopDisconnectsClients(t *testing.T) {
	hub := NewHub(&HubConfig{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := dial(t, srv, "", "")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close when the hub stops")
	}
}
