package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitalred/triage/internal/platform/auth"
)

func newTestHub() *Hub { return NewHub(zerolog.Nop()) }

func TestHub_RegisterSubscribesOwnTopics(t *testing.T) {
	hub := newTestHub()
	medico := newClient("u1", false)
	admin := newClient("a1", true)
	hub.Register(medico)
	hub.Register(admin)

	if hub.ClientCount() != 2 {
		t.Fatalf("expected 2 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount(UserTopic("u1")) != 1 {
		t.Error("client should be subscribed to its user topic")
	}
	if hub.TopicCount(TopicAdmins) != 1 {
		t.Errorf("only the administrator should be on the admin topic, got %d", hub.TopicCount(TopicAdmins))
	}
	if hub.TopicCount(TopicDashboard) != 2 {
		t.Errorf("both clients should see dashboard, got %d", hub.TopicCount(TopicDashboard))
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := newTestHub()
	c := newClient("u1", false)
	hub.Register(c)
	hub.Unregister(c)

	if _, ok := <-c.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}
	if hub.ClientCount() != 0 || hub.TopicCount(UserTopic("u1")) != 0 {
		t.Error("client not fully removed")
	}
	// Second unregister is a no-op.
	hub.Unregister(c)
}

func TestHub_PublishToUser(t *testing.T) {
	hub := newTestHub()
	u1 := newClient("u1", false)
	u2 := newClient("u2", false)
	hub.Register(u1)
	hub.Register(u2)

	n, err := hub.Publish(context.Background(), UserTopic("u1"), Event{Type: "urgent_case", RequestID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("delivered to %d clients, want 1", n)
	}

	var got Event
	if err := json.Unmarshal(<-u1.Send, &got); err != nil {
		t.Fatal(err)
	}
	if got.Topic != "user:u1" || got.RequestID != "r1" || got.Timestamp.IsZero() {
		t.Errorf("unexpected event %+v", got)
	}
	select {
	case <-u2.Send:
		t.Error("u2 should not receive u1's event")
	default:
	}
}

func TestHub_PublishNoSubscribers(t *testing.T) {
	n, err := newTestHub().Publish(context.Background(), UserTopic("nobody"), Event{Type: "x"})
	if err != nil || n != 0 {
		t.Errorf("expected (0, nil), got (%d, %v)", n, err)
	}
}

func TestHub_PublishSkipsFullBuffer(t *testing.T) {
	hub := newTestHub()
	c := newClient("u1", false)
	hub.Register(c)
	for i := 0; i < sendBuffer; i++ {
		hub.Publish(context.Background(), UserTopic("u1"), Event{Type: "fill"})
	}
	n, _ := hub.Publish(context.Background(), UserTopic("u1"), Event{Type: "overflow"})
	if n != 0 {
		t.Errorf("expected overflow to be dropped, delivered=%d", n)
	}
}

func TestHub_SubscribeAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		admin   bool
		topic   string
		allowed bool
	}{
		{"own user topic", false, "user:u1", true},
		{"other user topic", false, "user:u2", false},
		{"admin topic as medico", false, TopicAdmins, false},
		{"admin topic as admin", true, TopicAdmins, true},
		{"other user as admin", true, "user:u2", true},
		{"unknown topic", true, "Patient/1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newTestHub()
			c := newClient("u1", tt.admin)
			hub.Register(c)
			refused := hub.Subscribe(c, []string{tt.topic})
			if (len(refused) == 0) != tt.allowed {
				t.Errorf("allowed=%v, refused=%v", tt.allowed, refused)
			}
		})
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := newTestHub()
	c := newClient("u1", false)
	hub.Register(c)
	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{TopicDashboard}})

	if hub.TopicCount(TopicDashboard) != 0 {
		t.Error("expected dashboard unsubscribed")
	}
	for _, topic := range c.Topics {
		if topic == TopicDashboard {
			t.Error("topic still listed on client")
		}
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient("u1", false)
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			hub.Publish(context.Background(), UserTopic("u1"), Event{Type: "x"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_RequiresIdentity(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := NewHandler(newTestHub(), nil).HandleConnect(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://panel.vitalred.co"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !check(req) {
		t.Error("requests without Origin should pass")
	}
	req.Header.Set("Origin", "https://panel.vitalred.co")
	if !check(req) {
		t.Error("allowed origin refused")
	}
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Error("foreign origin accepted")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := newTestHub()
	e := echo.New()
	e.GET("/ws", NewHandler(hub, nil).HandleConnect, func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "doc-7", "Dra. Rojas", []string{auth.RoleMedico})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(UserTopic("doc-7")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.TopicCount(UserTopic("doc-7")) != 1 {
		t.Fatal("connection not registered on its user topic")
	}

	hub.Publish(context.Background(), UserTopic("doc-7"), Event{Type: "urgent_case", RequestID: "r-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "urgent_case" || received.RequestID != "r-1" {
		t.Fatalf("unexpected event %+v", received)
	}
}
