package events

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
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
	return Event{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected event: %s", data)
	default:
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("u1", []string{"bed"})

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("bed") != 1 {
		t.Fatalf("expected 1 client on bed, got clients=%d topic=%d", hub.ClientCount(), hub.TopicCount("bed"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("bed") != 0 {
		t.Fatalf("expected empty hub, got clients=%d topic=%d", hub.ClientCount(), hub.TopicCount("bed"))
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_PublishRouting(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	beds := NewClient("", []string{"bed"})
	oneBed := NewClient("", []string{"bed/b-1"})
	everything := NewClient("", []string{AllTopics})
	units := NewClient("", []string{"unit"})
	for _, c := range []*Client{beds, oneBed, everything, units} {
		hub.Register(c)
	}

	ev := New("bed.assigned", "bed", "b-1", time.Now(), map[string]string{"status": "Occupied"})
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	for _, c := range []*Client{beds, oneBed, everything} {
		got := receive(t, c)
		if got.Type != "bed.assigned" || got.ResourceID != "b-1" {
			t.Errorf("unexpected event %+v", got)
		}
	}
	expectNothing(t, units)

	_ = hub.Publish(context.Background(), New("bed.assigned", "bed", "b-2", time.Now(), nil))
	receive(t, beds)
	expectNothing(t, oneBed)
}

func TestHub_ClientSubscribedTwiceReceivesOnce(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := NewClient("", []string{"unit", "unit/u-1", AllTopics})
	hub.Register(c)

	_ = hub.Publish(context.Background(), New("unit.dispatched", "unit", "u-1", time.Now(), nil))
	receive(t, c)
	expectNothing(t, c)
}

func TestHub_FullQueueDropsEvent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{"bed"}, Send: make(chan []byte, 1)}
	hub.Register(c)

	_ = hub.Publish(context.Background(), New("a", "bed", "1", time.Now(), nil))
	_ = hub.Publish(context.Background(), New("b", "bed", "1", time.Now(), nil))

	if got := receive(t, c); got.Type != "a" {
		t.Errorf("expected first event to be kept, got %s", got.Type)
	}
	expectNothing(t, c)
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := NewClient("", nil)
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"incident", "handover"}})
	if hub.TopicCount("incident") != 1 || hub.TopicCount("handover") != 1 {
		t.Fatal("expected subscriptions")
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"incident"}})
	if hub.TopicCount("incident") != 0 {
		t.Error("expected incident unsubscribed")
	}
	if len(c.Topics) != 1 || c.Topics[0] != "handover" {
		t.Errorf("expected remaining topics [handover], got %v", c.Topics)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "bogus", Topics: []string{"bed"}})
	if hub.TopicCount("bed") != 0 {
		t.Error("unknown action must be ignored")
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := NewClient("", []string{"unit"})
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), New("unit.advanced", "unit", "u", time.Now(), nil))
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_NonWebsocketRequest(t *testing.T) {
	e := echo.New()
	h := NewHandler(NewHub(zerolog.Nop()), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()

	_ = h.HandleConnect(e.NewContext(req, rec))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewHandler(hub, nil, func(context.Context) string { return "nurse-1" })

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=bed"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	waitFor(t, func() bool { return hub.TopicCount("bed") == 1 })

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"admission"}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return hub.TopicCount("admission") == 1 })

	_ = hub.Publish(context.Background(), New("admission.admitted", "admission", "a-1", time.Now(), nil))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "admission.admitted" || got.ResourceID != "a-1" {
		t.Errorf("unexpected event %+v", got)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewHandler(hub, []string{"https://intake.example"}, nil)
	e := echo.New()
	handler.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := gorillawebsocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 response, got %v", resp)
	}
}
