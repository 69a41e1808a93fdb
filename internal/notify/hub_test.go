package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leadgrid/leadgrid/internal/job"
)

// dialHub spins up a server that hands the upgraded connection to the hub and
// returns the client side.
func dialHub(t *testing.T, hub *Hub, userID uint64) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(userID, conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, hub *Hub, userID uint64, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers(userID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscribers(%d) = %d, want %d", userID, hub.Subscribers(userID), want)
}

func readEvent(t *testing.T, conn *websocket.Conn) job.Event {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, body, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt job.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return evt
}

func TestHubPublish_NoSubscribersIsANoOp(t *testing.T) {
	hub := NewHub()
	// Must not block, error or panic.
	hub.Publish(context.Background(), 42, job.Event{Type: job.EventProgress, JobID: "j1"})
	if n := hub.Subscribers(42); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}

func TestHubPublish_FansOutToAllUserChannels(t *testing.T) {
	hub := NewHub()
	a := dialHub(t, hub, 1)
	b := dialHub(t, hub, 1)
	other := dialHub(t, hub, 2)
	waitSubscribers(t, hub, 1, 2)
	waitSubscribers(t, hub, 2, 1)

	hub.Publish(context.Background(), 1, job.Event{Type: job.EventProgress, JobID: "j1", Processed: 5, Total: 10, Percent: 50})

	for _, conn := range []*websocket.Conn{a, b} {
		evt := readEvent(t, conn)
		if evt.Type != job.EventProgress || evt.JobID != "j1" || evt.Processed != 5 {
			t.Fatalf("event = %+v", evt)
		}
	}

	// The other user sees only its own events.
	hub.Publish(context.Background(), 2, job.Event{Type: job.EventCompleted, JobID: "j2"})
	evt := readEvent(t, other)
	if evt.JobID != "j2" {
		t.Fatalf("cross-user delivery: %+v", evt)
	}
}

// Several goroutines publish to the same user at once: the worker event relay
// and request handlers both reach Publish concurrently in the api process, so
// per-channel writes must be serialized.
func TestHubPublish_ConcurrentPublishers(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, 3)
	waitSubscribers(t, hub, 3, 1)

	const publishers = 8
	const perPublisher = 50

	var wg sync.WaitGroup
	wg.Add(publishers)
	for i := 0; i < publishers; i++ {
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("publish panicked under concurrent use: %v", r)
				}
			}()
			for n := 0; n < perPublisher; n++ {
				hub.Publish(context.Background(), 3, job.Event{Type: job.EventProgress, JobID: "j1", Processed: n})
			}
		}()
	}

	for received := 0; received < publishers*perPublisher; received++ {
		evt := readEvent(t, conn)
		if evt.JobID != "j1" {
			t.Fatalf("event = %+v", evt)
		}
	}
	wg.Wait()

	if n := hub.Subscribers(3); n != 1 {
		t.Fatalf("subscribers = %d, want the channel still registered", n)
	}
}

func TestHub_PrunesClosedChannels(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, 7)
	waitSubscribers(t, hub, 7, 1)

	conn.Close()
	waitSubscribers(t, hub, 7, 0)

	// Publishing after the prune is a clean no-op again.
	hub.Publish(context.Background(), 7, job.Event{Type: job.EventProgress, JobID: "j1"})
}
