package controller

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

	qport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/queue/port"
	"github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/realtime"
	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/task"
	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/usecase"
)

type fakeQueueClient struct {
	mu    sync.Mutex
	tasks []qport.Task
}

func (f *fakeQueueClient) Enqueue(_ context.Context, t qport.Task, _ ...qport.EnqueueOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return "task-1", nil
}

func (f *fakeQueueClient) Close() error { return nil }

func (f *fakeQueueClient) enqueued() []qport.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]qport.Task(nil), f.tasks...)
}

// newWsConn builds a registered hub connection over a real websocket pair
// and returns the frames its client peer receives.
func newWsConn(t *testing.T, hub *realtime.Hub, userID, scope string) (*realtime.Connection, chan map[string]any) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	var ws *websocket.Conn
	select {
	case ws = <-serverSide:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server-side socket")
	}

	conn := realtime.NewConnection(userID, userID, "employee", scope, ws)
	hub.Register(conn)

	frames := make(chan map[string]any, 16)
	go func() {
		defer close(frames)
		for {
			_, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) == nil {
				frames <- frame
			}
		}
	}()
	return conn, frames
}

func expectFrame(t *testing.T, ch chan map[string]any, wantType string) map[string]any {
	t.Helper()
	select {
	case frame, ok := <-ch:
		if !ok {
			t.Fatalf("peer closed before %q frame arrived", wantType)
		}
		if frame["type"] != wantType {
			t.Fatalf("frame type = %v, want %q", frame["type"], wantType)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q frame", wantType)
	}
	return nil
}

func expectSilence(t *testing.T, ch chan map[string]any) {
	t.Helper()
	select {
	case frame, ok := <-ch:
		if ok {
			t.Fatalf("unexpected frame: %v", frame)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// Room members with an open global connection get the inbox nudge, the
// sender is skipped, and members with no global connection get an
// offline-notify task instead.
func TestFanOutNudgesAndOfflineEnqueue(t *testing.T) {
	hub := realtime.NewHub()
	defer hub.Close()
	queue := &fakeQueueClient{}
	ctl := &ChatSocketController{hub: hub, queue: queue, inflightTimeout: time.Second}

	roomConn, roomFrames := newWsConn(t, hub, "alice", "r1")
	hub.Join("r1", roomConn)

	aliceGlobal, aliceFrames := newWsConn(t, hub, "alice", realtime.ScopeGlobal)
	hub.SetPresence("alice", aliceGlobal)
	bobGlobal, bobFrames := newWsConn(t, hub, "bob", realtime.ScopeGlobal)
	hub.SetPresence("bob", bobGlobal)
	// carol has no global connection.

	content := "hello"
	ctl.fanOut(context.Background(), &usecase.SendMessageResult{
		Message: chat.Message{
			ID:        "m1",
			RoomID:    "r1",
			SenderID:  "alice",
			Content:   &content,
			Type:      chat.MessageTypeText,
			CreatedAt: time.Now().UTC(),
		},
		MemberCount: 3,
		MemberIDs:   []string{"alice", "bob", "carol"},
	})

	// Room broadcast includes the sender's room connection.
	msg := expectFrame(t, roomFrames, "message")
	if msg["id"] != "m1" {
		t.Fatalf("room frame id = %v, want m1", msg["id"])
	}

	// bob's global connection gets the nudge; the sender's does not.
	nudge := expectFrame(t, bobFrames, "global_message")
	if nudge["room_id"] != "r1" {
		t.Fatalf("nudge room_id = %v, want r1", nudge["room_id"])
	}
	expectSilence(t, aliceFrames)

	// carol is unreachable: exactly one offline-notify task for her.
	tasks := queue.enqueued()
	if len(tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(tasks))
	}
	if tasks[0].Type != task.OfflineNotifyTaskType {
		t.Fatalf("task type = %q, want %q", tasks[0].Type, task.OfflineNotifyTaskType)
	}
	var payload task.OfflineNotifyTaskPayload
	if err := json.Unmarshal(tasks[0].Payload, &payload); err != nil {
		t.Fatalf("decode task payload: %v", err)
	}
	if payload.UserID != "carol" || payload.RoomID != "r1" || payload.MessageID != "m1" {
		t.Fatalf("task payload = %+v", payload)
	}
}

// Without a queue client, unreachable members are skipped without panicking.
func TestFanOutWithoutQueue(t *testing.T) {
	hub := realtime.NewHub()
	defer hub.Close()
	ctl := &ChatSocketController{hub: hub, inflightTimeout: time.Second}

	content := "hello"
	ctl.fanOut(context.Background(), &usecase.SendMessageResult{
		Message: chat.Message{
			ID:       "m1",
			RoomID:   "r1",
			SenderID: "alice",
			Content:  &content,
			Type:     chat.MessageTypeText,
		},
		MemberCount: 2,
		MemberIDs:   []string{"alice", "bob"},
	})
}
