package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/realtime"
	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
	repository "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/persistence/repository/port"
)

// fakeCallRepo implements the call slice of the repository in memory.
// Methods the manager never touches fall through to the embedded nil
// interface and panic loudly if a test ever reaches them.
type fakeCallRepo struct {
	repository.ChatRepository

	mu       sync.Mutex
	nextID   int
	sessions map[string]*chat.CallSession
	parts    map[string]map[string]*chat.CallParticipant // call id -> user id

	markLeftErr error // consumed by the next MarkParticipantLeft
}

func newFakeCallRepo() *fakeCallRepo {
	return &fakeCallRepo{
		sessions: make(map[string]*chat.CallSession),
		parts:    make(map[string]map[string]*chat.CallParticipant),
	}
}

func (f *fakeCallRepo) CreateCallSession(_ context.Context, session chat.CallSession) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.RoomID == session.RoomID && s.Status != chat.CallStatusEnded {
			return "", nil
		}
	}
	f.nextID++
	id := fmt.Sprintf("call-%d", f.nextID)
	session.ID = id
	f.sessions[id] = &session
	return id, nil
}

func (f *fakeCallRepo) JoinableCallByRoom(_ context.Context, roomID string) (*chat.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.RoomID == roomID && s.Joinable() {
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeCallRepo) CallByID(_ context.Context, callID string) (*chat.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[callID]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (f *fakeCallRepo) SetCallStatus(_ context.Context, callID string, status chat.CallStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[callID]; ok {
		s.Status = status
	}
	return nil
}

func (f *fakeCallRepo) EndCallSession(_ context.Context, callID string, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[callID]; ok {
		s.Status = chat.CallStatusEnded
		s.EndedAt = &endedAt
	}
	return nil
}

func (f *fakeCallRepo) UpsertCallParticipant(_ context.Context, p chat.CallParticipant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.parts[p.CallID] == nil {
		f.parts[p.CallID] = make(map[string]*chat.CallParticipant)
	}
	p.LeftAt = nil
	f.parts[p.CallID][p.UserID] = &p
	return nil
}

func (f *fakeCallRepo) MarkParticipantLeft(_ context.Context, callID, userID string, leftAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.markLeftErr; err != nil {
		f.markLeftErr = nil
		return err
	}
	if p, ok := f.parts[callID][userID]; ok {
		p.LeftAt = &leftAt
	}
	return nil
}

func (f *fakeCallRepo) participant(t *testing.T, callID, userID string) chat.CallParticipant {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.parts[callID][userID]
	if !ok {
		t.Fatalf("no participant %q on call %q in fake store", userID, callID)
	}
	return *p
}

func (f *fakeCallRepo) ActiveCallParticipants(_ context.Context, callID string) ([]chat.CallParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chat.CallParticipant
	for _, p := range f.parts[callID] {
		if p.LeftAt == nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeCallRepo) session(t *testing.T, callID string) chat.CallSession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[callID]
	if !ok {
		t.Fatalf("no session %q in fake store", callID)
	}
	return *s
}

type fakePoster struct {
	mu    sync.Mutex
	posts []string
}

func (f *fakePoster) PostSystemMessage(_ context.Context, _, _, _, content string) error {
	f.mu.Lock()
	f.posts = append(f.posts, content)
	f.mu.Unlock()
	return nil
}

func (f *fakePoster) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

// newCallConn returns a started connection over a real websocket pair plus
// a channel of frames the peer receives, decoded as loose maps.
func newCallConn(t *testing.T, userID, role string) (*realtime.Connection, chan map[string]any) {
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

	conn := realtime.NewConnection(userID, userID, role, "r1", ws)
	conn.Start()

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

func nextFrame(t *testing.T, ch chan map[string]any, wantType string) map[string]any {
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

func assertQuiet(t *testing.T, ch chan map[string]any) {
	t.Helper()
	select {
	case frame, ok := <-ch:
		if ok {
			t.Fatalf("unexpected frame: %v", frame)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartCreatesActiveSession(t *testing.T) {
	repo := newFakeCallRepo()
	poster := &fakePoster{}
	mgr := NewManager(repo, poster)
	ctx := context.Background()

	alice, aliceFrames := newCallConn(t, "alice", "employee")
	if err := mgr.Start(ctx, "r1", alice); err != nil {
		t.Fatalf("Start: %v", err)
	}

	frame := nextFrame(t, aliceFrames, "call-joined")
	if frame["isInitiator"] != true {
		t.Fatal("initiator did not receive isInitiator=true")
	}
	if parts := frame["participants"].([]any); len(parts) != 0 {
		t.Fatalf("fresh call reported %d existing participants", len(parts))
	}

	callID := frame["callId"].(string)
	if s := repo.session(t, callID); s.Status != chat.CallStatusActive {
		t.Fatalf("session status = %q, want active", s.Status)
	}
	if alice.CallID() != callID {
		t.Fatal("call id not attached to the connection")
	}
	if posts := poster.all(); len(posts) != 1 || !strings.Contains(posts[0], "started a voice call") {
		t.Fatalf("announcement posts = %v", posts)
	}
}

func TestStartCollapsesIntoExistingCall(t *testing.T) {
	repo := newFakeCallRepo()
	mgr := NewManager(repo, &fakePoster{})
	ctx := context.Background()

	alice, aliceFrames := newCallConn(t, "alice", "employee")
	bob, bobFrames := newCallConn(t, "bob", "employee")

	if err := mgr.Start(ctx, "r1", alice); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	first := nextFrame(t, aliceFrames, "call-joined")

	// Second start for the same room joins instead of opening a new session.
	if err := mgr.Start(ctx, "r1", bob); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	second := nextFrame(t, bobFrames, "call-joined")

	if first["callId"] != second["callId"] {
		t.Fatalf("starts produced distinct sessions: %v vs %v", first["callId"], second["callId"])
	}
	if second["isInitiator"] == true {
		t.Fatal("joiner reported as initiator")
	}
	roster := second["participants"].([]any)
	if len(roster) != 1 || roster[0].(map[string]any)["userId"] != "alice" {
		t.Fatalf("joiner roster = %v, want just alice", roster)
	}
	nextFrame(t, aliceFrames, "call-participant-joined")
}

func TestJoinUnknownCall(t *testing.T) {
	mgr := NewManager(newFakeCallRepo(), nil)
	conn, _ := newCallConn(t, "alice", "employee")
	if err := mgr.Join(context.Background(), "nope", conn); err != chat.ErrCallNotFound {
		t.Fatalf("Join unknown call = %v, want ErrCallNotFound", err)
	}
}

func TestJoinEndedCall(t *testing.T) {
	repo := newFakeCallRepo()
	mgr := NewManager(repo, nil)
	ctx := context.Background()

	alice, aliceFrames := newCallConn(t, "alice", "employee")
	if err := mgr.Start(ctx, "r1", alice); err != nil {
		t.Fatalf("Start: %v", err)
	}
	callID := nextFrame(t, aliceFrames, "call-joined")["callId"].(string)
	if err := repo.EndCallSession(ctx, callID, time.Now()); err != nil {
		t.Fatal(err)
	}

	bob, _ := newCallConn(t, "bob", "employee")
	if err := mgr.Join(ctx, callID, bob); err != chat.ErrCallOver {
		t.Fatalf("Join ended call = %v, want ErrCallOver", err)
	}
}

func TestLastLeaveEndsSession(t *testing.T) {
	repo := newFakeCallRepo()
	mgr := NewManager(repo, &fakePoster{})
	ctx := context.Background()

	alice, aliceFrames := newCallConn(t, "alice", "employee")
	bob, bobFrames := newCallConn(t, "bob", "employee")
	if err := mgr.Start(ctx, "r1", alice); err != nil {
		t.Fatalf("Start: %v", err)
	}
	callID := nextFrame(t, aliceFrames, "call-joined")["callId"].(string)
	if err := mgr.Join(ctx, callID, bob); err != nil {
		t.Fatalf("Join: %v", err)
	}
	nextFrame(t, bobFrames, "call-joined")
	nextFrame(t, aliceFrames, "call-participant-joined")

	if err := mgr.Leave(ctx, callID, bob); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	left := nextFrame(t, aliceFrames, "call-participant-left")
	if left["userId"] != "bob" {
		t.Fatalf("left frame userId = %v, want bob", left["userId"])
	}
	if s := repo.session(t, callID); s.Status != chat.CallStatusActive {
		t.Fatalf("session ended while a participant remained: %q", s.Status)
	}

	if err := mgr.Leave(ctx, callID, alice); err != nil {
		t.Fatalf("final Leave: %v", err)
	}
	if s := repo.session(t, callID); s.Status != chat.CallStatusEnded || s.EndedAt == nil {
		t.Fatalf("session not closed after last leave: %+v", s)
	}
	if mgr.Live(callID) {
		t.Fatal("ended call still present in the live registry")
	}
}

func TestDisconnectRunsLeavePath(t *testing.T) {
	repo := newFakeCallRepo()
	mgr := NewManager(repo, &fakePoster{})
	ctx := context.Background()

	alice, aliceFrames := newCallConn(t, "alice", "employee")
	bob, bobFrames := newCallConn(t, "bob", "employee")
	if err := mgr.Start(ctx, "r1", alice); err != nil {
		t.Fatalf("Start: %v", err)
	}
	callID := nextFrame(t, aliceFrames, "call-joined")["callId"].(string)
	if err := mgr.Join(ctx, callID, bob); err != nil {
		t.Fatalf("Join: %v", err)
	}
	nextFrame(t, bobFrames, "call-joined")
	nextFrame(t, aliceFrames, "call-participant-joined")

	// Socket dropped without a leave-call frame.
	mgr.HandleDisconnect(ctx, bob)

	left := nextFrame(t, aliceFrames, "call-participant-left")
	if left["userId"] != "bob" {
		t.Fatalf("left frame userId = %v, want bob", left["userId"])
	}
	if s := repo.session(t, callID); s.Status != chat.CallStatusActive {
		t.Fatalf("call did not survive a single disconnect: %q", s.Status)
	}
	// A second disconnect for the same user is a no-op.
	mgr.HandleDisconnect(ctx, bob)
	assertQuiet(t, aliceFrames)
}

func TestEndRequiresInitiatorOrPrivilege(t *testing.T) {
	repo := newFakeCallRepo()
	poster := &fakePoster{}
	mgr := NewManager(repo, poster)
	ctx := context.Background()

	alice, aliceFrames := newCallConn(t, "alice", "employee")
	bob, bobFrames := newCallConn(t, "bob", "employee")
	if err := mgr.Start(ctx, "r1", alice); err != nil {
		t.Fatalf("Start: %v", err)
	}
	callID := nextFrame(t, aliceFrames, "call-joined")["callId"].(string)
	if err := mgr.Join(ctx, callID, bob); err != nil {
		t.Fatalf("Join: %v", err)
	}
	nextFrame(t, bobFrames, "call-joined")
	nextFrame(t, aliceFrames, "call-participant-joined")

	if err := mgr.End(ctx, callID, bob); err != chat.ErrNotCallOwner {
		t.Fatalf("End by non-initiator = %v, want ErrNotCallOwner", err)
	}

	if err := mgr.End(ctx, callID, alice); err != nil {
		t.Fatalf("End by initiator: %v", err)
	}
	nextFrame(t, aliceFrames, "call-ended")
	nextFrame(t, bobFrames, "call-ended")

	if s := repo.session(t, callID); s.Status != chat.CallStatusEnded {
		t.Fatalf("session status after End = %q, want ended", s.Status)
	}
	if mgr.Live(callID) {
		t.Fatal("ended call still present in the live registry")
	}
	if alice.CallID() != "" || bob.CallID() != "" {
		t.Fatal("connections still attached to an ended call")
	}
	if posts := poster.all(); len(posts) != 2 || posts[1] != "Voice call ended" {
		t.Fatalf("announcement posts = %v", posts)
	}
}

func TestAdminMayEndAnotherUsersCall(t *testing.T) {
	repo := newFakeCallRepo()
	mgr := NewManager(repo, &fakePoster{})
	ctx := context.Background()

	alice, aliceFrames := newCallConn(t, "alice", "employee")
	admin, adminFrames := newCallConn(t, "carol", "admin")
	if err := mgr.Start(ctx, "r1", alice); err != nil {
		t.Fatalf("Start: %v", err)
	}
	callID := nextFrame(t, aliceFrames, "call-joined")["callId"].(string)
	if err := mgr.Join(ctx, callID, admin); err != nil {
		t.Fatalf("Join: %v", err)
	}
	nextFrame(t, adminFrames, "call-joined")
	nextFrame(t, aliceFrames, "call-participant-joined")

	if err := mgr.End(ctx, callID, admin); err != nil {
		t.Fatalf("End by admin: %v", err)
	}
	nextFrame(t, aliceFrames, "call-ended")
}

func TestLeaveSurvivesTransientStoreError(t *testing.T) {
	repo := newFakeCallRepo()
	mgr := NewManager(repo, &fakePoster{})
	ctx := context.Background()

	alice, aliceFrames := newCallConn(t, "alice", "employee")
	bob, bobFrames := newCallConn(t, "bob", "employee")
	if err := mgr.Start(ctx, "r1", alice); err != nil {
		t.Fatalf("Start: %v", err)
	}
	callID := nextFrame(t, aliceFrames, "call-joined")["callId"].(string)
	if err := mgr.Join(ctx, callID, bob); err != nil {
		t.Fatalf("Join: %v", err)
	}
	nextFrame(t, bobFrames, "call-joined")
	nextFrame(t, aliceFrames, "call-participant-joined")
	if err := mgr.Leave(ctx, callID, bob); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	nextFrame(t, aliceFrames, "call-participant-left")

	// The store write for the final leave fails once; the member must stay
	// tracked so retrying runs the full departure path.
	repo.markLeftErr = errors.New("connection refused")
	if err := mgr.Leave(ctx, callID, alice); err == nil {
		t.Fatal("Leave swallowed the store error")
	}
	if !mgr.Live(callID) {
		t.Fatal("member pruned from the registry despite the failed store write")
	}
	if s := repo.session(t, callID); s.Status != chat.CallStatusActive {
		t.Fatalf("session status after failed leave = %q, want active", s.Status)
	}

	if err := mgr.Leave(ctx, callID, alice); err != nil {
		t.Fatalf("retried Leave: %v", err)
	}
	if s := repo.session(t, callID); s.Status != chat.CallStatusEnded || s.EndedAt == nil {
		t.Fatalf("session not closed by the retried leave: %+v", s)
	}
	if p := repo.participant(t, callID, "alice"); p.LeftAt == nil {
		t.Fatal("participant row never stamped on the retried leave")
	}
	if mgr.Live(callID) {
		t.Fatal("ended call still present in the live registry")
	}
}

func TestRejoinDoesNotReannounce(t *testing.T) {
	repo := newFakeCallRepo()
	mgr := NewManager(repo, &fakePoster{})
	ctx := context.Background()

	alice, aliceFrames := newCallConn(t, "alice", "employee")
	bob, bobFrames := newCallConn(t, "bob", "employee")
	if err := mgr.Start(ctx, "r1", alice); err != nil {
		t.Fatalf("Start: %v", err)
	}
	callID := nextFrame(t, aliceFrames, "call-joined")["callId"].(string)
	if err := mgr.Join(ctx, callID, bob); err != nil {
		t.Fatalf("Join: %v", err)
	}
	nextFrame(t, bobFrames, "call-joined")
	nextFrame(t, aliceFrames, "call-participant-joined")

	// A duplicated join frame refreshes bob's own state but must not
	// announce him to the others a second time.
	if err := mgr.Join(ctx, callID, bob); err != nil {
		t.Fatalf("repeated Join: %v", err)
	}
	nextFrame(t, bobFrames, "call-joined")
	assertQuiet(t, aliceFrames)
}

func TestJoinWhileOnAnotherCall(t *testing.T) {
	repo := newFakeCallRepo()
	mgr := NewManager(repo, &fakePoster{})
	ctx := context.Background()

	alice, aliceFrames := newCallConn(t, "alice", "employee")
	bob, bobFrames := newCallConn(t, "bob", "employee")
	if err := mgr.Start(ctx, "r1", alice); err != nil {
		t.Fatalf("Start r1: %v", err)
	}
	nextFrame(t, aliceFrames, "call-joined")
	if err := mgr.Start(ctx, "r2", bob); err != nil {
		t.Fatalf("Start r2: %v", err)
	}
	otherCallID := nextFrame(t, bobFrames, "call-joined")["callId"].(string)

	if err := mgr.Join(ctx, otherCallID, alice); err != chat.ErrAlreadyOnCall {
		t.Fatalf("Join while attached elsewhere = %v, want ErrAlreadyOnCall", err)
	}
	if err := mgr.Start(ctx, "r2", alice); err != chat.ErrAlreadyOnCall {
		t.Fatalf("Start while attached elsewhere = %v, want ErrAlreadyOnCall", err)
	}
	assertQuiet(t, bobFrames)
}

func TestConcurrentStartsShareOneSession(t *testing.T) {
	repo := newFakeCallRepo()
	mgr := NewManager(repo, &fakePoster{})
	ctx := context.Background()

	conns := make([]*realtime.Connection, 4)
	frames := make([]chan map[string]any, 4)
	for i := range conns {
		conns[i], frames[i] = newCallConn(t, fmt.Sprintf("user-%d", i), "employee")
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *realtime.Connection) {
			defer wg.Done()
			if err := mgr.Start(ctx, "r1", c); err != nil {
				t.Errorf("Start: %v", err)
			}
		}(conn)
	}
	wg.Wait()

	ids := make(map[string]struct{})
	for i := range frames {
		ids[nextFrame(t, frames[i], "call-joined")["callId"].(string)] = struct{}{}
	}
	if len(ids) != 1 {
		t.Fatalf("concurrent starts produced %d sessions, want 1", len(ids))
	}
}
