package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gwillem/wire-go/internal/otr"
	"github.com/gwillem/wire-go/internal/store"
)

var (
	botUser = uuid.MustParse("0b0b0b0b-0b0b-4b0b-8b0b-0b0b0b0b0b0b")
	peer    = uuid.MustParse("5e5e5e5e-5e5e-4e5e-8e5e-5e5e5e5e5e5e")
	conv    = QualifiedID{ID: uuid.MustParse("c0c0c0c0-c0c0-4c0c-8c0c-c0c0c0c0c0c0"), Domain: "wire.example"}
)

// testCrypto treats every device as having a session.
type testCrypto struct{}

func (testCrypto) OpenSession(DeviceAddress, Prekey) error { return nil }
func (testCrypto) Encrypt(d DeviceAddress, pt []byte) ([]byte, error) {
	return append([]byte(d.Device+":"), pt...), nil
}
func (testCrypto) Decrypt(d DeviceAddress, ct []byte) ([]byte, error) { return ct, nil }
func (testCrypto) NewPrekeys(start, count int) ([]Prekey, error) {
	out := make([]Prekey, count)
	for i := range out {
		out[i] = Prekey{ID: start + i, Key: fmt.Sprintf("pk%d", start+i)}
	}
	return out, nil
}
func (testCrypto) NewLastPrekey() (Prekey, error) { return Prekey{ID: 0xFFFF, Key: "last"}, nil }

// backend is a minimal fake of the REST API and push channel.
type backend struct {
	t *testing.T

	mu         sync.Mutex
	logins     int
	registered int
	removed    []string // "token password label,..." per cookies/remove call
	logouts    int
	awaitToken []string
	messages   []*otr.NewOtrMessage
	push       []pushNotification
}

type pushNotification struct {
	ID      uuid.UUID        `json:"id"`
	Payload []map[string]any `json:"payload"`
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case r.Method == "POST" && r.URL.Path == "/v6/login":
		b.logins++
		http.SetCookie(w, &http.Cookie{Name: "zuid", Value: "cookie-1"})
		writeJSON(w, map[string]any{"user": botUser, "access_token": "token-1", "expires_in": 900, "token_type": "Bearer"})
	case r.Method == "GET" && r.URL.Path == "/api-version":
		writeJSON(w, map[string]any{"domain": "wire.example", "supported": []int{5, 6}})
	case r.Method == "POST" && r.URL.Path == "/v6/clients":
		b.registered++
		writeJSON(w, map[string]string{"id": "a1"})
	case r.Method == "GET" && r.URL.Path == "/v6/clients/a1/prekeys":
		ids := make([]int, 50)
		for i := range ids {
			ids[i] = i
		}
		writeJSON(w, ids)
	case r.Method == "GET" && r.URL.Path == "/v6/notifications":
		http.NotFound(w, r)
	case r.Method == "POST" && r.URL.Path == "/v6/cookies/remove":
		var req struct {
			Password string   `json:"password"`
			Labels   []string `json:"labels"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		b.removed = append(b.removed, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")+" "+req.Password+" "+strings.Join(req.Labels, ","))
		w.WriteHeader(http.StatusOK)
	case r.Method == "POST" && r.URL.Path == "/v6/access/logout":
		b.logouts++
		w.WriteHeader(http.StatusOK)
	case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/proteus/messages"):
		body, _ := io.ReadAll(r.Body)
		msg, err := otr.Unmarshal(body)
		if err != nil {
			b.t.Errorf("bad message body: %v", err)
		}
		b.messages = append(b.messages, msg)
		w.WriteHeader(http.StatusCreated)
	case r.URL.Path == "/await":
		b.awaitToken = append(b.awaitToken, r.URL.Query().Get("access_token"))
		frames := b.push
		b.mu.Unlock()
		b.serveAwait(w, r, frames)
		b.mu.Lock()
	default:
		b.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	}
}

func (b *backend) serveAwait(w http.ResponseWriter, r *http.Request, frames []pushNotification) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.t.Errorf("accept: %v", err)
		return
	}
	defer c.CloseNow()
	ctx := r.Context()
	for _, n := range frames {
		data, _ := json.Marshal(n)
		if err := c.Write(ctx, websocket.MessageBinary, data); err != nil {
			return
		}
	}
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if string(data) == "ping" {
			if err := c.Write(ctx, websocket.MessageBinary, []byte("pong")); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, b *backend, dbPath string, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	base := []Option{
		WithAPIHost(srv.URL),
		WithWSHost("ws" + strings.TrimPrefix(srv.URL, "http")),
		WithDBPath(dbPath),
		WithCrypto(testCrypto{}),
		WithHeartbeat(20*time.Millisecond, 3),
		WithReconnectDelay(10 * time.Millisecond),
	}
	return NewClient(append(base, opts...)...)
}

func TestClientStartReceivesEventsAndLogsOutOnStop(t *testing.T) {
	b := &backend{t: t, push: []pushNotification{{
		ID:      uuid.Must(uuid.NewUUID()),
		Payload: []map[string]any{{"type": "conversation.create", "qualified_conversation": conv}},
	}}}
	dbPath := filepath.Join(t.TempDir(), "session.db")

	events := make(chan *ConversationEvent, 1)
	c := newTestClient(t, b, dbPath,
		WithLogoutOnStop(true),
		WithHandler(HandlerFuncs{Conversation: func(ctx context.Context, ev *ConversationEvent) error {
			events <- ev
			return nil
		}}),
	)

	ctx := context.Background()
	if err := c.Start(ctx, "bot@example.com", "secret"); err != nil {
		t.Fatal(err)
	}
	if c.UserID() != botUser || c.Domain() != "wire.example" || c.DeviceID() != "a1" {
		t.Fatalf("session = %s %s %s", c.UserID(), c.Domain(), c.DeviceID())
	}

	select {
	case ev := <-events:
		if ev.Conversation != conv {
			t.Errorf("conversation = %v, want %v", ev.Conversation, conv)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}
	if got := c.State(); got != StateLive {
		t.Errorf("state = %s, want LIVE", got)
	}

	c.Stop()
	if err := c.Wait(); err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	if b.registered != 1 || b.logouts != 1 {
		t.Errorf("registered=%d logouts=%d", b.registered, b.logouts)
	}
	if len(b.awaitToken) == 0 || b.awaitToken[0] != "token-1" {
		t.Errorf("await tokens = %v", b.awaitToken)
	}
	b.mu.Unlock()

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	s, err := st.LoadState(botUser)
	if err != nil {
		t.Fatal(err)
	}
	if s.DeviceID != "a1" || s.AccessToken != "" || s.Cookie != "" {
		t.Errorf("after logout: device=%q token=%q cookie=%q", s.DeviceID, s.AccessToken, s.Cookie)
	}
	if s.Cursor != b.push[0].ID {
		t.Errorf("cursor = %s, want %s", s.Cursor, b.push[0].ID)
	}
}

func TestClientLoginReusesStoredDevice(t *testing.T) {
	b := &backend{t: t}
	dbPath := filepath.Join(t.TempDir(), "session.db")

	for range 2 {
		c := newTestClient(t, b, dbPath)
		if err := c.Login(context.Background(), "bot@example.com", "secret"); err != nil {
			t.Fatal(err)
		}
		if err := c.Close(); err != nil {
			t.Fatal(err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registered != 1 {
		t.Errorf("registered %d times, want 1", b.registered)
	}
}

func TestClientDeliver(t *testing.T) {
	b := &backend{t: t}
	c := newTestClient(t, b, filepath.Join(t.TempDir(), "session.db"))
	defer c.Close()

	devices := []DeviceAddress{{Domain: "wire.example", User: peer, Device: "b2"}}
	if _, err := c.Deliver(context.Background(), conv, []byte("hi"), devices); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("before login: err = %v", err)
	}

	if err := c.Login(context.Background(), "bot@example.com", "secret"); err != nil {
		t.Fatal(err)
	}
	res, err := c.Deliver(context.Background(), conv, []byte("hi"), devices)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Delivered {
		t.Error("not delivered")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) != 1 {
		t.Fatalf("messages = %d", len(b.messages))
	}
	msg := b.messages[0]
	if msg.Sender != 0xa1 || msg.Strategy != otr.ReportAll {
		t.Errorf("sender=%x strategy=%s", msg.Sender, msg.Strategy)
	}
	text := msg.Recipients[0].Entries[0].Clients[0].Text
	if string(text) != "b2:hi" {
		t.Errorf("ciphertext = %q", text)
	}
}

func TestClientLoginRequiresCrypto(t *testing.T) {
	c := NewClient(WithDBPath(filepath.Join(t.TempDir(), "session.db")))
	if err := c.Login(context.Background(), "a", "b"); err == nil {
		t.Fatal("expected error without crypto engine")
	}
}

func TestClientStartTwiceDoesNotLoginAgain(t *testing.T) {
	b := &backend{t: t}
	c := newTestClient(t, b, filepath.Join(t.TempDir(), "session.db"))

	ctx := context.Background()
	if err := c.Start(ctx, "bot@example.com", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(ctx, "bot@example.com", "secret"); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start: err = %v", err)
	}
	c.Stop()
	if err := c.Wait(); err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logins != 1 {
		t.Errorf("logins = %d, want 1", b.logins)
	}
}

func TestClientStartAfterStop(t *testing.T) {
	b := &backend{t: t}
	c := newTestClient(t, b, filepath.Join(t.TempDir(), "session.db"))
	defer c.Close()

	c.Stop()
	if err := c.Start(context.Background(), "bot@example.com", "secret"); !errors.Is(err, ErrStopped) {
		t.Fatalf("start after stop: err = %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logins != 0 {
		t.Errorf("logins = %d, want 0", b.logins)
	}
}

func TestClientRemoveCookies(t *testing.T) {
	b := &backend{t: t}
	dbPath := filepath.Join(t.TempDir(), "session.db")
	c := newTestClient(t, b, dbPath, WithLabel("bot-1"))

	if err := c.RemoveCookies(context.Background(), "secret"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("before login: err = %v", err)
	}
	if err := c.Login(context.Background(), "bot@example.com", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := c.RemoveCookies(context.Background(), "secret"); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	if len(b.removed) != 1 || b.removed[0] != "token-1 secret bot-1" {
		t.Errorf("cookies/remove calls = %q", b.removed)
	}
	b.mu.Unlock()

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	s, err := st.LoadState(botUser)
	if err != nil {
		t.Fatal(err)
	}
	if s.AccessToken != "" || s.Cookie != "" || s.DeviceID != "a1" {
		t.Errorf("after remove: device=%q token=%q cookie=%q", s.DeviceID, s.AccessToken, s.Cookie)
	}
}
