package wireservice

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/wire-go/internal/otr"
	"github.com/gwillem/wire-go/internal/store"
)

var (
	selfUser   = uuid.MustParse("00000000-0000-4000-8000-0000000000aa")
	userU      = uuid.MustParse("11111111-1111-4111-8111-111111111111")
	userV      = uuid.MustParse("22222222-2222-4222-8222-222222222222")
	userW      = uuid.MustParse("33333333-3333-4333-8333-333333333333")
	testConv   = QualifiedID{ID: uuid.MustParse("44444444-4444-4444-8444-444444444444"), Domain: "wire.example"}
	selfDevice = "a1"
)

func dev(domain string, user uuid.UUID, device string) DeviceAddress {
	return DeviceAddress{Domain: domain, User: user, Device: device}
}

// fakeCrypto "encrypts" by prefixing the device id. Encrypt fails for
// devices without an open session.
type fakeCrypto struct {
	mu       sync.Mutex
	sessions map[DeviceAddress]bool
	failOpen map[DeviceAddress]bool
	opened   []DeviceAddress
}

func newFakeCrypto(withSessions ...DeviceAddress) *fakeCrypto {
	fc := &fakeCrypto{sessions: map[DeviceAddress]bool{}, failOpen: map[DeviceAddress]bool{}}
	for _, d := range withSessions {
		fc.sessions[d] = true
	}
	return fc
}

func (f *fakeCrypto) OpenSession(d DeviceAddress, pk Prekey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpen[d] {
		return errors.New("bad prekey")
	}
	f.sessions[d] = true
	f.opened = append(f.opened, d)
	return nil
}

func (f *fakeCrypto) Encrypt(d DeviceAddress, plaintext []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[d] {
		return nil, errors.New("no session")
	}
	return []byte(d.Device + ":" + string(plaintext)), nil
}

func (f *fakeCrypto) Decrypt(d DeviceAddress, ciphertext []byte) ([]byte, error) {
	s, ok := strings.CutPrefix(string(ciphertext), "enc:")
	if !ok {
		return nil, errors.New("cannot decrypt")
	}
	return []byte(s), nil
}

func (f *fakeCrypto) NewPrekeys(start, count int) ([]Prekey, error) {
	out := make([]Prekey, count)
	for i := range out {
		out[i] = Prekey{ID: start + i, Key: base64.StdEncoding.EncodeToString([]byte("pk" + strconv.Itoa(start+i)))}
	}
	return out, nil
}

func (f *fakeCrypto) NewLastPrekey() (Prekey, error) {
	return Prekey{ID: 0xFFFF, Key: base64.StdEncoding.EncodeToString([]byte("last"))}, nil
}

// sentMessage is one decoded message POST.
type sentMessage struct {
	strategy otr.Strategy
	users    []QualifiedID
	texts    map[DeviceAddress]string
}

// fakeBackend emulates the message and prekey endpoints. devices is the
// backend's view of every user's devices.
type fakeBackend struct {
	t  *testing.T
	mu sync.Mutex

	devices map[DeviceAddress]bool
	prekeys map[DeviceAddress]*Prekey

	sends        []sentMessage
	prekeyCalls  int
	prekeyAsked  []DeviceAddress
	messageError int // when non-zero, reply with this status to messages
	onSend       func(n int) // called with the lock held after each reply

	// extra routes, keyed by "METHOD /path"
	routes map[string]http.HandlerFunc
}

func newFakeBackend(t *testing.T, devices ...DeviceAddress) *fakeBackend {
	b := &fakeBackend{
		t:       t,
		devices: map[DeviceAddress]bool{},
		prekeys: map[DeviceAddress]*Prekey{},
		routes:  map[string]http.HandlerFunc{},
	}
	for _, d := range devices {
		b.devices[d] = true
	}
	return b
}

func (b *fakeBackend) start() *httptest.Server {
	srv := httptest.NewServer(b)
	b.t.Cleanup(srv.Close)
	return srv
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h, ok := b.routes[r.Method+" "+r.URL.Path]; ok {
		h(w, r)
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v6/users/list-prekeys":
		b.listPrekeys(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/proteus/messages"):
		b.message(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) listPrekeys(w http.ResponseWriter, r *http.Request) {
	var req prekeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.t.Errorf("decode list-prekeys: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prekeyCalls++
	resp := prekeyResponse{}
	for domain, users := range req {
		resp[domain] = map[uuid.UUID]map[string]*Prekey{}
		for user, clients := range users {
			resp[domain][user] = map[string]*Prekey{}
			for _, c := range clients {
				d := dev(domain, user, c)
				b.prekeyAsked = append(b.prekeyAsked, d)
				resp[domain][user][c] = b.prekeys[d]
			}
		}
	}
	json.NewEncoder(w).Encode(resp)
}

func (b *fakeBackend) message(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	msg, err := otr.Unmarshal(body)
	if err != nil {
		b.t.Errorf("decode message: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messageError != 0 {
		http.Error(w, `{"label":"boom"}`, b.messageError)
		return
	}

	sent := sentMessage{strategy: msg.Strategy, texts: map[DeviceAddress]string{}}
	for _, qu := range msg.StrategyUsers {
		sent.users = append(sent.users, QualifiedID{ID: uuid.MustParse(qu.ID), Domain: qu.Domain})
	}
	for _, qe := range msg.Recipients {
		for _, ue := range qe.Entries {
			for _, ce := range ue.Clients {
				sent.texts[dev(qe.Domain, ue.User, fmt.Sprintf("%x", ce.Client))] = string(ce.Text)
			}
		}
	}
	b.sends = append(b.sends, sent)
	if b.onSend != nil {
		defer b.onSend(len(b.sends))
	}

	checked := func(d DeviceAddress) bool {
		switch msg.Strategy {
		case otr.ReportAll:
			return true
		case otr.ReportOnly:
			return slices.Contains(sent.users, QualifiedID{ID: d.User, Domain: d.Domain})
		}
		return false
	}
	missing := MissingSet{}
	reported := MissingSet{}
	for d := range b.devices {
		if _, ok := sent.texts[d]; ok {
			continue
		}
		reported.Add(d)
		if checked(d) {
			missing.Add(d)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !missing.Empty() {
		w.WriteHeader(http.StatusPreconditionFailed)
		json.NewEncoder(w).Encode(mismatchResponse{Missing: missing})
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(mismatchResponse{Missing: reported})
}

func (b *fakeBackend) setPrekey(d DeviceAddress, pk *Prekey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prekeys[d] = pk
}

func (b *fakeBackend) prekeyCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prekeyCalls
}

func (b *fakeBackend) askedPrekeys() []DeviceAddress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.prekeyAsked)
}

func (b *fakeBackend) lastSends() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.sends)
}

func newTestService(srv *httptest.Server) *Service {
	return NewService(ServiceConfig{APIHost: srv.URL, APIVersion: "v6"})
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func staticToken(tok string) TokenSource {
	return func() (string, error) { return tok, nil }
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// frozenClock returns a clock fixed at t that tests can advance.
type frozenClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *frozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *frozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
