package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testUser = uuid.MustParse("2f1c8a40-5d1e-4b6f-9c3a-7e2d1b0a9f88")

func TestStateLifecycle(t *testing.T) {
	s := tempStore(t)

	st, err := s.LoadState(testUser)
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Fatal("expected nil state before EnsureState")
	}

	if err := s.SetCursor(testUser, uuid.New()); !errors.Is(err, ErrNoState) {
		t.Fatalf("SetCursor without state: got %v, want ErrNoState", err)
	}

	if err := s.EnsureState(testUser, "wire.example"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDeviceID(testUser, "1a2b3c"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCredential(testUser, "token-1", 900*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCookie(testUser, "zuid-1"); err != nil {
		t.Fatal(err)
	}

	st, err = s.LoadState(testUser)
	if err != nil {
		t.Fatal(err)
	}
	if st.Domain != "wire.example" || st.DeviceID != "1a2b3c" {
		t.Errorf("identity: got %s/%s", st.Domain, st.DeviceID)
	}
	if st.AccessToken != "token-1" || st.ExpiresIn != 900*time.Second || st.Cookie != "zuid-1" {
		t.Errorf("credential: got %q %v %q", st.AccessToken, st.ExpiresIn, st.Cookie)
	}
	if st.Cursor != uuid.Nil {
		t.Errorf("cursor: got %s, want nil", st.Cursor)
	}
	if st.Version != 3 {
		t.Errorf("version: got %d, want 3", st.Version)
	}

	// EnsureState again must not reset anything.
	if err := s.EnsureState(testUser, "other.example"); err != nil {
		t.Fatal(err)
	}
	st, _ = s.LoadState(testUser)
	if st.Domain != "wire.example" || st.DeviceID != "1a2b3c" {
		t.Errorf("EnsureState clobbered record: %+v", st)
	}
}

func TestSetCredentialKeepsCookie(t *testing.T) {
	s := tempStore(t)
	if err := s.EnsureState(testUser, "wire.example"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCookie(testUser, "zuid-keep"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCredential(testUser, "token-2", time.Minute); err != nil {
		t.Fatal(err)
	}
	st, _ := s.LoadState(testUser)
	if st.Cookie != "zuid-keep" {
		t.Fatalf("cookie: got %q", st.Cookie)
	}
}

func TestConcurrentFieldWritersDoNotClobber(t *testing.T) {
	s := tempStore(t)
	if err := s.EnsureState(testUser, "wire.example"); err != nil {
		t.Fatal(err)
	}

	cursors := make([]uuid.UUID, 20)
	for i := range cursors {
		cursors[i] = uuid.Must(uuid.NewUUID()) // version 1, increasing
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, c := range cursors {
			if err := s.SetCursor(testUser, c); err != nil {
				t.Errorf("SetCursor: %v", err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 20 {
			if err := s.SetCredential(testUser, "token", time.Duration(i)*time.Second); err != nil {
				t.Errorf("SetCredential: %v", err)
			}
		}
	}()
	wg.Wait()

	st, err := s.LoadState(testUser)
	if err != nil {
		t.Fatal(err)
	}
	if st.Cursor != cursors[len(cursors)-1] {
		t.Errorf("cursor: got %s, want %s", st.Cursor, cursors[len(cursors)-1])
	}
	if st.AccessToken != "token" || st.ExpiresIn != 19*time.Second {
		t.Errorf("credential: got %q %v", st.AccessToken, st.ExpiresIn)
	}
	if st.Version != 40 {
		t.Errorf("version: got %d, want 40", st.Version)
	}
}

func TestSetCursorRejectsRegression(t *testing.T) {
	s := tempStore(t)
	if err := s.EnsureState(testUser, ""); err != nil {
		t.Fatal(err)
	}
	older := uuid.Must(uuid.NewUUID())
	newer := uuid.Must(uuid.NewUUID())

	if err := s.SetCursor(testUser, newer); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCursor(testUser, older); !errors.Is(err, ErrCursorBehind) {
		t.Fatalf("got %v, want ErrCursorBehind", err)
	}
	st, _ := s.LoadState(testUser)
	if st.Cursor != newer {
		t.Fatalf("cursor moved backwards to %s", st.Cursor)
	}

	// Random (v4) cursors are opaque and always accepted.
	opaque := uuid.New()
	if err := s.SetCursor(testUser, opaque); err != nil {
		t.Fatal(err)
	}
}

func TestClearCredential(t *testing.T) {
	s := tempStore(t)
	s.EnsureState(testUser, "wire.example")
	s.SetDeviceID(testUser, "dev")
	s.SetCredential(testUser, "tok", time.Minute)
	s.SetCookie(testUser, "zuid")

	if err := s.ClearCredential(testUser); err != nil {
		t.Fatal(err)
	}
	st, _ := s.LoadState(testUser)
	if st.AccessToken != "" || st.Cookie != "" || st.DeviceID != "dev" {
		t.Fatalf("unexpected state after clear: %+v", st)
	}
}

func TestSealedSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealed.db")
	s, err := Open(path, WithSealSecret([]byte("correct horse")))
	if err != nil {
		t.Fatal(err)
	}
	s.EnsureState(testUser, "wire.example")
	if err := s.SetCredential(testUser, "secret-token", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCookie(testUser, "secret-cookie"); err != nil {
		t.Fatal(err)
	}

	var raw []byte
	if err := s.db.Get(&raw, "SELECT access_token FROM session_state WHERE user_id = ?", testUser.String()); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("secret-token")) {
		t.Fatal("access token stored in the clear")
	}

	st, err := s.LoadState(testUser)
	if err != nil {
		t.Fatal(err)
	}
	if st.AccessToken != "secret-token" || st.Cookie != "secret-cookie" {
		t.Fatalf("roundtrip: got %q %q", st.AccessToken, st.Cookie)
	}
	s.Close()

	wrong, err := Open(path, WithSealSecret([]byte("wrong")))
	if err != nil {
		t.Fatal(err)
	}
	defer wrong.Close()
	if _, err := wrong.LoadState(testUser); err == nil {
		t.Fatal("expected error opening sealed state with the wrong secret")
	}
}
