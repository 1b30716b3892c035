package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/collider/dkls-engine/internal/dklscore"
	"github.com/collider/dkls-engine/internal/engineerr"
	"github.com/collider/dkls-engine/internal/eventbus"
	"github.com/collider/dkls-engine/internal/kvstore"
	"github.com/collider/dkls-engine/internal/types"
)

func newTestSession(baseURL string) *Session {
	cfg := Config{HTTPBaseURL: baseURL, WSBaseURL: "ws://unused", Passphrase: "test-pass"}
	return New(cfg, kvstore.NewMemoryStore(), dklscore.NewSimulatedCore(zap.NewNop()), zap.NewNop())
}

func TestInitializeRequiresBaseURLs(t *testing.T) {
	s := New(Config{}, kvstore.NewMemoryStore(), dklscore.NewSimulatedCore(zap.NewNop()), zap.NewNop())
	if err := s.Initialize(context.Background()); !engineerr.Is(err, engineerr.Fatal) {
		t.Errorf("expected Fatal error for missing config, got %v", err)
	}
}

func TestInitializeEmitsEvent(t *testing.T) {
	s := newTestSession("http://unused")

	var fired bool
	s.Bus().On(eventbus.Initialized, func(any) { fired = true })

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fired {
		t.Error("expected initialized event to fire")
	}
}

func TestStartKeygenRequiresRegistrationAndGroup(t *testing.T) {
	s := newTestSession("http://unused")

	if err := s.StartKeygen(context.Background(), true, "", false); !engineerr.Is(err, engineerr.SessionUninitialized) {
		t.Errorf("expected SessionUninitialized with no group, got %v", err)
	}

	s.groupInfo = &types.GroupInfo{GroupID: types.GroupID("g1"), Threshold: 2, TotalParties: 2}
	if err := s.StartKeygen(context.Background(), true, "", false); !engineerr.Is(err, engineerr.SessionUninitialized) {
		t.Errorf("expected SessionUninitialized with a group but no registration, got %v", err)
	}
}

func TestStartSigningRejectsShortHash(t *testing.T) {
	s := newTestSession("http://unused")

	if err := s.StartSigning(context.Background(), []byte("short"), 0, ""); !engineerr.Is(err, engineerr.InvalidMessage) {
		t.Errorf("expected InvalidMessage, got %v", err)
	}
}

func TestStatusReflectsRegistrationAndGroup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/party/register", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"party_id": "p1", "token": "tok-1"})
	})
	mux.HandleFunc("/group/create", func(w http.ResponseWriter, r *http.Request) {
		group := types.GroupInfo{GroupID: types.GroupID("g1"), Threshold: 2, TotalParties: 2}
		_ = json.NewEncoder(w).Encode(map[string]any{"group": group})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestSession(server.URL)

	st := s.Status()
	if st.HasGroup || st.Connected || st.RunInProgress {
		t.Errorf("expected zero-value status before any operation, got %+v", st)
	}

	partyID, err := s.Register(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partyID != "p1" {
		t.Errorf("got party id %q, want %q", partyID, "p1")
	}

	group, err := s.CreateGroup(context.Background(), 2, 2, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if group.GroupID != "g1" {
		t.Errorf("got group id %q, want %q", group.GroupID, "g1")
	}

	st = s.Status()
	if st.PartyID != "p1" || !st.HasGroup || st.GroupID != "g1" {
		t.Errorf("unexpected status after register+create: %+v", st)
	}
}

func TestRegisterAndCreateGroupEmitEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/party/register", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"party_id": "p1", "token": "tok-1"})
	})
	mux.HandleFunc("/group/create", func(w http.ResponseWriter, r *http.Request) {
		group := types.GroupInfo{GroupID: types.GroupID("g1"), Threshold: 2, TotalParties: 2}
		_ = json.NewEncoder(w).Encode(map[string]any{"group": group})
	})
	mux.HandleFunc("/group/join", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "joined"})
	})
	mux.HandleFunc("/group/info", func(w http.ResponseWriter, r *http.Request) {
		group := types.GroupInfo{GroupID: types.GroupID("g2"), Threshold: 2, TotalParties: 3}
		_ = json.NewEncoder(w).Encode(map[string]any{"group": group})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestSession(server.URL)

	var registered, groupCreated, groupJoined bool
	s.Bus().On(eventbus.Registered, func(any) { registered = true })
	s.Bus().On(eventbus.GroupCreated, func(any) { groupCreated = true })
	s.Bus().On(eventbus.GroupJoined, func(any) { groupJoined = true })

	if _, err := s.Register(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.CreateGroup(context.Background(), 2, 2, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.JoinGroup(context.Background(), types.GroupID("g2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !registered || !groupCreated || !groupJoined {
		t.Errorf("expected all three lifecycle events to fire, got registered=%v created=%v joined=%v", registered, groupCreated, groupJoined)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s := newTestSession("http://unused")

	var fired int
	s.Bus().On(eventbus.Disconnected, func(any) { fired++ })

	s.Disconnect()
	s.Disconnect()

	if fired != 2 {
		t.Errorf("expected disconnected to emit once per call even with nothing connected, got %d", fired)
	}

	st := s.Status()
	if st.Connected || st.RunInProgress {
		t.Errorf("expected no active run after disconnect, got %+v", st)
	}
}

func TestDeriveTransportKeyIsDeterministic(t *testing.T) {
	k1 := deriveTransportKey("shared-secret", types.GroupID("group-a"))
	k2 := deriveTransportKey("shared-secret", types.GroupID("group-a"))
	k3 := deriveTransportKey("shared-secret", types.GroupID("group-b"))

	if len(k1) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k1))
	}
	if string(k1) != string(k2) {
		t.Error("expected identical (secret, group) pairs to derive the same key")
	}
	if string(k1) == string(k3) {
		t.Error("expected different group ids to derive different keys")
	}
}
