package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/collider/dkls-engine/internal/engineerr"
	"github.com/collider/dkls-engine/internal/types"
)

func TestGeneratePartyID(t *testing.T) {
	for i := 0; i < 20; i++ {
		id, err := GeneratePartyID()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !id.Valid() {
			t.Errorf("generated party id %q is not valid", id)
		}
	}
}

func TestClientRegister(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       any
		wantErr    engineerr.Kind
	}{
		{
			name:       "success",
			statusCode: http.StatusOK,
			body:       registerResponse{PartyID: "party-x", Token: "tok-123", Message: "ok"},
		},
		{
			name:       "conflict",
			statusCode: http.StatusConflict,
			wantErr:    engineerr.Conflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/party/register" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				w.WriteHeader(tt.statusCode)
				if tt.body != nil {
					_ = json.NewEncoder(w).Encode(tt.body)
				}
			}))
			defer server.Close()

			client := New(server.URL, nil)
			partyID, err := client.Register(context.Background())

			if tt.wantErr != "" {
				if !engineerr.Is(err, tt.wantErr) {
					t.Fatalf("expected %s error, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if partyID != "party-x" {
				t.Errorf("got party id %q, want %q", partyID, "party-x")
			}
			if client.token != "tok-123" {
				t.Errorf("token not installed: got %q", client.token)
			}
		})
	}
}

func TestClientCreateGroupRejectsInvalidThreshold(t *testing.T) {
	client := New("http://unused", nil)
	client.SetToken("tok")

	if _, err := client.CreateGroup(context.Background(), 0, 3, time.Minute); err == nil {
		t.Error("expected error for threshold 0")
	}
	if _, err := client.CreateGroup(context.Background(), 5, 3, time.Minute); err == nil {
		t.Error("expected error for threshold > total")
	}
}

func TestClientCreateGroupSuccess(t *testing.T) {
	wantGroup := types.GroupInfo{
		GroupID:      types.GroupID("abcd"),
		Threshold:    2,
		TotalParties: 3,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-abc" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(groupResponse{Group: wantGroup})
	}))
	defer server.Close()

	client := New(server.URL, nil)
	client.SetToken("tok-abc")

	got, err := client.CreateGroup(context.Background(), 2, 3, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.GroupID != wantGroup.GroupID || got.Threshold != wantGroup.Threshold {
		t.Errorf("got %+v, want %+v", got, wantGroup)
	}
}

func TestClientRequiresTokenForAuthedCalls(t *testing.T) {
	client := New("http://unused", nil)
	if _, err := client.GetPartyInfo(context.Background()); !engineerr.Is(err, engineerr.Unauthorized) {
		t.Errorf("expected Unauthorized error, got %v", err)
	}
}

func TestClientRetriesOnNetworkError(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			// Simulate a transient failure by closing the connection
			// without a response, forcing a network-level error.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("expected hijackable response writer")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			conn.Close()
			return
		}
		_ = json.NewEncoder(w).Encode(registerResponse{PartyID: "party-y", Token: "tok-y"})
	}))
	defer server.Close()

	client := New(server.URL, nil)
	partyID, err := client.Register(context.Background())
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if partyID != "party-y" {
		t.Errorf("got %q, want %q", partyID, "party-y")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}
