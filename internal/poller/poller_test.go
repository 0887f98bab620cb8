package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPollOnce_MergesSessionsAndTagsInstanceURL(t *testing.T) {
	t.Setenv("OVERLAP_STATE_DIR", t.TempDir())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"sessions": []map[string]any{
					{"session_id": "s1", "user_id": "u1", "repo_name": "repo"},
				},
			},
		})
	}))
	defer srv.Close()

	p := New(nil)
	p.SetTeams([]Team{{URL: srv.URL, Token: "tok"}})

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, err := ReadMirror()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sessions := snap.Sessions()
	if len(sessions) != 1 || sessions[0].InstanceURL != srv.URL {
		t.Fatalf("expected one session tagged with instance url, got %+v", sessions)
	}
	if !snap.Fresh(time.Now()) {
		t.Fatal("expected a freshly-written snapshot to be fresh")
	}
}

func TestPollOnce_AuthFailureInvokesHandlerAndSkipsTeam(t *testing.T) {
	t.Setenv("OVERLAP_STATE_DIR", t.TempDir())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var calls int32
	p := New(func(teamURL string) { atomic.AddInt32(&calls, 1) })
	p.SetTeams([]Team{{URL: srv.URL, Token: "bad"}})

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected auth failure handler to fire once, got %d", calls)
	}
}

func TestReadMirror_MissingFileIsEmptyNotError(t *testing.T) {
	t.Setenv("OVERLAP_STATE_DIR", t.TempDir())

	snap, err := ReadMirror()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Sessions()) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
	if snap.Fresh(time.Now()) {
		t.Fatal("expected a zero-value snapshot to never be considered fresh")
	}
}

func TestSnapshot_StaleAfter120Seconds(t *testing.T) {
	snap := Snapshot{Teams: map[string]TeamSnapshot{
		"https://team": {UpdatedAt: time.Now().Add(-121 * time.Second)},
	}}
	if snap.Fresh(time.Now()) {
		t.Fatal("expected a 121s-old snapshot to be stale")
	}
	snap2 := Snapshot{Teams: map[string]TeamSnapshot{
		"https://team": {UpdatedAt: time.Now().Add(-119 * time.Second)},
	}}
	if !snap2.Fresh(time.Now()) {
		t.Fatal("expected a 119s-old snapshot to be fresh")
	}
}

func TestPollOnce_TransportErrorLeavesThatTeamsMirrorEntryUntouched(t *testing.T) {
	t.Setenv("OVERLAP_STATE_DIR", t.TempDir())

	var failNext int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&failNext) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"sessions": []map[string]any{
					{"session_id": "s1", "user_id": "u1", "repo_name": "repo"},
				},
			},
		})
	}))
	defer srv.Close()

	p := New(nil)
	p.SetTeams([]Team{{URL: srv.URL, Token: "tok"}})
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := ReadMirror()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstEntry, ok := first.Teams[srv.URL]
	if !ok || len(firstEntry.Sessions) != 1 {
		t.Fatalf("expected one session recorded for the team, got %+v", first.Teams)
	}

	atomic.StoreInt32(&failNext, 1)
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := ReadMirror()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secondEntry, ok := second.Teams[srv.URL]
	if !ok {
		t.Fatal("expected the failed poll to leave the team's prior entry in the mirror")
	}
	if !secondEntry.UpdatedAt.Equal(firstEntry.UpdatedAt) {
		t.Fatalf("expected UpdatedAt to be unchanged after a failed poll, got %v want %v", secondEntry.UpdatedAt, firstEntry.UpdatedAt)
	}
	if len(secondEntry.Sessions) != 1 {
		t.Fatalf("expected the prior round's session data to be preserved, got %+v", secondEntry.Sessions)
	}
}
