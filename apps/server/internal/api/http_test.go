package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ecosim/apps/server/internal/archive"
	"ecosim/apps/server/internal/registry"
	"ecosim/apps/server/internal/session"
)

type testServer struct {
	*httptest.Server
	registry *registry.Registry
	archive  archive.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	arch := archive.NewMemoryService()
	reg := registry.New(registry.Options{
		Broadcast: func(string, []byte) {},
		Archive:   arch,
	})
	t.Cleanup(reg.Close)

	mux := http.NewServeMux()
	NewHandler(reg, arch, nil).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testServer{Server: server, registry: reg, archive: arch}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var fields map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&fields)
	return resp, fields
}

func (ts *testServer) mustStatus(t *testing.T, method, path string, body any, want int) map[string]json.RawMessage {
	t.Helper()
	resp, fields := ts.do(t, method, path, body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s status = %d, want %d (%v)", method, path, resp.StatusCode, want, fields)
	}
	return fields
}

func createGame(t *testing.T, ts *testServer, body any) string {
	t.Helper()
	fields := ts.mustStatus(t, http.MethodPost, "/api/game/create", body, http.StatusOK)
	var gameID string
	if err := json.Unmarshal(fields["gameId"], &gameID); err != nil || gameID == "" {
		t.Fatalf("gameId missing in %v", fields)
	}
	return gameID
}

func joinGame(t *testing.T, ts *testServer, gameID, id, role string) {
	t.Helper()
	ts.mustStatus(t, http.MethodPost, "/api/game/"+gameID+"/join",
		map[string]string{"id": id, "role": role}, http.StatusOK)
}

func TestFullGameFlow(t *testing.T) {
	ts := newTestServer(t)

	gameID := createGame(t, ts, map[string]any{"mode": "immediate"})
	joinGame(t, ts, gameID, "alice", "player")
	joinGame(t, ts, gameID, "gm-1", "gm")

	ts.mustStatus(t, http.MethodPost, "/api/game/"+gameID+"/start", nil, http.StatusOK)

	fields := ts.mustStatus(t, http.MethodPost, "/api/player/action", map[string]any{
		"gameId":      gameID,
		"submitterId": "alice",
		"action":      map[string]any{"invest": 25, "hire": 1},
	}, http.StatusOK)
	var resolved bool
	_ = json.Unmarshal(fields["resolved"], &resolved)
	if !resolved {
		t.Fatalf("immediate mode action not resolved: %v", fields)
	}

	state := ts.mustStatus(t, http.MethodGet, "/api/game/"+gameID+"/state", nil, http.StatusOK)
	var quarter int
	_ = json.Unmarshal(state["quarter"], &quarter)
	if quarter != 2 {
		t.Fatalf("quarter = %d, want 2", quarter)
	}

	ts.mustStatus(t, http.MethodPost, "/api/gm/action", map[string]any{
		"gameId":      gameID,
		"submitterId": "gm-1",
		"action":      map[string]any{"command": "crash", "magnitude": 0.2},
		"urgent":      true,
	}, http.StatusOK)

	// Archive writes happen off the game loop; poll for the records.
	deadline := time.Now().Add(3 * time.Second)
	for {
		history := ts.mustStatus(t, http.MethodGet, "/api/game/"+gameID+"/history", nil, http.StatusOK)
		var quarters []archive.QuarterRecord
		_ = json.Unmarshal(history["quarters"], &quarters)
		if len(quarters) == 2 {
			if quarters[0].Quarter != 1 || quarters[1].Quarter != 2 {
				t.Fatalf("history quarters = %+v", quarters)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never reached 2 records: %+v", quarters)
		}
		time.Sleep(20 * time.Millisecond)
	}

	record := ts.mustStatus(t, http.MethodGet, "/api/game/"+gameID+"/history/1", nil, http.StatusOK)
	var q int
	_ = json.Unmarshal(record["quarter"], &q)
	if q != 1 {
		t.Fatalf("archived quarter = %d, want 1", q)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	// Unknown game is 404 everywhere.
	ts.mustStatus(t, http.MethodGet, "/api/game/missing/state", nil, http.StatusNotFound)
	ts.mustStatus(t, http.MethodPost, "/api/game/missing/start", nil, http.StatusNotFound)
	ts.mustStatus(t, http.MethodPost, "/api/player/action", map[string]any{
		"gameId": "missing", "submitterId": "a", "action": map[string]any{},
	}, http.StatusNotFound)

	gameID := createGame(t, ts, nil)
	joinGame(t, ts, gameID, "alice", "player")

	// Acting before the game starts is an invalid-state conflict.
	ts.mustStatus(t, http.MethodPost, "/api/player/action", map[string]any{
		"gameId": gameID, "submitterId": "alice", "action": map[string]any{"invest": 1},
	}, http.StatusConflict)

	ts.mustStatus(t, http.MethodPost, "/api/game/"+gameID+"/start", nil, http.StatusOK)
	ts.mustStatus(t, http.MethodPost, "/api/game/"+gameID+"/start", nil, http.StatusConflict)

	// A stranger and a role mismatch are both forbidden.
	ts.mustStatus(t, http.MethodPost, "/api/player/action", map[string]any{
		"gameId": gameID, "submitterId": "nobody", "action": map[string]any{"invest": 1},
	}, http.StatusForbidden)
	ts.mustStatus(t, http.MethodPost, "/api/gm/action", map[string]any{
		"gameId": gameID, "submitterId": "alice", "action": map[string]any{"command": "crash"},
	}, http.StatusForbidden)

	// Missing identity.
	ts.mustStatus(t, http.MethodPost, "/api/player/action", map[string]any{
		"gameId": gameID, "action": map[string]any{"invest": 1},
	}, http.StatusForbidden)

	// Validation failures.
	ts.mustStatus(t, http.MethodPost, "/api/game/create",
		map[string]any{"mode": "warp-speed"}, http.StatusBadRequest)
	ts.mustStatus(t, http.MethodGet, "/api/game/"+gameID+"/history/zero", nil, http.StatusBadRequest)
	ts.mustStatus(t, http.MethodPost, "/api/player/action", map[string]any{
		"gameId": gameID, "submitterId": "alice",
	}, http.StatusBadRequest)
}

func TestJoinGeneratesIDWhenAnonymous(t *testing.T) {
	ts := newTestServer(t)
	gameID := createGame(t, ts, nil)

	fields := ts.mustStatus(t, http.MethodPost, "/api/game/"+gameID+"/join",
		map[string]string{"role": "player", "name": "Drifter"}, http.StatusOK)

	var participant session.Participant
	if err := json.Unmarshal(fields["participant"], &participant); err != nil {
		t.Fatalf("participant missing: %v", fields)
	}
	if participant.ID == "" {
		t.Fatalf("no id generated: %+v", participant)
	}
	if participant.Name != "Drifter" {
		t.Fatalf("name = %q", participant.Name)
	}
}

func TestListGames(t *testing.T) {
	ts := newTestServer(t)
	createGame(t, ts, nil)
	createGame(t, ts, nil)

	fields := ts.mustStatus(t, http.MethodGet, "/api/games", nil, http.StatusOK)
	var games []session.Snapshot
	if err := json.Unmarshal(fields["games"], &games); err != nil {
		t.Fatalf("games missing: %v", fields)
	}
	if len(games) != 2 {
		t.Fatalf("games = %d, want 2", len(games))
	}
	for _, g := range games {
		if g.Status != session.StatusLobby {
			t.Fatalf("status = %s, want lobby", g.Status)
		}
	}
}

func TestBarrierFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	gameID := createGame(t, ts, map[string]any{"mode": "barrier"})
	joinGame(t, ts, gameID, "alice", "player")
	joinGame(t, ts, gameID, "bob", "player")
	ts.mustStatus(t, http.MethodPost, "/api/game/"+gameID+"/start", nil, http.StatusOK)

	fields := ts.mustStatus(t, http.MethodPost, "/api/player/action", map[string]any{
		"gameId": gameID, "submitterId": "alice", "action": map[string]any{"invest": 10},
	}, http.StatusOK)
	var resolved bool
	_ = json.Unmarshal(fields["resolved"], &resolved)
	if resolved {
		t.Fatalf("barrier resolved with one of two players")
	}

	fields = ts.mustStatus(t, http.MethodPost, "/api/player/action", map[string]any{
		"gameId": gameID, "submitterId": "bob", "action": map[string]any{"invest": 10},
	}, http.StatusOK)
	_ = json.Unmarshal(fields["resolved"], &resolved)
	if !resolved {
		t.Fatalf("barrier did not resolve when both players submitted")
	}
}
