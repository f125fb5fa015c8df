package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, maxPlayers int) (*httptest.Server, *FleetController) {
	t.Helper()
	fleet := newTestFleet(t, writeTestBlueprint(t, "arena", maxPlayers))
	api := NewAPI(fleet, fleet.loader, testLogger())
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return srv, fleet
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(data)))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestJoinObserveActionFlow(t *testing.T) {
	srv, fleet := newTestServer(t, 8)

	resp := postJSON(t, srv.URL+"/games/arena/join", map[string]string{"agent_id": "a1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status %d", resp.StatusCode)
	}
	var join struct {
		InstanceID string `json:"instance_id"`
	}
	decodeBody(t, resp, &join)
	if join.InstanceID == "" {
		t.Fatal("join returned no instance_id")
	}

	resp = postJSON(t, srv.URL+"/games/arena/action", map[string]any{
		"agent_id": "a1", "type": "say", "data": map[string]any{"text": "hi"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("action status %d", resp.StatusCode)
	}
	resp.Body.Close()

	g, _ := fleet.Instance(join.InstanceID)
	stepN(g, 1)

	obsResp, err := http.Get(srv.URL + "/games/arena/observe?agent_id=a1")
	if err != nil {
		t.Fatal(err)
	}
	if obsResp.StatusCode != http.StatusOK {
		t.Fatalf("observe status %d", obsResp.StatusCode)
	}
	var view agentView
	decodeBody(t, obsResp, &view)
	if view.You == nil || view.You.AgentID != "a1" {
		t.Fatalf("observation %+v", view)
	}
}

func TestJoinErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t, 8)

	resp := postJSON(t, srv.URL+"/games/no-such/join", map[string]string{"agent_id": "a1"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown blueprint status %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/games/arena/join", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing agent_id status %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestObserveWithoutMembership(t *testing.T) {
	srv, _ := newTestServer(t, 8)
	resp, err := http.Get(srv.URL + "/games/arena/observe?agent_id=ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestActionValidation(t *testing.T) {
	srv, _ := newTestServer(t, 8)
	resp := postJSON(t, srv.URL+"/games/arena/join", map[string]string{"agent_id": "a1"})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/games/arena/action", map[string]any{"agent_id": "a1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing type status %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPlayersEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 8)
	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/games/arena/join", map[string]string{"agent_id": fmt.Sprintf("p%d", i)})
		resp.Body.Close()
	}
	resp, err := http.Get(srv.URL + "/games/arena/players")
	if err != nil {
		t.Fatal(err)
	}
	var players []map[string]string
	decodeBody(t, resp, &players)
	if len(players) != 3 {
		t.Fatalf("players %v", players)
	}
	for _, p := range players {
		if p["agent_id"] == "" || p["instance_id"] == "" {
			t.Fatalf("player row %v", p)
		}
	}
}

func TestSkillDocPassthrough(t *testing.T) {
	srv, _ := newTestServer(t, 8)
	resp, err := http.Get(srv.URL + "/games/arena/skill.md")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Fatalf("content type %q", ct)
	}
}

func TestSpectateSnapshotEndpoint(t *testing.T) {
	srv, fleet := newTestServer(t, 8)
	resp := postJSON(t, srv.URL+"/games/arena/join", map[string]string{"agent_id": "a1"})
	resp.Body.Close()
	g, _ := fleet.SpectateDefault("arena")
	stepN(g, 1)

	specResp, err := http.Get(srv.URL + "/games/arena/spectate")
	if err != nil {
		t.Fatal(err)
	}
	var frame spectatorFrame
	decodeBody(t, specResp, &frame)
	if frame.Type != "snapshot" {
		t.Fatalf("frame type %q", frame.Type)
	}
	if len(frame.Players) != 1 {
		t.Fatalf("players %v", frame.Players)
	}
}

func TestSpectatePlayerRedirect(t *testing.T) {
	srv, _ := newTestServer(t, 8)
	resp := postJSON(t, srv.URL+"/games/arena/join", map[string]string{"agent_id": "a1"})
	resp.Body.Close()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(srv.URL + "/spectate/player/a1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status %d, want 302", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "/games/arena/spectate/ws?") || !strings.Contains(loc, "follow=a1") {
		t.Fatalf("redirect location %q", loc)
	}
}
