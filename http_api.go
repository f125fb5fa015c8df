package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to a spectator peer.
	writeWait = 1 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// API serves the agent and spectator surface over HTTP and websockets.
type API struct {
	fleet  *FleetController
	loader *BlueprintLoader
	logger *zap.SugaredLogger
}

// NewAPI wires the handler set.
func NewAPI(fleet *FleetController, loader *BlueprintLoader, logger *zap.SugaredLogger) *API {
	return &API{fleet: fleet, loader: loader, logger: logger}
}

// Routes builds the endpoint mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /games/{blueprint_id}/join", a.handleJoin)
	mux.HandleFunc("POST /games/{blueprint_id}/leave", a.handleLeave)
	mux.HandleFunc("GET /games/{blueprint_id}/observe", a.handleObserve)
	mux.HandleFunc("POST /games/{blueprint_id}/action", a.handleAction)
	mux.HandleFunc("GET /games/{blueprint_id}/spectate", a.handleSpectate)
	mux.HandleFunc("GET /games/{blueprint_id}/spectate/ws", a.handleSpectateWS)
	mux.HandleFunc("GET /games/{blueprint_id}/players", a.handlePlayers)
	mux.HandleFunc("GET /games/{blueprint_id}/skill.md", a.handleSkillDoc)
	mux.HandleFunc("GET /spectate/player/{agent_id}", a.handleSpectatePlayer)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
}

// agentID resolves the calling agent. Authentication middleware is outside
// the core; the identity arrives as a header or query parameter.
func agentID(r *http.Request) string {
	if v := r.Header.Get("X-Agent-Id"); v != "" {
		return v
	}
	return r.URL.Query().Get("agent_id")
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	blueprintID := r.PathValue("blueprint_id")
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		a.writeError(w, fmt.Errorf("%w: agent_id required", ErrInvalidInput))
		return
	}
	g, err := a.fleet.Join(blueprintID, body.AgentID)
	if err != nil {
		if errors.Is(err, ErrServiceBusy) {
			// Retries exhausted on capacity races.
			writeJSON(w, http.StatusConflict, map[string]string{"error": "service busy"})
			return
		}
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"instance_id": g.ID})
}

func (a *API) handleLeave(w http.ResponseWriter, r *http.Request) {
	blueprintID := r.PathValue("blueprint_id")
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		a.writeError(w, fmt.Errorf("%w: agent_id required", ErrInvalidInput))
		return
	}
	if err := a.fleet.Leave(blueprintID, body.AgentID); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (a *API) handleObserve(w http.ResponseWriter, r *http.Request) {
	blueprintID := r.PathValue("blueprint_id")
	agent := agentID(r)
	if agent == "" {
		a.writeError(w, fmt.Errorf("%w: agent identity required", ErrInvalidInput))
		return
	}
	g, ok := a.fleet.InstanceFor(agent, blueprintID)
	if !ok {
		a.writeError(w, ErrNotFound)
		return
	}
	data, err := g.AgentObservation(agent)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	blueprintID := r.PathValue("blueprint_id")
	var body struct {
		AgentID string         `json:"agent_id"`
		Type    string         `json:"type"`
		Data    map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, fmt.Errorf("%w: malformed action", ErrInvalidInput))
		return
	}
	if body.AgentID == "" {
		body.AgentID = agentID(r)
	}
	if body.AgentID == "" || body.Type == "" {
		a.writeError(w, fmt.Errorf("%w: agent_id and type required", ErrInvalidInput))
		return
	}
	g, ok := a.fleet.InstanceFor(body.AgentID, blueprintID)
	if !ok {
		a.writeError(w, ErrNotFound)
		return
	}
	if err := g.EnqueueAction(AgentAction{AgentID: body.AgentID, Type: body.Type, Data: body.Data}); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// resolveSpectateInstance picks the instance for a spectate request: an
// explicit ?instance= wins, otherwise the busiest instance of the
// blueprint.
func (a *API) resolveSpectateInstance(r *http.Request, blueprintID string) (*GameInstance, error) {
	if id := r.URL.Query().Get("instance"); id != "" {
		g, ok := a.fleet.Instance(id)
		if !ok {
			return nil, ErrInstanceGone
		}
		return g, nil
	}
	return a.fleet.SpectateDefault(blueprintID)
}

func (a *API) handleSpectate(w http.ResponseWriter, r *http.Request) {
	g, err := a.resolveSpectateInstance(r, r.PathValue("blueprint_id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	frame, _, err := g.SpectatorFrame(nil, r.URL.Query().Get("follow"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(frame)
}

// handleSpectateWS streams a full snapshot followed by per-tick deltas.
// Frames are tagged with the tick; a dropped frame is fine, the latest
// state wins.
func (a *API) handleSpectateWS(w http.ResponseWriter, r *http.Request) {
	g, err := a.resolveSpectateInstance(r, r.PathValue("blueprint_id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	follow := r.URL.Query().Get("follow")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Drain client frames so pongs are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(g.tickPeriod)
	defer ticker.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	// The first message is always a full snapshot.
	frame, state, err := g.SpectatorFrame(nil, follow)
	if err != nil {
		a.closeWithError(conn, err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}
	lastTick := g.TickCount()
	for {
		select {
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ticker.C:
			if g.TickCount() == lastTick && state != nil {
				continue
			}
			frame, next, err := g.SpectatorFrame(state, follow)
			if err != nil {
				a.closeWithError(conn, err)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			state = next
			lastTick = g.TickCount()
			if g.State() == StateFinished {
				a.closeWithError(conn, fmt.Errorf("instance finished: %s", g.FinishedReason()))
				return
			}
		}
	}
}

// closeWithError terminates a stream with a framed error message, then a
// clean close.
func (a *API) closeWithError(conn *websocket.Conn, err error) {
	msg, _ := json.Marshal(map[string]string{"type": "error", "error": err.Error()})
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, msg)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (a *API) handlePlayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.fleet.PlayerList(r.PathValue("blueprint_id")))
}

func (a *API) handleSkillDoc(w http.ResponseWriter, r *http.Request) {
	bp, err := a.loader.Load(r.PathValue("blueprint_id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if len(bp.SkillDoc) == 0 {
		a.writeError(w, ErrNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write(bp.SkillDoc)
}

func (a *API) handleSpectatePlayer(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent_id")
	g, err := a.fleet.SpectatePlayer(agent)
	if err != nil {
		a.writeError(w, err)
		return
	}
	target := fmt.Sprintf("/games/%s/spectate/ws?instance=%s&follow=%s", g.BlueprintID, g.ID, agent)
	http.Redirect(w, r, target, http.StatusFound)
}
