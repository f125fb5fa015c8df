package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
)

// agentWindowRadius bounds the spatial window of world entities included in
// an agent observation.
const agentWindowRadius = 100.0

// cachedObservation is valid only for the tick it was produced in; stale
// entries are replaced on the next request.
type cachedObservation struct {
	tick uint64
	data []byte
}

// agentView is the lean, private observation returned to an agent. It
// carries no visual fields.
type agentView struct {
	Tick            uint64             `json:"tick"`
	Status          string             `json:"status"`
	Reason          string             `json:"reason,omitempty"`
	You             *agentSelfView     `json:"you,omitempty"`
	Players         []playerView       `json:"players"`
	Entities        []agentEntityView  `json:"entities"`
	WorldAttributes map[string]any     `json:"world_attributes,omitempty"`
}

type agentSelfView struct {
	AgentID    string         `json:"agent_id"`
	Name       string         `json:"name"`
	Position   [3]float64     `json:"position"`
	Health     float64        `json:"health"`
	MaxHealth  float64        `json:"max_health"`
	Grounded   bool           `json:"grounded"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type playerView struct {
	AgentID  string     `json:"agent_id"`
	Name     string     `json:"name"`
	Position [3]float64 `json:"position"`
}

type agentEntityView struct {
	ID         uint64         `json:"id"`
	Name       string         `json:"name"`
	Class      string         `json:"class"`
	Position   [3]float64     `json:"position"`
	Size       [3]float64     `json:"size"`
	Shape      string         `json:"shape"`
	Anchored   bool           `json:"anchored"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// specEntityView is the rich, public entity shape streamed to spectators.
type specEntityView struct {
	ID         uint64     `json:"id"`
	Name       string     `json:"name"`
	Shape      string     `json:"shape"`
	Position   [3]float64 `json:"position"`
	Rotation   [9]float64 `json:"rotation"`
	Size       [3]float64 `json:"size"`
	Color      [3]float64 `json:"color"`
	Material   string     `json:"material"`
	Anchored   bool       `json:"anchored"`
	CanCollide bool       `json:"can_collide"`
	Velocity   [3]float64 `json:"velocity"`
	ModelURL   string     `json:"model_url,omitempty"`
}

type lightView struct {
	ID         uint64     `json:"id"`
	Position   [3]float64 `json:"position"`
	Color      [3]float64 `json:"color"`
	Brightness float64    `json:"brightness"`
	Range      float64    `json:"range"`
}

type guiView struct {
	ID     uint64 `json:"id"`
	Text   string `json:"text"`
	PartID uint64 `json:"part_id"`
	Owner  string `json:"owner,omitempty"`
}

type lightingView struct {
	Ambient        [3]float64 `json:"ambient"`
	OutdoorAmbient [3]float64 `json:"outdoor_ambient"`
	ClockTime      float64    `json:"clock_time"`
}

// spectatorFrame is one message of the spectator stream: a full snapshot on
// subscription, then (upserts, removes) deltas tagged with the tick.
type spectatorFrame struct {
	Type     string            `json:"type"` // "snapshot" or "delta"
	Tick     uint64            `json:"tick"`
	Status   string            `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	Players  []playerView      `json:"players"`
	Upserts  []json.RawMessage `json:"upserts"`
	Removes  []uint64          `json:"removes,omitempty"`
	Lights   []lightView       `json:"lights,omitempty"`
	Lighting lightingView      `json:"lighting"`
	Gui      []guiView         `json:"gui,omitempty"`
	Chat     []ChatMessage     `json:"chat,omitempty"`
}

func vec3Arr(v mgl64.Vec3) [3]float64 { return [3]float64{v[0], v[1], v[2]} }

// AgentObservation builds (or returns the cached) observation for one agent
// at the current tick. Production happens under a read lock, never inside
// the tick loop; repeated requests within one tick return identical bytes.
func (g *GameInstance) AgentObservation(agentID string) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state == StateFinished {
		return json.Marshal(agentView{
			Tick:    g.tick,
			Status:  "not_running",
			Reason:  g.finishedReason,
			Players: []playerView{},
		})
	}

	p, ok := g.players[agentID]
	if !ok {
		return nil, ErrNotFound
	}

	g.obsMu.Lock()
	if c, hit := g.agentObs[agentID]; hit && c.tick == g.tick {
		g.obsMu.Unlock()
		observationCacheHits.Inc()
		return c.data, nil
	}
	g.obsMu.Unlock()
	observationCacheMisses.Inc()

	view := g.buildAgentView(p)
	data, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}

	g.obsMu.Lock()
	g.agentObs[agentID] = cachedObservation{tick: g.tick, data: data}
	g.obsMu.Unlock()
	return data, nil
}

func (g *GameInstance) buildAgentView(p *InstanceNode) agentView {
	view := agentView{
		Tick:            g.tick,
		Status:          g.state.String(),
		Players:         []playerView{},
		Entities:        []agentEntityView{},
		WorldAttributes: g.model.Workspace.Attributes(),
	}

	var selfPos mgl64.Vec3
	if root := characterRoot(p); root != nil {
		selfPos = root.Part.CF.Pos
	}
	self := &agentSelfView{
		AgentID:    p.Player.AgentID,
		Name:       p.Name,
		Position:   vec3Arr(selfPos),
		Attributes: p.Attributes(),
	}
	if hum := characterHumanoid(p); hum != nil {
		self.Health = hum.Humanoid.Health
		self.MaxHealth = hum.Humanoid.MaxHealth
		self.Grounded = hum.Humanoid.Grounded
	}
	view.You = self

	for _, other := range g.playerNodes() {
		if other == p {
			continue
		}
		var pos mgl64.Vec3
		if root := characterRoot(other); root != nil {
			pos = root.Part.CF.Pos
		}
		view.Players = append(view.Players, playerView{
			AgentID:  other.Player.AgentID,
			Name:     other.Name,
			Position: vec3Arr(pos),
		})
	}

	for _, n := range g.model.WorkspaceParts() {
		d := n.Part.CF.Pos.Sub(selfPos)
		if d.Len() > agentWindowRadius {
			continue
		}
		view.Entities = append(view.Entities, agentEntityView{
			ID:         n.ID,
			Name:       n.Name,
			Class:      n.Class,
			Position:   vec3Arr(n.Part.CF.Pos),
			Size:       vec3Arr(n.Part.Size),
			Shape:      n.Part.Shape.String(),
			Anchored:   n.Part.Anchored,
			Attributes: n.Attributes(),
		})
	}
	return view
}

// SpectatorFrame builds a spectator message. prev is the subscriber's
// entity-blob state from the last frame; nil requests a full snapshot. The
// returned map is the subscriber's next state. follow optionally names an
// agent whose GUI elements are included.
func (g *GameInstance) SpectatorFrame(prev map[uint64]string, follow string) ([]byte, map[uint64]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	frame := spectatorFrame{
		Tick:     g.tick,
		Status:   g.state.String(),
		Players:  []playerView{},
		Upserts:  []json.RawMessage{},
		Lighting: lightingView{
			Ambient:        g.lighting.Ambient,
			OutdoorAmbient: g.lighting.OutdoorAmbient,
			ClockTime:      g.lighting.ClockTime,
		},
		Chat: append([]ChatMessage(nil), g.chat...),
	}
	if g.state == StateFinished {
		frame.Status = "not_running"
		frame.Reason = g.finishedReason
	}
	if prev == nil {
		frame.Type = "snapshot"
	} else {
		frame.Type = "delta"
	}

	for _, p := range g.playerNodes() {
		var pos mgl64.Vec3
		if root := characterRoot(p); root != nil {
			pos = root.Part.CF.Pos
		}
		frame.Players = append(frame.Players, playerView{
			AgentID:  p.Player.AgentID,
			Name:     p.Name,
			Position: vec3Arr(pos),
		})
	}

	next := make(map[uint64]string)
	blobs := g.spectatorEntityBlobs()
	for id, blob := range blobs {
		next[id] = blob
		if prev == nil || prev[id] != blob {
			frame.Upserts = append(frame.Upserts, json.RawMessage(blob))
		}
	}
	if prev != nil {
		for id := range prev {
			if _, live := blobs[id]; !live {
				frame.Removes = append(frame.Removes, id)
			}
		}
	}

	g.model.Root.walk(func(n *InstanceNode) {
		if n.Light != nil && n.underWorkspace() {
			var pos mgl64.Vec3
			if parent := n.Parent(); parent != nil && parent.Part != nil {
				pos = parent.Part.CF.Pos
			}
			frame.Lights = append(frame.Lights, lightView{
				ID:         n.ID,
				Position:   vec3Arr(pos),
				Color:      n.Light.Color,
				Brightness: n.Light.Brightness,
				Range:      n.Light.Range,
			})
		}
	})

	if follow != "" {
		if p, ok := g.players[follow]; ok {
			p.walk(func(n *InstanceNode) {
				if n.Gui != nil {
					frame.Gui = append(frame.Gui, guiView{ID: n.ID, Text: n.Gui.Text, PartID: n.Gui.PartID, Owner: follow})
				}
			})
			if c := p.Player.Character; c != nil {
				c.walk(func(n *InstanceNode) {
					if n.Gui != nil {
						frame.Gui = append(frame.Gui, guiView{ID: n.ID, Text: n.Gui.Text, PartID: n.Gui.PartID, Owner: follow})
					}
				})
			}
		}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, nil, err
	}
	return data, next, nil
}

// spectatorEntityBlobs serializes every physics-tracked entity (characters
// included) once per call; the per-id blob doubles as the delta change
// detector.
func (g *GameInstance) spectatorEntityBlobs() map[uint64]string {
	blobs := make(map[uint64]string)
	g.model.Workspace.walk(func(n *InstanceNode) {
		if n.Part == nil {
			return
		}
		v := specEntityView{
			ID:         n.ID,
			Name:       n.Name,
			Shape:      n.Part.Shape.String(),
			Position:   vec3Arr(n.Part.CF.Pos),
			Rotation:   flatRot(n.Part.CF.Rot),
			Size:       vec3Arr(n.Part.Size),
			Color:      n.Part.Color,
			Material:   n.Part.Material,
			Anchored:   n.Part.Anchored,
			CanCollide: n.Part.CanCollide,
			Velocity:   vec3Arr(n.Part.Velocity),
			ModelURL:   rewriteAssetURL(n.Part.ModelURL, g.BlueprintID, g.assetVer),
		}
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		blobs[n.ID] = string(b)
	})
	return blobs
}

// ---- Asset URL rewriting ----

// assetCDNBase is set once at startup from the environment.
var assetCDNBase = "https://assets.local"

// rewriteAssetURL maps asset://<path> to the public CDN form derived from
// (blueprint, asset version, path). Static and absolute URLs pass through.
func rewriteAssetURL(raw, blueprintID string, version uint32) string {
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "/static/") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	path, ok := strings.CutPrefix(raw, "asset://")
	if !ok {
		return raw
	}
	return fmt.Sprintf("%s/games/%s/v%d/%s", assetCDNBase, blueprintID, version, path)
}

// parseAssetURL inverts rewriteAssetURL, recovering the blueprint id, asset
// version and relative path from a public URL.
func parseAssetURL(url string) (blueprintID string, version uint32, path string, ok bool) {
	rest, found := strings.CutPrefix(url, assetCDNBase+"/games/")
	if !found {
		return "", 0, "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[1], "v") {
		return "", 0, "", false
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "v"), 10, 32)
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], uint32(v), parts[2], true
}
