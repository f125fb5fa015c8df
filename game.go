package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InstanceState is the lifecycle of a running instance. Only Playing
// executes the tick pipeline.
type InstanceState int32

const (
	StateWaiting InstanceState = iota
	StatePlaying
	StateFinished
	StateEmpty
)

func (s InstanceState) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StateFinished:
		return "finished"
	case StateEmpty:
		return "empty"
	default:
		return "waiting"
	}
}

// AgentAction is one queued external input for an instance.
type AgentAction struct {
	AgentID string
	Type    string
	Data    map[string]any
}

type kickRequest struct {
	agentID string
	reason  string
}

// ChatMessage is one entry of the per-instance chat ring.
type ChatMessage struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Text    string `json:"text"`
	Tick    uint64 `json:"tick"`
}

const chatRingSize = 64

// LightingState carries the lighting globals surfaced to spectators.
type LightingState struct {
	Ambient        [3]float64
	OutdoorAmbient [3]float64
	ClockTime      float64
}

// GameInstance is one live simulation of a blueprint: the scene tree, the
// physics world, the script VM and the players inside it. All mutation goes
// through mu; the fleet controller guarantees at most one tick holds the
// write lock at a time.
type GameInstance struct {
	ID          string
	BlueprintID string

	logger     *zap.SugaredLogger
	tickPeriod time.Duration
	maxPlayers int
	spawn      mgl64.Vec3
	assetVer   uint32
	createdAt  time.Time

	mu       sync.RWMutex
	state    InstanceState
	finishedReason string
	tick     uint64
	model    *DataModel
	physics  *PhysicsWorld
	script   *ScriptEngine
	lighting LightingState
	stores   *DataStoreBridge

	players      map[string]*InstanceNode // agent id -> Player node
	prevContacts map[contactPair]struct{}
	trackedParts map[uint64]*InstanceNode

	pendingActions []AgentAction
	kickQueue      []kickRequest
	chat           []ChatMessage

	emptySince time.Time // zero while the instance has players

	obsMu    sync.Mutex
	agentObs map[string]cachedObservation

	// onLeave lets the fleet controller clear its (agent, blueprint) mapping
	// at the same tick boundary the player is removed.
	onLeave func(agentID string)
}

// NewGameInstance builds an instance from a loaded blueprint, initializes
// the script host, runs the entry script and transitions to Playing.
func NewGameInstance(bp *Blueprint, stores *DataStoreBridge, tickPeriod time.Duration, logger *zap.SugaredLogger) *GameInstance {
	id := uuid.NewString()
	g := &GameInstance{
		ID:          id,
		BlueprintID: bp.ID,
		logger:      logger.With("instance", id, "blueprint", bp.ID),
		tickPeriod:  tickPeriod,
		maxPlayers:  bp.Config.MaxPlayers,
		spawn:       bp.Config.SpawnPosition(),
		assetVer:    bp.AssetVersion,
		createdAt:   time.Now(),
		state:       StateWaiting,
		model:       NewDataModel(),
		physics:     NewPhysicsWorld(tickPeriod.Seconds()),
		stores:      stores,
		players:     make(map[string]*InstanceNode),
		prevContacts: make(map[contactPair]struct{}),
		trackedParts: make(map[uint64]*InstanceNode),
		agentObs:     make(map[string]cachedObservation),
		lighting: LightingState{
			Ambient:        [3]float64{0.5, 0.5, 0.5},
			OutdoorAmbient: [3]float64{0.7, 0.7, 0.7},
			ClockTime:      12,
		},
		emptySince: time.Now(),
	}

	for _, name := range serviceNames {
		svc := g.model.newNode("Service", name)
		svc.SetParent(g.model.Root)
	}

	g.script = NewScriptEngine(g, g.logger)
	if bp.Script != "" {
		if err := g.script.LoadScript(bp.Config.MainScript, bp.Script); err != nil {
			g.logger.Warnf("entry script loaded with errors: %v", err)
		}
	}
	g.state = StatePlaying
	instancesCreatedTotal.Inc()
	return g
}

// State returns the current lifecycle state.
func (g *GameInstance) State() InstanceState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// TickCount returns the current tick counter.
func (g *GameInstance) TickCount() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tick
}

// PlayerCount returns the number of admitted players.
func (g *GameInstance) PlayerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.players)
}

// EmptySince returns the empty-since timestamp, zero when populated.
func (g *GameInstance) EmptySince() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.emptySince
}

// playerNodes returns the player nodes ordered by agent id for stable
// iteration.
func (g *GameInstance) playerNodes() []*InstanceNode {
	ids := make([]string, 0, len(g.players))
	for id := range g.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*InstanceNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.players[id])
	}
	return out
}

// TryJoin admits an agent under the write lock, rechecking capacity. Race
// losers get ErrInstanceFull; the admission path retries with a fresh
// lookup.
func (g *GameInstance) TryJoin(agentID, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePlaying {
		return ErrInstanceGone
	}
	if _, dup := g.players[agentID]; dup {
		return nil
	}
	if len(g.players) >= g.maxPlayers {
		return ErrInstanceFull
	}
	p := g.model.NewPlayerNode(agentID, name)
	playersSvc := g.model.Root.FindFirstChild("Players")
	p.SetParent(playersSvc)
	g.players[agentID] = p
	g.spawnCharacter(p)
	g.emptySince = time.Time{}
	playersSvc.Signal("PlayerAdded").Fire(g.script, p)
	joinsTotal.Inc()
	return nil
}

// EnqueueAction queues an external input for the next tick.
func (g *GameInstance) EnqueueAction(a AgentAction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePlaying {
		return ErrInstanceGone
	}
	p, ok := g.players[a.AgentID]
	if !ok {
		return ErrNotFound
	}
	p.Player.LastAction = time.Now()
	g.pendingActions = append(g.pendingActions, a)
	return nil
}

// queueKick queues a removal processed at the next tick boundary. Script
// kicks and engine-initiated removals share this one pipeline. Caller holds
// the write lock (scripts always run under it).
func (g *GameInstance) queueKick(agentID, reason string) {
	g.kickQueue = append(g.kickQueue, kickRequest{agentID: agentID, reason: reason})
}

// EnqueueKick is queueKick for callers outside the instance lock.
func (g *GameInstance) EnqueueKick(agentID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kickQueue = append(g.kickQueue, kickRequest{agentID: agentID, reason: reason})
}

// Leave removes an agent immediately (used by the HTTP leave path and
// duplicate-join resolution); in-tick removals go through the kick queue.
func (g *GameInstance) Leave(agentID, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removePlayerLocked(agentID, reason)
}

// Finish transitions to Finished and disconnects every player.
func (g *GameInstance) Finish(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finishLocked(reason)
}

func (g *GameInstance) finishLocked(reason string) {
	if g.state == StateFinished {
		return
	}
	g.state = StateFinished
	g.finishedReason = reason
	for agentID := range g.players {
		g.removePlayerLocked(agentID, "instance finished: "+reason)
	}
	g.logger.Warnf("instance finished: %s", reason)
}

// FinishedReason returns the reason recorded when the instance finished.
func (g *GameInstance) FinishedReason() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.finishedReason
}

// Destroy flushes pending datastore writes and releases the VM. The fleet
// controller calls this after removing the instance from its maps.
func (g *GameInstance) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateFinished {
		g.state = StateFinished
	}
	g.stores.Flush()
	g.script.Close()
	instancesDestroyedTotal.Inc()
}

// Step runs one tick of the pipeline. Any panic from the engine core is
// fatal to the instance: the state machine moves to Finished and players
// are disconnected with the failure reason.
func (g *GameInstance) Step(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePlaying {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			engineFatalsTotal.Inc()
			g.finishLocked(fmt.Sprintf("%v: %v", ErrEngineFatal, r))
		}
	}()

	start := time.Now()
	g.tick++
	dt := g.tickPeriod.Seconds()

	// 1. External inputs become data-model mutations.
	g.applyQueuedActions()

	// 2. Script pre-physics. Tweens advance first so tweened writes look
	// like any other script write this tick.
	g.script.stepTweens(dt)
	g.runServiceSignal("PrePhysics").Fire(g.script)

	// 3. Diff script-side changes into the physics world.
	g.syncScriptToPhysics()

	// 4. Advance the simulation.
	g.physics.Step(dt)

	// 5. Contact begin/end events.
	g.resolveContacts()

	// 6-7. Characters: platform pushes, then movement integration.
	g.resolveKinematicPushes(dt)
	g.stepCharacters(dt)

	// 8. Dynamic state flows back into the scene tree.
	g.syncPhysicsToModel()

	// 9. Script post-physics.
	g.runServiceSignal("PostPhysics").Fire(g.script)

	// 10. Departures happen at the tick boundary, after scripts ran.
	g.drainKicks(now)

	// 11. Publication is pull-based; stale cache entries die on access.

	elapsed := time.Since(start)
	ticksTotal.Inc()
	tickDuration.Observe(elapsed.Seconds())
	if elapsed > g.tickPeriod {
		tickOverrunsTotal.Inc()
		g.logger.Warnf("tick %d overran: %s > %s", g.tick, elapsed, g.tickPeriod)
	}
}

func (g *GameInstance) runServiceSignal(name string) *Signal {
	return g.model.Root.FindFirstChild("RunService").Signal(name)
}

// applyQueuedActions drains the action queue into data-model mutations.
// Unknown types are dropped with a log entry.
func (g *GameInstance) applyQueuedActions() {
	actions := g.pendingActions
	g.pendingActions = nil
	for _, a := range actions {
		if err := g.applyAction(a); err != nil {
			g.logger.Debugf("action %q from %s dropped: %v", a.Type, a.AgentID, err)
		}
	}
}

// syncScriptToPhysics pushes structural changes and dirty properties into
// the physics world, then clears the flags. Work is proportional to what
// changed plus the kinematic set.
func (g *GameInstance) syncScriptToPhysics() {
	added, removed := g.model.drainStructuralChanges()
	for _, id := range removed {
		g.physics.RemovePart(id)
		delete(g.trackedParts, id)
	}
	for _, n := range added {
		if n.characterOwner() != nil || !n.underWorkspace() {
			continue
		}
		g.createPartPhysics(n)
	}

	for id, n := range g.trackedParts {
		p := n.Part
		if p == nil {
			delete(g.trackedParts, id)
			g.physics.RemovePart(id)
			continue
		}
		if p.AnchoredDirty {
			g.physics.SetAnchored(id, p.Anchored)
			p.AnchoredDirty = false
		}
		if p.ShapeDirty {
			g.physics.SetShape(id, p.Shape)
			p.ShapeDirty = false
		}
		if p.SizeDirty {
			g.physics.SetSize(id, p.Size)
			p.SizeDirty = false
		}
		if p.CanCollideDirty {
			g.physics.SetCanCollide(id, p.CanCollide)
			p.CanCollideDirty = false
		}
		if p.Anchored {
			// Kinematic bodies follow the scene tree every tick so shape
			// casts next step see fresh transforms and normals.
			g.physics.SetKinematicPosition(id, p.CF.Pos)
			g.physics.SetKinematicRotation(id, p.CF.Rot)
			p.RotationDirty = false
		} else {
			if p.RotationDirty {
				p.RotationDirty = false
			}
			if p.VelocityDirty {
				g.physics.SetVelocity(id, p.Velocity)
				p.VelocityDirty = false
			}
		}
	}
}

func (g *GameInstance) createPartPhysics(n *InstanceNode) {
	p := n.Part
	g.physics.AddPart(n.ID, p.Shape, p.Size, p.CF, p.Anchored, p.CanCollide, p.Velocity)
	g.trackedParts[n.ID] = n
	p.SizeDirty, p.RotationDirty, p.AnchoredDirty = false, false, false
	p.CanCollideDirty, p.ShapeDirty, p.VelocityDirty = false, false, false
}

// resolveContacts diffs the current touching set against the previous tick
// and fires Touched / TouchEnded. The current set is the union of the
// world's contact pairs and a per-character touch query, because
// anchored-vs-character pairs are pure kinematic and the pair enumeration
// skips those. Duplicates collapse by pair identity.
func (g *GameInstance) resolveContacts() {
	current := g.physics.ContactPairs()
	for _, p := range g.playerNodes() {
		root := characterRoot(p)
		if root == nil {
			continue
		}
		for _, other := range g.physics.TouchQuery(root.ID) {
			current[makePair(root.ID, other)] = struct{}{}
		}
	}

	var began, ended []contactPair
	for pair := range current {
		if _, had := g.prevContacts[pair]; !had {
			began = append(began, pair)
		}
	}
	for pair := range g.prevContacts {
		if _, has := current[pair]; !has {
			ended = append(ended, pair)
		}
	}
	sortPairs(began)
	sortPairs(ended)

	for _, pair := range began {
		g.fireTouch("Touched", pair)
	}
	for _, pair := range ended {
		g.fireTouch("TouchEnded", pair)
	}
	g.prevContacts = current
}

func sortPairs(pairs []contactPair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
}

func (g *GameInstance) fireTouch(signal string, pair contactPair) {
	a := g.model.Lookup(pair.A)
	b := g.model.Lookup(pair.B)
	if a == nil || b == nil || a.Part == nil || b.Part == nil {
		return
	}
	if !a.Part.CanTouch || !b.Part.CanTouch {
		return
	}
	a.Signal(signal).Fire(g.script, b)
	b.Signal(signal).Fire(g.script, a)
}

// syncPhysicsToModel reads dynamic body transforms back into part CFrames.
func (g *GameInstance) syncPhysicsToModel() {
	for id, n := range g.trackedParts {
		p := n.Part
		if p == nil || p.Anchored {
			continue
		}
		if pos, ok := g.physics.Position(id); ok {
			p.CF.Pos = pos
		}
		if rot, ok := g.physics.Rotation(id); ok {
			p.CF.Rot = rot
		}
		if vel, ok := g.physics.Velocity(id); ok {
			p.Velocity = vel
		}
	}
}

// drainKicks removes departing players at the tick boundary.
func (g *GameInstance) drainKicks(now time.Time) {
	kicks := g.kickQueue
	g.kickQueue = nil
	for _, k := range kicks {
		g.removePlayerLocked(k.agentID, k.reason)
	}
}

// removePlayerLocked tears down a player, its character subtree and its
// physics in the same tick, then records empty_since if the instance
// drained. Caller holds the write lock.
func (g *GameInstance) removePlayerLocked(agentID, reason string) bool {
	p, ok := g.players[agentID]
	if !ok {
		return false
	}
	playersSvc := g.model.Root.FindFirstChild("Players")
	playersSvc.Signal("PlayerRemoving").Fire(g.script, p)

	if c := p.Player.Character; c != nil {
		if root := characterRoot(p); root != nil {
			g.physics.RemovePart(root.ID)
		}
		c.characterOf = nil
		c.Destroy()
		p.Player.Character = nil
	}
	p.Destroy()
	delete(g.players, agentID)

	g.obsMu.Lock()
	delete(g.agentObs, agentID)
	g.obsMu.Unlock()

	if g.onLeave != nil {
		g.onLeave(agentID)
	}
	if len(g.players) == 0 && g.emptySince.IsZero() {
		g.emptySince = time.Now()
	}
	g.logger.Infof("player %s removed: %s", agentID, reason)
	leavesTotal.Inc()
	return true
}

// appendChat pushes onto the bounded chat ring.
func (g *GameInstance) appendChat(msg ChatMessage) {
	g.chat = append(g.chat, msg)
	if len(g.chat) > chatRingSize {
		g.chat = g.chat[len(g.chat)-chatRingSize:]
	}
}
