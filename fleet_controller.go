package main

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// admissionRetries bounds how often a join retries after losing a capacity
// race before the caller gets ServiceBusy.
const admissionRetries = 4

type playerKey struct {
	AgentID     string
	BlueprintID string
}

// FleetController owns every instance of every blueprint: admission,
// capacity-aware matchmaking, garbage collection and the parallel tick
// dispatch. Map access is short; the per-instance work happens under each
// instance's own write lock.
type FleetController struct {
	cfg    *RuntimeConfig
	logger *zap.SugaredLogger
	loader *BlueprintLoader
	stores *DataStoreManager

	mu          sync.RWMutex
	instances   map[string]*GameInstance
	byBlueprint map[string][]string // ordered by creation

	// playerLocation maps (agent, blueprint) to the instance holding the
	// agent. It is concurrent because the leave path runs under an instance
	// write lock and must not touch the fleet mutex.
	playerLocation sync.Map // playerKey -> instance id

	workers int
}

// NewFleetController wires the controller.
func NewFleetController(cfg *RuntimeConfig, loader *BlueprintLoader, stores *DataStoreManager, logger *zap.SugaredLogger) *FleetController {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	return &FleetController{
		cfg:         cfg,
		logger:      logger,
		loader:      loader,
		stores:      stores,
		instances:   make(map[string]*GameInstance),
		byBlueprint: make(map[string][]string),
		workers:     workers,
	}
}

// ReconcileOnStart marks previously persisted instance rows orphaned and
// clears their player rows; the in-memory pool starts empty.
func (f *FleetController) ReconcileOnStart(ctx context.Context) error {
	return f.stores.MarkInstancesOrphaned(ctx)
}

// Instance returns a live instance by id.
func (f *FleetController) Instance(id string) (*GameInstance, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	g, ok := f.instances[id]
	return g, ok
}

// InstanceFor resolves the instance currently holding an agent for a
// blueprint.
func (f *FleetController) InstanceFor(agentID, blueprintID string) (*GameInstance, bool) {
	v, ok := f.playerLocation.Load(playerKey{agentID, blueprintID})
	if !ok {
		return nil, false
	}
	return f.Instance(v.(string))
}

// findOrCreateInstance walks the blueprint's instance list under the fleet
// lock and returns the first with capacity; when none has room, it creates
// and registers a new instance before releasing the lock, so concurrent
// losers of a capacity race converge on one fresh instance instead of each
// minting their own.
func (f *FleetController) findOrCreateInstance(bp *Blueprint) *GameInstance {
	f.mu.Lock()
	for _, id := range f.byBlueprint[bp.ID] {
		g := f.instances[id]
		if g != nil && g.State() == StatePlaying && g.PlayerCount() < g.maxPlayers {
			f.mu.Unlock()
			return g
		}
	}
	bridge := f.stores.Bridge(bp.ID)
	g := NewGameInstance(bp, bridge, f.cfg.TickPeriod, f.logger)
	g.onLeave = func(agentID string) {
		f.playerLocation.Delete(playerKey{agentID, bp.ID})
	}
	f.instances[g.ID] = g
	f.byBlueprint[bp.ID] = append(f.byBlueprint[bp.ID], g.ID)
	f.mu.Unlock()

	go f.stores.RecordInstance(g.ID, bp.ID, "running")
	f.logger.Infof("instance %s created for blueprint %s", g.ID, bp.ID)
	return g
}

// Join is the admission path: resolve the blueprint (config cached after
// the first load), resolve duplicate membership, then find-or-create and
// try-join with a bounded retry on capacity races.
func (f *FleetController) Join(blueprintID, agentID string) (*GameInstance, error) {
	bp, err := f.loader.Load(blueprintID)
	if err != nil {
		return nil, err
	}

	// An agent joining a blueprint it is already inside leaves the prior
	// instance first; memberships in other blueprints are untouched.
	if prior, ok := f.InstanceFor(agentID, blueprintID); ok {
		prior.Leave(agentID, "duplicate join")
	}

	for attempt := 0; attempt < admissionRetries; attempt++ {
		g := f.findOrCreateInstance(bp)
		err := g.TryJoin(agentID, agentID)
		switch {
		case err == nil:
			f.playerLocation.Store(playerKey{agentID, blueprintID}, g.ID)
			return g, nil
		case err == ErrInstanceFull || err == ErrInstanceGone:
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrServiceBusy
}

// Leave removes an agent from its instance of the blueprint.
func (f *FleetController) Leave(blueprintID, agentID string) error {
	g, ok := f.InstanceFor(agentID, blueprintID)
	if !ok {
		return ErrNotFound
	}
	if !g.Leave(agentID, "left") {
		return ErrNotFound
	}
	return nil
}

// SpectateDefault returns the blueprint's instance with the most players,
// breaking ties toward the earliest creation.
func (f *FleetController) SpectateDefault(blueprintID string) (*GameInstance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var best *GameInstance
	for _, id := range f.byBlueprint[blueprintID] {
		g := f.instances[id]
		if g == nil || g.State() != StatePlaying {
			continue
		}
		if best == nil || g.PlayerCount() > best.PlayerCount() ||
			(g.PlayerCount() == best.PlayerCount() && g.createdAt.Before(best.createdAt)) {
			best = g
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// SpectatePlayer resolves an agent to its current instance across
// blueprints.
func (f *FleetController) SpectatePlayer(agentID string) (*GameInstance, error) {
	var found *GameInstance
	f.playerLocation.Range(func(k, v any) bool {
		key := k.(playerKey)
		if key.AgentID != agentID {
			return true
		}
		if g, ok := f.Instance(v.(string)); ok {
			found = g
			return false
		}
		return true
	})
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// PlayerList returns the players of every instance of the blueprint.
func (f *FleetController) PlayerList(blueprintID string) []map[string]string {
	f.mu.RLock()
	ids := append([]string(nil), f.byBlueprint[blueprintID]...)
	insts := make([]*GameInstance, 0, len(ids))
	for _, id := range ids {
		if g := f.instances[id]; g != nil {
			insts = append(insts, g)
		}
	}
	f.mu.RUnlock()

	out := []map[string]string{}
	for _, g := range insts {
		g.mu.RLock()
		for _, p := range g.playerNodes() {
			out = append(out, map[string]string{
				"agent_id":    p.Player.AgentID,
				"name":        p.Name,
				"instance_id": g.ID,
			})
		}
		g.mu.RUnlock()
	}
	return out
}

// Run drives the fleet: one global ticker, each tick dispatching every
// instance to the worker pool, plus the GC loop cadence.
func (f *FleetController) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.TickPeriod)
	defer ticker.Stop()
	gc := time.NewTicker(f.cfg.GCInterval)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			f.shutdown()
			return ctx.Err()
		case <-gc.C:
			f.garbageCollect()
		case now := <-ticker.C:
			f.tickAll(now)
		}
	}
}

// tickAll snapshots the instance handles under a short read lock and ticks
// them in parallel. Workers take each instance's write lock for one tick;
// an overrunning instance never blocks the others.
func (f *FleetController) tickAll(now time.Time) {
	f.mu.RLock()
	snapshot := make([]*GameInstance, 0, len(f.instances))
	for _, g := range f.instances {
		snapshot = append(snapshot, g)
	}
	f.mu.RUnlock()

	n := len(snapshot)
	if n == 0 {
		return
	}
	instanceCount.Set(float64(n))

	workers := f.workers
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(batch []*GameInstance) {
			defer wg.Done()
			for _, g := range batch {
				if f.cfg.AFKTimeout > 0 {
					g.evictAFK(now, f.cfg.AFKTimeout)
				}
				g.Step(now)
			}
		}(snapshot[start:end])
	}
	wg.Wait()
}

// garbageCollect destroys instances whose empty interval exceeded the
// timeout. Finished instances drain their players when they finish, so the
// same rule reaps them after the grace period — agents observing one keep
// seeing not_running until then.
func (f *FleetController) garbageCollect() {
	now := time.Now()
	var doomed []*GameInstance

	f.mu.Lock()
	for id, g := range f.instances {
		empty := g.EmptySince()
		if empty.IsZero() || now.Sub(empty) < f.cfg.EmptyTimeout {
			continue
		}
		delete(f.instances, id)
		list := f.byBlueprint[g.BlueprintID]
		for i, lid := range list {
			if lid == id {
				f.byBlueprint[g.BlueprintID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		doomed = append(doomed, g)
	}
	f.mu.Unlock()

	for _, g := range doomed {
		f.logger.Infof("instance %s collected (state %s)", g.ID, g.State())
		g.Destroy()
		f.stores.Release(g.stores)
		go f.stores.RecordInstance(g.ID, g.BlueprintID, "destroyed")
	}
}

// shutdown tears the pool down on process exit, flushing persistence.
func (f *FleetController) shutdown() {
	f.mu.Lock()
	all := make([]*GameInstance, 0, len(f.instances))
	for _, g := range f.instances {
		all = append(all, g)
	}
	f.instances = make(map[string]*GameInstance)
	f.byBlueprint = make(map[string][]string)
	f.mu.Unlock()

	for _, g := range all {
		g.Finish("server shutdown")
		g.Destroy()
		f.stores.Release(g.stores)
	}
}

// evictAFK queues a kick for every player idle past the timeout; the kick
// lands at the instance's next tick boundary like every other removal.
func (g *GameInstance) evictAFK(now time.Time, timeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for agentID, p := range g.players {
		if now.Sub(p.Player.LastAction) > timeout {
			g.kickQueue = append(g.kickQueue, kickRequest{agentID: agentID, reason: "afk"})
		}
	}
}
