package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// newTestInstance builds a Playing instance around an inline entry script.
func newTestInstance(t *testing.T, script string, maxPlayers int) *GameInstance {
	t.Helper()
	mgr := NewDataStoreManager(NewMemoryStore(), time.Hour, testLogger())
	bp := &Blueprint{
		ID: "testworld",
		Config: BlueprintConfig{
			Name:       "Test World",
			MaxPlayers: maxPlayers,
			MainScript: "main.lua",
		},
		Script: script,
	}
	g := NewGameInstance(bp, mgr.Bridge(bp.ID), time.Second/60, testLogger())
	t.Cleanup(g.Destroy)
	if g.State() != StatePlaying {
		t.Fatalf("instance state %s, want playing", g.State())
	}
	return g
}

func stepN(g *GameInstance, n int) {
	for i := 0; i < n; i++ {
		g.Step(time.Now())
	}
}

const rotationScript = `
local part = Instance.new("Part")
part.Name = "Spinner"
part.Size = Vector3.new(1, 1, 16)
part.Anchored = true
part.Position = Vector3.new(20, 2, -20)
part.Parent = workspace

local angle = 0
game:GetService("RunService").PrePhysics:Connect(function()
	angle = angle + 0.5
	part.CFrame = CFrame.new(20, 2, -20) * CFrame.Angles(0, angle, 0)
end)
`

func TestRotationSync(t *testing.T) {
	g := newTestInstance(t, rotationScript, 8)
	stepN(g, 6)

	part := g.model.Workspace.FindFirstChild("Spinner")
	if part == nil {
		t.Fatal("script did not create the part")
	}
	want := mgl64.Rotate3DY(3.0)
	if !matApproxEq(part.Part.CF.Rot, want, 1e-5) {
		t.Fatalf("scene rotation after 6 ticks:\n got %v\nwant Ry(3.0)", part.Part.CF.Rot)
	}
	rot, ok := g.physics.Rotation(part.ID)
	if !ok {
		t.Fatal("part has no physics body")
	}
	if !matApproxEq(rot, want, 1e-5) {
		t.Fatalf("physics rotation diverged from scene tree")
	}

	// The long axis is still near the Z direction (3.0 rad is ~172deg), so
	// a ray down +X through the part's center must hit it.
	hit, ok := g.physics.Raycast(mgl64.Vec3{0, 2, -20}, mgl64.Vec3{1, 0, 0}, 30, QueryFilter{})
	if !ok || hit.ID != part.ID {
		t.Fatalf("ray should hit the spinner, got ok=%v", ok)
	}
}

func TestTouchedFiresExactlyOnce(t *testing.T) {
	g := newTestInstance(t, "", 8)

	block := g.model.NewPart("Block")
	block.Part.Size = mgl64.Vec3{4, 4, 4}
	block.Part.CF = NewCFrame(0, 2, 0)
	block.Part.Anchored = true
	block.SetParent(g.model.Workspace)

	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	p := g.players["a1"]
	root := characterRoot(p)

	var touched, touchEnded int
	block.Signal("Touched").ConnectGo(func(args ...any) { touched++ })
	block.Signal("TouchEnded").ConnectGo(func(args ...any) { touchEnded++ })

	// Park the character away from the block first.
	teleportCharacter(g, root, mgl64.Vec3{50, 2.5, 0})
	stepN(g, 2)
	if touched != 0 {
		t.Fatalf("premature touch: %d", touched)
	}

	// Overlap the block: both parties are kinematic, so only the
	// per-character touch query can produce the pair.
	teleportCharacter(g, root, mgl64.Vec3{1.5, 2.5, 0})
	stepN(g, 3)
	if touched != 1 {
		t.Fatalf("Touched fired %d times, want exactly 1", touched)
	}
	if touchEnded != 0 {
		t.Fatalf("TouchEnded fired before separation")
	}

	teleportCharacter(g, root, mgl64.Vec3{50, 2.5, 0})
	stepN(g, 3)
	if touchEnded != 1 {
		t.Fatalf("TouchEnded fired %d times, want exactly 1", touchEnded)
	}
	if touched != 1 {
		t.Fatalf("Touched re-fired on separation: %d", touched)
	}
}

// teleportCharacter moves a character root in both worlds, the way the
// controller does.
func teleportCharacter(g *GameInstance, root *InstanceNode, pos mgl64.Vec3) {
	g.mu.Lock()
	defer g.mu.Unlock()
	root.Part.CF.Pos = pos
	g.physics.SetKinematicPosition(root.ID, pos)
	if hum := characterHumanoid(root.characterOwner()); hum != nil {
		hum.Humanoid.VerticalVel = 0
	}
}

func TestContactSetLaw(t *testing.T) {
	g := newTestInstance(t, "", 8)

	a := g.model.NewPart("A")
	a.Part.CF = NewCFrame(0, 10, 0)
	a.Part.Anchored = false
	a.SetParent(g.model.Workspace)

	floor := g.model.NewPart("Floor")
	floor.Part.Size = mgl64.Vec3{100, 1, 100}
	floor.Part.CF = NewCFrame(0, 0, 0)
	floor.Part.Anchored = true
	floor.SetParent(g.model.Workspace)

	stepN(g, 240)
	pair := makePair(a.ID, floor.ID)
	if _, ok := g.prevContacts[pair]; !ok {
		t.Fatal("settled part is not in the previous-contact set")
	}

	// Yank the part away; the pair must leave the set.
	a.Part.Anchored = true
	a.Part.AnchoredDirty = true
	a.Part.CF.Pos = mgl64.Vec3{0, 50, 0}
	stepN(g, 2)
	if _, ok := g.prevContacts[pair]; ok {
		t.Fatal("separated pair still recorded as touching")
	}
}

func TestScriptFaultDisabledAfterThreeFaults(t *testing.T) {
	g := newTestInstance(t, `
game:GetService("RunService").PrePhysics:Connect(function()
	error("boom")
end)
`, 8)
	sig := g.runServiceSignal("PrePhysics")
	if sig.ConnectionCount() != 1 {
		t.Fatalf("connections %d, want 1", sig.ConnectionCount())
	}
	stepN(g, 2)
	if sig.ConnectionCount() != 1 {
		t.Fatal("callback disabled before the third consecutive fault")
	}
	stepN(g, 1)
	if sig.ConnectionCount() != 0 {
		t.Fatal("callback still connected after three consecutive faults")
	}
	if g.State() != StatePlaying {
		t.Fatal("script fault must not finish the instance")
	}
}

func TestEngineFatalFinishesInstance(t *testing.T) {
	g := newTestInstance(t, "", 8)
	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// An engine-side callback panicking stands in for a corrupted tree
	// invariant inside the core; script faults are contained, this is not.
	g.runServiceSignal("PrePhysics").ConnectGo(func(...any) {
		panic("corrupted tree invariant")
	})
	g.Step(time.Now())

	if g.State() != StateFinished {
		t.Fatalf("state %s, want finished", g.State())
	}
	if g.PlayerCount() != 0 {
		t.Fatal("players not disconnected on engine fatal")
	}
	if err := g.EnqueueAction(AgentAction{AgentID: "a1", Type: "jump"}); err != ErrInstanceGone {
		t.Fatalf("action on finished instance: %v, want ErrInstanceGone", err)
	}

	data, err := g.AgentObservation("a1")
	if err != nil {
		t.Fatalf("observe finished instance: %v", err)
	}
	var view struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatal(err)
	}
	if view.Status != "not_running" || view.Reason == "" {
		t.Fatalf("finished observation %+v", view)
	}
}

func TestObservationCachePerTick(t *testing.T) {
	g := newTestInstance(t, "", 8)
	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatal(err)
	}
	stepN(g, 1)

	first, err := g.AgentObservation("a1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.AgentObservation("a1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("repeated observe within one tick returned different bytes")
	}

	stepN(g, 1)
	third, err := g.AgentObservation("a1")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(first, third) {
		t.Fatal("observation not refreshed after the tick advanced")
	}
}

func TestEmptySinceTracksPopulation(t *testing.T) {
	g := newTestInstance(t, "", 8)
	if g.EmptySince().IsZero() {
		t.Fatal("fresh instance must record empty_since")
	}
	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatal(err)
	}
	if !g.EmptySince().IsZero() {
		t.Fatal("join must clear empty_since")
	}
	g.Leave("a1", "test")
	if g.EmptySince().IsZero() {
		t.Fatal("draining the instance must set empty_since")
	}
}

func TestKickQueueRemovesAtTickBoundary(t *testing.T) {
	g := newTestInstance(t, "", 8)
	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatal(err)
	}
	g.EnqueueKick("a1", "test kick")
	if g.PlayerCount() != 1 {
		t.Fatal("kick applied before tick boundary")
	}
	stepN(g, 1)
	if g.PlayerCount() != 0 {
		t.Fatal("kick not applied at tick boundary")
	}
}

func TestUnknownActionDropped(t *testing.T) {
	g := newTestInstance(t, "", 8)
	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatal(err)
	}
	if err := g.EnqueueAction(AgentAction{AgentID: "a1", Type: "teleport_hack"}); err != nil {
		t.Fatalf("enqueue rejected: %v", err)
	}
	stepN(g, 1) // must not panic or finish the instance
	if g.State() != StatePlaying {
		t.Fatal("unknown action type finished the instance")
	}
}

func TestDataStorePersistsAcrossRejoin(t *testing.T) {
	script := `
local ds = game:GetService("DataStoreService"):GetDataStore("wallet")
game:GetService("Players").PlayerAdded:Connect(function(p)
	local saved = ds:GetAsync(p.AgentId)
	if saved == nil then saved = 0 end
	p:SetAttribute("Money", saved)
	p:GetSignal("deposit"):Connect(function(amount)
		local cur = p:GetAttribute("Money") + amount
		p:SetAttribute("Money", cur)
		ds:SetAsync(p.AgentId, cur)
	end)
end)
`
	g := newTestInstance(t, script, 8)
	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatal(err)
	}
	if err := g.EnqueueAction(AgentAction{
		AgentID: "a1", Type: "signal",
		Data: map[string]any{"name": "deposit", "data": 150.0},
	}); err != nil {
		t.Fatal(err)
	}
	stepN(g, 1)

	g.Leave("a1", "disconnect")
	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatal(err)
	}
	stepN(g, 1)

	data, err := g.AgentObservation("a1")
	if err != nil {
		t.Fatal(err)
	}
	var view struct {
		You struct {
			Attributes map[string]any `json:"attributes"`
		} `json:"you"`
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatal(err)
	}
	if got, _ := view.You.Attributes["Money"].(float64); got != 150 {
		t.Fatalf("Money after rejoin = %v, want 150 (no blocking store wait)", view.You.Attributes["Money"])
	}
}
