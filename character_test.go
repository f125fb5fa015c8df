package main

import (
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

const spinningBarScript = `
local ground = Instance.new("Part")
ground.Name = "Ground"
ground.Size = Vector3.new(6, 1, 6)
ground.Position = Vector3.new(0, -0.5, 0)
ground.Anchored = true
ground.Parent = workspace

local bar = Instance.new("Part")
bar.Name = "Bar"
bar.Size = Vector3.new(1, 4, 8)
bar.Position = Vector3.new(0, 2, 0)
bar.Anchored = true
bar.Parent = workspace

local t = 0
game:GetService("RunService").PrePhysics:Connect(function()
	t = t + 1/60
	bar.CFrame = CFrame.new(0, 2, 0) * CFrame.Angles(0, 6 * t, 0)
end)
`

// The rotating kinematic bar sweeps the character off the bounded ground;
// once it falls past the kill plane the humanoid dies and respawns.
func TestKinematicBarSweepsCharacterOff(t *testing.T) {
	g := newTestInstance(t, spinningBarScript, 8)
	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatal(err)
	}
	p := g.players["a1"]
	root := characterRoot(p)
	hum := characterHumanoid(p)

	var died int
	hum.Signal("Died").ConnectGo(func(...any) { died++ })

	teleportCharacter(g, root, mgl64.Vec3{3, 2.5, 0})

	displaced := false
	for i := 0; i < 600; i++ {
		g.Step(time.Now())
		pos := root.Part.CF.Pos
		if math.Hypot(pos[0], pos[2]) > 4 {
			displaced = true
		}
		if died > 0 {
			break
		}
	}
	if !displaced {
		t.Fatal("bar never displaced the character past the platform boundary")
	}
	if died == 0 {
		t.Fatal("character never fell past the kill plane and died")
	}

	// Respawned at the blueprint spawn with full health.
	pos := root.Part.CF.Pos
	want := g.spawn.Add(mgl64.Vec3{0, characterHeight / 2, 0})
	if !vecApproxEq(pos, want, 1e-9) {
		t.Fatalf("respawn position %v, want %v", pos, want)
	}
	if hum.Humanoid.Health != hum.Humanoid.MaxHealth {
		t.Fatal("health not restored on respawn")
	}
}

const risingPlatformScript = `
local plat = Instance.new("Part")
plat.Name = "Platform"
plat.Size = Vector3.new(10, 1, 10)
plat.Position = Vector3.new(0, 0, 0)
plat.Anchored = true
plat.Parent = workspace

local y = 0
game:GetService("RunService").PrePhysics:Connect(function()
	y = y + 0.1
	plat.Position = Vector3.new(0, y, 0)
end)
`

func TestCharacterRidesRisingPlatform(t *testing.T) {
	g := newTestInstance(t, risingPlatformScript, 8)
	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatal(err)
	}
	p := g.players["a1"]
	root := characterRoot(p)
	teleportCharacter(g, root, mgl64.Vec3{0, 3, 0})

	stepN(g, 120)
	// Platform top is near y=12.5 after 120 ticks; a character that kept
	// its footing is well above the start, not clipped through.
	if y := root.Part.CF.Pos[1]; y < 10 {
		t.Fatalf("character fell through the rising platform: y=%g", y)
	}
}

const flatWorldScript = `
local ground = Instance.new("Part")
ground.Name = "Ground"
ground.Size = Vector3.new(100, 1, 100)
ground.Position = Vector3.new(0, -0.5, 0)
ground.Anchored = true
ground.Parent = workspace
`

func TestJumpAndLand(t *testing.T) {
	g := newTestInstance(t, flatWorldScript, 8)
	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatal(err)
	}
	p := g.players["a1"]
	root := characterRoot(p)
	hum := characterHumanoid(p)
	teleportCharacter(g, root, mgl64.Vec3{0, 2.5, 0})

	stepN(g, 5)
	if !hum.Humanoid.Grounded {
		t.Fatal("character not grounded on the floor")
	}
	ground := root.Part.CF.Pos[1]

	if err := g.EnqueueAction(AgentAction{AgentID: "a1", Type: "jump"}); err != nil {
		t.Fatal(err)
	}
	stepN(g, 5)
	if root.Part.CF.Pos[1] <= ground {
		t.Fatal("jump did not lift the character")
	}
	if hum.Humanoid.Grounded {
		t.Fatal("character grounded mid-jump")
	}

	stepN(g, 120)
	if !hum.Humanoid.Grounded {
		t.Fatal("character never landed")
	}
	if math.Abs(root.Part.CF.Pos[1]-ground) > 0.3 {
		t.Fatalf("landing height %g, started at %g", root.Part.CF.Pos[1], ground)
	}
}

func TestMoveTowardTargetCapsAtWalkSpeed(t *testing.T) {
	g := newTestInstance(t, flatWorldScript, 8)
	if err := g.TryJoin("a1", "a1"); err != nil {
		t.Fatal(err)
	}
	p := g.players["a1"]
	root := characterRoot(p)
	hum := characterHumanoid(p)
	teleportCharacter(g, root, mgl64.Vec3{0, 2.5, 0})
	stepN(g, 3)

	if err := g.EnqueueAction(AgentAction{
		AgentID: "a1", Type: "move",
		Data: map[string]any{"x": 100.0, "z": 0.0},
	}); err != nil {
		t.Fatal(err)
	}
	start := root.Part.CF.Pos
	stepN(g, 60) // one second
	moved := root.Part.CF.Pos.Sub(start)

	if moved[0] <= 0 {
		t.Fatal("character did not move toward the target")
	}
	// Capped at WalkSpeed units/second, with a little slack for the first tick.
	if moved[0] > hum.Humanoid.WalkSpeed+1 {
		t.Fatalf("moved %g units in 1s, walk speed is %g", moved[0], hum.Humanoid.WalkSpeed)
	}
	if moved[2] != 0 {
		t.Fatalf("straight-line move drifted in z: %g", moved[2])
	}

	// Reaching the target clears it.
	if err := g.EnqueueAction(AgentAction{
		AgentID: "a1", Type: "move",
		Data: map[string]any{"x": root.Part.CF.Pos[0] + 2, "z": 0.0},
	}); err != nil {
		t.Fatal(err)
	}
	stepN(g, 60)
	if hum.Humanoid.MoveTarget != nil {
		t.Fatal("move target not cleared on arrival")
	}
}
