package main

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestSandboxHasNoEscapeHatches(t *testing.T) {
	g := newTestInstance(t, `
assert(os == nil, "os must not be exposed")
assert(io == nil, "io must not be exposed")
assert(require == nil, "require must not be exposed")
assert(dofile == nil, "dofile must not be exposed")
assert(loadfile == nil, "loadfile must not be exposed")
assert(load == nil, "load must not be exposed")
assert(loadstring == nil, "loadstring must not be exposed")
assert(math ~= nil and string ~= nil and table ~= nil, "safe libs missing")
sandbox_ok = true
`, 8)
	if g.script.L.GetGlobal("sandbox_ok").String() != "true" {
		t.Fatal("sandbox assertions failed")
	}
}

func TestPropertySettersRecordDirtyFlags(t *testing.T) {
	g := newTestInstance(t, `
local p = Instance.new("Part")
p.Name = "Probe"
p.Parent = workspace
p.Size = Vector3.new(2, 3, 4)
p.Anchored = true
p.CanCollide = false
p.Shape = "Ball"
p.Velocity = Vector3.new(1, 0, 0)
p.CFrame = CFrame.new(7, 8, 9) * CFrame.Angles(0, 0.5, 0)
`, 8)
	n := g.model.Workspace.FindFirstChild("Probe")
	if n == nil {
		t.Fatal("part not created")
	}
	p := n.Part
	if !p.SizeDirty || !p.AnchoredDirty || !p.CanCollideDirty || !p.ShapeDirty || !p.VelocityDirty || !p.RotationDirty {
		t.Fatalf("dirty flags not set: %+v", p)
	}
	if p.Size != (mgl64.Vec3{2, 3, 4}) || !p.Anchored || p.CanCollide || p.Shape != ShapeBall {
		t.Fatalf("values not applied: %+v", p)
	}
	if !vecApproxEq(p.CF.Pos, mgl64.Vec3{7, 8, 9}, 0) {
		t.Fatalf("cframe position %v", p.CF.Pos)
	}

	stepN(g, 1)
	if p.SizeDirty || p.AnchoredDirty || p.CanCollideDirty || p.ShapeDirty || p.VelocityDirty || p.RotationDirty {
		t.Fatal("sync stage did not clear the dirty flags")
	}
}

func TestPropertyValidationRejectsBadValues(t *testing.T) {
	g := newTestInstance(t, `
local p = Instance.new("Part")
p.Parent = workspace
ok1 = pcall(function() p.Size = Vector3.new(-1, 1, 1) end)
ok2 = pcall(function() p.Shape = "Dodecahedron" end)
ok3 = pcall(function() p.Size = "big" end)
local h = Instance.new("Humanoid")
ok4 = pcall(function() h.MaxHealth = -5 end)
`, 8)
	L := g.script.L
	for _, name := range []string{"ok1", "ok2", "ok3", "ok4"} {
		if v := L.GetGlobal(name).String(); v != "false" {
			t.Fatalf("%s = %s, want false (setter must reject)", name, v)
		}
	}
}

func TestVector3Arithmetic(t *testing.T) {
	g := newTestInstance(t, `
local a = Vector3.new(1, 2, 3)
local b = Vector3.new(4, 5, 6)
sum = a + b
diff = b - a
scaled = a * 2
mag = Vector3.new(3, 4, 0).Magnitude
dot = a:Dot(b)
`, 8)
	L := g.script.L
	read := func(name string) mgl64.Vec3 {
		ud := L.GetGlobal(name)
		v, _ := g.script.vec3Arg(ud)
		return v
	}
	if read("sum") != (mgl64.Vec3{5, 7, 9}) {
		t.Fatalf("sum %v", read("sum"))
	}
	if read("diff") != (mgl64.Vec3{3, 3, 3}) {
		t.Fatalf("diff %v", read("diff"))
	}
	if read("scaled") != (mgl64.Vec3{2, 4, 6}) {
		t.Fatalf("scaled %v", read("scaled"))
	}
	if L.GetGlobal("mag").String() != "5" {
		t.Fatalf("magnitude %s", L.GetGlobal("mag").String())
	}
	if L.GetGlobal("dot").String() != "32" {
		t.Fatalf("dot %s", L.GetGlobal("dot").String())
	}
}

func TestTreeNavigationAndAttributes(t *testing.T) {
	g := newTestInstance(t, `
local folder = Instance.new("Folder")
folder.Name = "Props"
folder.Parent = workspace
local part = Instance.new("Part")
part.Name = "Crate"
part.Parent = folder
part:SetAttribute("Loot", 25)

found = workspace.Props.Crate ~= nil
cls = workspace.Props.Crate.ClassName
loot = workspace.Props.Crate:GetAttribute("Loot")
isPart = part:IsA("Part")
isInstance = part:IsA("Instance")
`, 8)
	L := g.script.L
	if L.GetGlobal("found").String() != "true" {
		t.Fatal("child navigation by name failed")
	}
	if L.GetGlobal("cls").String() != "Part" {
		t.Fatalf("ClassName %s", L.GetGlobal("cls").String())
	}
	if L.GetGlobal("loot").String() != "25" {
		t.Fatalf("attribute %s", L.GetGlobal("loot").String())
	}
	if L.GetGlobal("isPart").String() != "true" || L.GetGlobal("isInstance").String() != "true" {
		t.Fatal("IsA failed")
	}
}

func TestDestroyRemovesPhysics(t *testing.T) {
	g := newTestInstance(t, `
part = Instance.new("Part")
part.Name = "Doomed"
part.Anchored = true
part.Parent = workspace
`, 8)
	stepN(g, 1)
	n := g.model.Workspace.FindFirstChild("Doomed")
	if n == nil || !g.physics.Contains(n.ID) {
		t.Fatal("part not tracked in physics")
	}
	id := n.ID
	if err := g.script.LoadScript("destroy.lua", `part:Destroy()`); err != nil {
		t.Fatal(err)
	}
	stepN(g, 1)
	if g.physics.Contains(id) {
		t.Fatal("physics body survived Destroy in the same tick")
	}
	if g.model.Lookup(id) != nil {
		t.Fatal("registry entry survived Destroy")
	}
}

func TestMaxPlayersReadOnly(t *testing.T) {
	g := newTestInstance(t, `
mp = game:GetService("Players").MaxPlayers
ok = pcall(function() game:GetService("Players").MaxPlayers = 99 end)
`, 6)
	L := g.script.L
	if L.GetGlobal("mp").String() != "6" {
		t.Fatalf("MaxPlayers %s, want 6", L.GetGlobal("mp").String())
	}
	if L.GetGlobal("ok").String() != "false" {
		t.Fatal("MaxPlayers write must raise")
	}
}

func TestTweenStepsThroughPropertyPath(t *testing.T) {
	g := newTestInstance(t, `
local part = Instance.new("Part")
part.Name = "Slider"
part.Anchored = true
part.Position = Vector3.new(0, 0, 0)
part.Parent = workspace
local tween = game:GetService("TweenService"):Create(part, 1, {Position = Vector3.new(60, 0, 0)})
tween:Play()
`, 8)
	n := g.model.Workspace.FindFirstChild("Slider")
	stepN(g, 30) // half the duration
	x := n.Part.CF.Pos[0]
	if x < 25 || x > 35 {
		t.Fatalf("tween midpoint x=%g, want ~30", x)
	}
	stepN(g, 40)
	if !vecApproxEq(n.Part.CF.Pos, mgl64.Vec3{60, 0, 0}, 1e-9) {
		t.Fatalf("tween end position %v", n.Part.CF.Pos)
	}
	// The physics body followed through the kinematic sync path.
	pos, ok := g.physics.Position(n.ID)
	if !ok || !vecApproxEq(pos, mgl64.Vec3{60, 0, 0}, 1e-9) {
		t.Fatalf("physics position %v", pos)
	}
}

func TestLightingService(t *testing.T) {
	g := newTestInstance(t, `
local l = game:GetService("Lighting")
l.ClockTime = 18
l.Ambient = Color3.new(0.1, 0.2, 0.3)
`, 8)
	if g.lighting.ClockTime != 18 {
		t.Fatalf("clock time %g", g.lighting.ClockTime)
	}
	if g.lighting.Ambient != [3]float64{0.1, 0.2, 0.3} {
		t.Fatalf("ambient %v", g.lighting.Ambient)
	}
}
