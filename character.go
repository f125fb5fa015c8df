package main

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	characterWidth  = 2.0
	characterHeight = 5.0
	characterGravity = 196.2
	fallKillY        = -10.0
	groundProbe      = 0.15
	moveTargetEps    = 0.5
)

// spawnCharacter builds the character model for a player: a kinematic root
// part moved by this controller plus the Humanoid state. The root part does
// get a physics body (that is what touch queries and platform pushes run
// against) but the part sync stage leaves it alone.
func (g *GameInstance) spawnCharacter(p *InstanceNode) {
	c := g.model.NewModel(p.Name)
	c.characterOf = p

	root := g.model.NewPart("HumanoidRootPart")
	root.Part.Size = mgl64.Vec3{characterWidth, characterHeight, characterWidth}
	root.Part.CF = CFrame{
		Pos: g.spawn.Add(mgl64.Vec3{0, characterHeight / 2, 0}),
		Rot: mgl64.Ident3(),
	}
	root.Part.Anchored = true
	root.SetParent(c)

	hum := g.model.NewHumanoid()
	hum.SetParent(c)

	c.SetParent(g.model.Workspace)
	p.Player.Character = c

	// Character parts are excluded from the part sync stage (it skips nodes
	// owned by a character); register the root body here so contacts and
	// overlap queries can see the character.
	g.physics.AddPart(root.ID, ShapeBox, root.Part.Size, root.Part.CF, true, true, mgl64.Vec3{})
}

// characterRoot returns the player's root part node, nil while dead.
func characterRoot(p *InstanceNode) *InstanceNode {
	c := p.Player.Character
	if c == nil {
		return nil
	}
	return c.FindFirstChild("HumanoidRootPart")
}

func characterHumanoid(p *InstanceNode) *InstanceNode {
	c := p.Player.Character
	if c == nil {
		return nil
	}
	return c.FindFirstChildOfClass("Humanoid")
}

// resolveKinematicPushes displaces characters out of kinematic bodies along
// the minimum translation vector, and rides characters on platforms that
// moved upward this frame so they do not clip through.
func (g *GameInstance) resolveKinematicPushes(dt float64) {
	for _, p := range g.playerNodes() {
		root := characterRoot(p)
		if root == nil {
			continue
		}
		pos := root.Part.CF.Pos

		for _, pen := range g.physics.Penetrations(root.ID, true) {
			pos = pos.Add(pen.push)
			// Upward platform motion is added on top of the separation so a
			// character standing on a rising platform keeps its footing.
			if delta := g.physics.FrameDelta(pen.otherID); delta[1] > 0 {
				pos = pos.Add(mgl64.Vec3{0, delta[1], 0})
			}
		}

		if pos != root.Part.CF.Pos {
			root.Part.CF.Pos = pos
			g.physics.SetKinematicPosition(root.ID, pos)
		}
	}
}

// stepCharacters integrates each humanoid: horizontal movement toward the
// move target capped at walk speed, jumping when grounded, gravity on the
// vertical velocity, then a shape step resolved against solid bodies.
func (g *GameInstance) stepCharacters(dt float64) {
	for _, p := range g.playerNodes() {
		root := characterRoot(p)
		humNode := characterHumanoid(p)
		if root == nil || humNode == nil {
			continue
		}
		hum := humNode.Humanoid
		pos := root.Part.CF.Pos

		var horizontalVel mgl64.Vec3
		if hum.MoveTarget != nil {
			to := horizontal((*hum.MoveTarget).Sub(pos))
			dist := to.Len()
			if dist < moveTargetEps {
				hum.MoveTarget = nil
			} else {
				speed := math.Min(hum.WalkSpeed, dist/dt)
				horizontalVel = to.Mul(speed / dist)
			}
		}

		if hum.JumpRequested && hum.Grounded {
			hum.VerticalVel = hum.JumpPower
			hum.Grounded = false
		}
		hum.JumpRequested = false

		hum.VerticalVel -= characterGravity * dt

		next := pos.Add(horizontalVel.Mul(dt)).Add(mgl64.Vec3{0, hum.VerticalVel * dt, 0})
		next = g.resolveCharacterStep(root.ID, next, hum)

		root.Part.CF.Pos = next
		g.physics.SetKinematicPosition(root.ID, next)

		hum.Grounded = g.characterGrounded(root.ID, next)
		if hum.Grounded && hum.VerticalVel < 0 {
			hum.VerticalVel = 0
		}

		if next[1] < fallKillY && hum.Health > 0 {
			hum.Health = 0
		}
		if hum.Health <= 0 {
			g.handleDeath(p, humNode)
		}
	}
}

// resolveCharacterStep places the character at the desired position and
// pushes it out of any solid body it penetrates, iterating a few times so
// stacked contacts settle.
func (g *GameInstance) resolveCharacterStep(rootID uint64, next mgl64.Vec3, hum *HumanoidData) mgl64.Vec3 {
	g.physics.SetKinematicPosition(rootID, next)
	for iter := 0; iter < 3; iter++ {
		pens := g.physics.Penetrations(rootID, false)
		if len(pens) == 0 {
			break
		}
		for _, pen := range pens {
			next = next.Add(pen.push)
			// Landing on something from above cancels the fall.
			if pen.push[1] > 0 && hum.VerticalVel < 0 {
				hum.VerticalVel = 0
			}
		}
		g.physics.SetKinematicPosition(rootID, next)
	}
	return next
}

// characterGrounded probes just below the character's feet.
func (g *GameInstance) characterGrounded(rootID uint64, pos mgl64.Vec3) bool {
	origin := pos
	length := characterHeight/2 + groundProbe
	hit, ok := g.physics.Raycast(origin, mgl64.Vec3{0, -1, 0}, length, QueryFilter{
		Exclude:           map[uint64]struct{}{rootID: {}},
		RespectCanCollide: true,
	})
	return ok && hit.Normal[1] > 0.5
}

// handleDeath fires Died once, tears down nothing (the character model is
// reused) and respawns the character at the blueprint spawn.
func (g *GameInstance) handleDeath(p, humNode *InstanceNode) {
	humNode.Signal("Died").Fire(g.script)
	hum := humNode.Humanoid
	hum.Health = hum.MaxHealth
	hum.VerticalVel = 0
	hum.MoveTarget = nil
	hum.Grounded = false

	if root := characterRoot(p); root != nil {
		spawnPos := g.spawn.Add(mgl64.Vec3{0, characterHeight / 2, 0})
		root.Part.CF.Pos = spawnPos
		g.physics.SetKinematicPosition(root.ID, spawnPos)
	}
}
