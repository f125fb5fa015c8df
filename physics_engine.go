package main

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// PartShape enumerates the collider primitives the engine supports. Wedges
// and cylinders are convex hulls; balls are analytic spheres.
type PartShape int

const (
	ShapeBox PartShape = iota
	ShapeBall
	ShapeCylinder
	ShapeWedge
)

func parseShape(s string) (PartShape, bool) {
	switch s {
	case "Box", "Block", "box":
		return ShapeBox, true
	case "Ball", "ball":
		return ShapeBall, true
	case "Cylinder", "cylinder":
		return ShapeCylinder, true
	case "Wedge", "wedge":
		return ShapeWedge, true
	}
	return ShapeBox, false
}

func (s PartShape) String() string {
	switch s {
	case ShapeBall:
		return "Ball"
	case ShapeCylinder:
		return "Cylinder"
	case ShapeWedge:
		return "Wedge"
	default:
		return "Box"
	}
}

// physicsBody is one rigid body plus its single collider. Anchored parts are
// kinematic (position controlled), unanchored parts are dynamic, and parts
// with CanCollide=false are sensors: they report intersections but never
// resolve against anything.
type physicsBody struct {
	id             uint64
	bodyHandle     int
	colliderHandle int

	shape  PartShape
	size   mgl64.Vec3 // full extents; balls use size.X as diameter
	radius float64
	hull   *convexHull // local space, nil for balls
	group  string

	position    mgl64.Vec3
	orientation mgl64.Quat
	velocity    mgl64.Vec3

	anchored bool
	sensor   bool

	// prevPosition is the kinematic position at the previous step, kept so
	// characters riding a moving platform can follow its frame delta.
	prevPosition mgl64.Vec3
	frameDelta   mgl64.Vec3
}

func (b *physicsBody) kinematic() bool { return b.anchored }
func (b *physicsBody) dynamic() bool   { return !b.anchored }

// solid reports whether the body takes part in collision resolution.
func (b *physicsBody) solid() bool { return !b.sensor }

// PhysicsWorld is the rigid-body simulation for one instance. It is owned by
// the instance tick and never shared, so it carries no locking of its own.
type PhysicsWorld struct {
	gravity mgl64.Vec3
	dt      float64

	byID         map[uint64]*physicsBody
	byBodyHandle map[int]*physicsBody
	nextBody     int
	nextCollider int

	// scratch reused across steps to keep per-tick garbage low.
	scratch []*physicsBody
}

// NewPhysicsWorld creates a world stepping at the given fixed timestep.
func NewPhysicsWorld(dt float64) *PhysicsWorld {
	return &PhysicsWorld{
		gravity:      mgl64.Vec3{0, -196.2, 0},
		dt:           dt,
		byID:         make(map[uint64]*physicsBody),
		byBodyHandle: make(map[int]*physicsBody),
	}
}

// AddPart creates a body and collider for the given part id. Re-adding an
// existing id is a no-op.
func (w *PhysicsWorld) AddPart(id uint64, shape PartShape, size mgl64.Vec3, cf CFrame, anchored, canCollide bool, velocity mgl64.Vec3) {
	if _, ok := w.byID[id]; ok {
		return
	}
	w.nextBody++
	w.nextCollider++
	b := &physicsBody{
		id:             id,
		bodyHandle:     w.nextBody,
		colliderHandle: w.nextCollider,
		position:       cf.Pos,
		orientation:    matToQuat(cf.Rot),
		velocity:       velocity,
		anchored:       anchored,
		sensor:         !canCollide,
		prevPosition:   cf.Pos,
	}
	b.setGeometry(shape, size)
	w.byID[id] = b
	w.byBodyHandle[b.bodyHandle] = b
}

// RemovePart drops the body and collider for the id. Unknown ids are no-ops.
func (w *PhysicsWorld) RemovePart(id uint64) {
	b, ok := w.byID[id]
	if !ok {
		return
	}
	delete(w.byID, id)
	delete(w.byBodyHandle, b.bodyHandle)
}

func (b *physicsBody) setGeometry(shape PartShape, size mgl64.Vec3) {
	b.shape = shape
	b.size = size
	switch shape {
	case ShapeBall:
		b.radius = size[0] / 2
		b.hull = nil
	case ShapeWedge:
		b.radius = 0
		b.hull = hullWedge(size)
	case ShapeCylinder:
		b.radius = 0
		b.hull = hullCylinder(size)
	default:
		b.radius = 0
		b.hull = hullBox(size)
	}
}

// SetSize rebuilds the collider for a new size. Idempotent.
func (w *PhysicsWorld) SetSize(id uint64, size mgl64.Vec3) {
	b, ok := w.byID[id]
	if !ok || b.size == size {
		return
	}
	b.setGeometry(b.shape, size)
}

// SetShape rebuilds the collider for a new shape. Idempotent.
func (w *PhysicsWorld) SetShape(id uint64, shape PartShape) {
	b, ok := w.byID[id]
	if !ok || b.shape == shape {
		return
	}
	b.setGeometry(shape, b.size)
}

// SetAnchored swaps the body between kinematic and dynamic.
func (w *PhysicsWorld) SetAnchored(id uint64, anchored bool) {
	b, ok := w.byID[id]
	if !ok || b.anchored == anchored {
		return
	}
	b.anchored = anchored
	if anchored {
		b.velocity = mgl64.Vec3{}
		b.prevPosition = b.position
		b.frameDelta = mgl64.Vec3{}
	}
}

// SetCanCollide toggles sensor mode.
func (w *PhysicsWorld) SetCanCollide(id uint64, canCollide bool) {
	b, ok := w.byID[id]
	if !ok {
		return
	}
	b.sensor = !canCollide
}

// SetCollisionGroup assigns the body's collision group tag.
func (w *PhysicsWorld) SetCollisionGroup(id uint64, group string) {
	if b, ok := w.byID[id]; ok {
		b.group = group
	}
}

// SetKinematicPosition moves a kinematic body. Pushing the position every
// tick keeps shape casts against the body computing correct normals on the
// following step.
func (w *PhysicsWorld) SetKinematicPosition(id uint64, pos mgl64.Vec3) {
	b, ok := w.byID[id]
	if !ok {
		return
	}
	b.position = pos
}

// SetKinematicRotation orients a kinematic body from a rotation matrix.
func (w *PhysicsWorld) SetKinematicRotation(id uint64, rot mgl64.Mat3) {
	b, ok := w.byID[id]
	if !ok {
		return
	}
	b.orientation = matToQuat(rot)
}

// SetVelocity applies a velocity to a dynamic body.
func (w *PhysicsWorld) SetVelocity(id uint64, v mgl64.Vec3) {
	b, ok := w.byID[id]
	if !ok || !b.dynamic() {
		return
	}
	b.velocity = v
}

// Position returns the body's current position.
func (w *PhysicsWorld) Position(id uint64) (mgl64.Vec3, bool) {
	b, ok := w.byID[id]
	if !ok {
		return mgl64.Vec3{}, false
	}
	return b.position, true
}

// Rotation returns the body's current orientation as a matrix.
func (w *PhysicsWorld) Rotation(id uint64) (mgl64.Mat3, bool) {
	b, ok := w.byID[id]
	if !ok {
		return mgl64.Ident3(), false
	}
	return quatToMat(b.orientation), true
}

// Velocity returns the body's current linear velocity.
func (w *PhysicsWorld) Velocity(id uint64) (mgl64.Vec3, bool) {
	b, ok := w.byID[id]
	if !ok {
		return mgl64.Vec3{}, false
	}
	return b.velocity, true
}

// FrameDelta returns how far a kinematic body moved during the last step.
func (w *PhysicsWorld) FrameDelta(id uint64) mgl64.Vec3 {
	if b, ok := w.byID[id]; ok {
		return b.frameDelta
	}
	return mgl64.Vec3{}
}

// Contains reports whether the id has a body.
func (w *PhysicsWorld) Contains(id uint64) bool {
	_, ok := w.byID[id]
	return ok
}

// BodyCount returns the number of live bodies.
func (w *PhysicsWorld) BodyCount() int { return len(w.byID) }

// Handles returns the body and collider handles for an id, for invariant
// checks and diagnostics.
func (w *PhysicsWorld) Handles(id uint64) (body, collider int, ok bool) {
	b, found := w.byID[id]
	if !found {
		return 0, 0, false
	}
	return b.bodyHandle, b.colliderHandle, true
}

// Step advances the world by dt: integrate dynamic bodies under gravity,
// resolve dynamic-vs-solid penetration with the minimum translation vector,
// and record kinematic frame deltas.
func (w *PhysicsWorld) Step(dt float64) {
	w.scratch = w.scratch[:0]
	for _, b := range w.byID {
		w.scratch = append(w.scratch, b)
	}

	for _, b := range w.scratch {
		if b.dynamic() {
			b.velocity = b.velocity.Add(w.gravity.Mul(dt))
			b.position = b.position.Add(b.velocity.Mul(dt))
		}
	}

	w.resolveDynamic()

	for _, b := range w.scratch {
		if b.kinematic() {
			b.frameDelta = b.position.Sub(b.prevPosition)
			b.prevPosition = b.position
		} else {
			b.frameDelta = mgl64.Vec3{}
		}
	}
}

// resolveDynamic separates penetrating dynamic solids from other solids.
// Dynamic-dynamic pairs split the translation; dynamic-kinematic pairs move
// only the dynamic side, killing its velocity along the contact normal.
func (w *PhysicsWorld) resolveDynamic() {
	bodies := w.scratch
	for i := 0; i < len(bodies); i++ {
		for j := i + 1; j < len(bodies); j++ {
			a, b := bodies[i], bodies[j]
			if !a.solid() || !b.solid() {
				continue
			}
			if a.kinematic() && b.kinematic() {
				continue
			}
			if !aabbOverlap(a, b) {
				continue
			}
			info := collide(a, b)
			if !info.collided {
				continue
			}
			switch {
			case a.dynamic() && b.dynamic():
				half := info.mtv.Mul(0.5)
				a.position = a.position.Sub(half)
				b.position = b.position.Add(half)
				applyContactImpulse(a, b, info)
			case a.dynamic():
				a.position = a.position.Sub(info.mtv)
				a.velocity = removeAlong(a.velocity, info.mtv.Mul(-1))
			default:
				b.position = b.position.Add(info.mtv)
				b.velocity = removeAlong(b.velocity, info.mtv)
			}
		}
	}
}

// removeAlong strips the velocity component pushing into the contact so a
// body resting on a kinematic surface stops sinking instead of jittering.
func removeAlong(v, outward mgl64.Vec3) mgl64.Vec3 {
	n := outward.Len()
	if n < 1e-12 {
		return v
	}
	unit := outward.Mul(1 / n)
	d := v.Dot(unit)
	if d >= 0 {
		return v
	}
	return v.Sub(unit.Mul(d))
}

// applyContactImpulse exchanges momentum between two dynamic bodies along
// the contact normal with a fixed restitution.
func applyContactImpulse(a, b *physicsBody, info collisionInfo) {
	const restitution = 0.3
	n := info.mtv.Len()
	if n < 1e-12 {
		return
	}
	normal := info.mtv.Mul(1 / n)
	rel := b.velocity.Sub(a.velocity)
	along := rel.Dot(normal)
	if along > 0 {
		return
	}
	impulse := normal.Mul(-(1 + restitution) * along / 2)
	a.velocity = a.velocity.Sub(impulse)
	b.velocity = b.velocity.Add(impulse)
}

// aabb computes the body's world-space bounding box.
func (b *physicsBody) aabb() (lo, hi mgl64.Vec3) {
	if b.shape == ShapeBall {
		r := mgl64.Vec3{b.radius, b.radius, b.radius}
		return b.position.Sub(r), b.position.Add(r)
	}
	rot := quatToMat(b.orientation)
	first := true
	for _, v := range b.hull.vertices {
		p := b.position.Add(rot.Mul3x1(v))
		if first {
			lo, hi = p, p
			first = false
			continue
		}
		for k := 0; k < 3; k++ {
			lo[k] = math.Min(lo[k], p[k])
			hi[k] = math.Max(hi[k], p[k])
		}
	}
	return lo, hi
}

func aabbOverlap(a, b *physicsBody) bool {
	alo, ahi := a.aabb()
	blo, bhi := b.aabb()
	for k := 0; k < 3; k++ {
		if ahi[k] < blo[k] || bhi[k] < alo[k] {
			return false
		}
	}
	return true
}
