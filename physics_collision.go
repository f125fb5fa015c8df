package main

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// convexHull is a collider in local space: vertices for projection, face
// planes (n·x <= d, outward normals) for raycasts, and unique edge
// directions for the SAT cross-product axes.
type convexHull struct {
	vertices []mgl64.Vec3
	normals  []mgl64.Vec3
	planes   []hullPlane
	edges    []mgl64.Vec3
}

type hullPlane struct {
	n mgl64.Vec3
	d float64
}

// hullBox builds the axis-aligned box hull for the given full extents.
func hullBox(size mgl64.Vec3) *convexHull {
	hx, hy, hz := size[0]/2, size[1]/2, size[2]/2
	return &convexHull{
		vertices: []mgl64.Vec3{
			{-hx, -hy, -hz}, {hx, -hy, -hz}, {hx, hy, -hz}, {-hx, hy, -hz},
			{-hx, -hy, hz}, {hx, -hy, hz}, {hx, hy, hz}, {-hx, hy, hz},
		},
		normals: []mgl64.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		planes: []hullPlane{
			{mgl64.Vec3{1, 0, 0}, hx}, {mgl64.Vec3{-1, 0, 0}, hx},
			{mgl64.Vec3{0, 1, 0}, hy}, {mgl64.Vec3{0, -1, 0}, hy},
			{mgl64.Vec3{0, 0, 1}, hz}, {mgl64.Vec3{0, 0, -1}, hz},
		},
		edges: []mgl64.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}
}

// hullWedge builds a right-triangular prism: a box with the top face sloped
// down toward -Z, the host engine's wedge orientation.
func hullWedge(size mgl64.Vec3) *convexHull {
	hx, hy, hz := size[0]/2, size[1]/2, size[2]/2
	verts := []mgl64.Vec3{
		{-hx, -hy, -hz}, {hx, -hy, -hz},
		{-hx, -hy, hz}, {hx, -hy, hz},
		{-hx, hy, hz}, {hx, hy, hz},
	}
	// Slope normal for the face spanning the -Z bottom edge and +Z top edge.
	slope := mgl64.Vec3{0, 2 * hz, -2 * hy}.Normalize()
	planes := []hullPlane{
		{mgl64.Vec3{1, 0, 0}, hx}, {mgl64.Vec3{-1, 0, 0}, hx},
		{mgl64.Vec3{0, -1, 0}, hy},
		{mgl64.Vec3{0, 0, 1}, hz},
		{slope, slope.Dot(mgl64.Vec3{0, hy, hz})},
	}
	return &convexHull{
		vertices: verts,
		normals:  []mgl64.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, slope},
		planes:   planes,
		edges:    []mgl64.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, mgl64.Vec3{0, 2 * hy, 2 * hz}.Normalize()},
	}
}

// hullCylinder approximates a Y-axis cylinder with an octagonal prism, the
// same regular-polygon approximation the collision core uses for round
// shapes elsewhere.
func hullCylinder(size mgl64.Vec3) *convexHull {
	const segments = 8
	r := math.Min(size[0], size[2]) / 2
	hy := size[1] / 2
	h := &convexHull{}
	for i := 0; i < segments; i++ {
		a := 2 * math.Pi * float64(i) / segments
		x, z := r*math.Cos(a), r*math.Sin(a)
		h.vertices = append(h.vertices, mgl64.Vec3{x, -hy, z}, mgl64.Vec3{x, hy, z})
		// Side plane through the middle of each segment edge.
		mid := 2 * math.Pi * (float64(i) + 0.5) / segments
		n := mgl64.Vec3{math.Cos(mid), 0, math.Sin(mid)}
		h.normals = append(h.normals, n)
		h.planes = append(h.planes, hullPlane{n, r * math.Cos(math.Pi/segments)})
	}
	h.normals = append(h.normals, mgl64.Vec3{0, 1, 0})
	h.planes = append(h.planes,
		hullPlane{mgl64.Vec3{0, 1, 0}, hy},
		hullPlane{mgl64.Vec3{0, -1, 0}, hy},
	)
	h.edges = append(h.edges, mgl64.Vec3{0, 1, 0})
	for i := 0; i < segments/2; i++ {
		a := 2 * math.Pi * float64(i) / segments
		h.edges = append(h.edges, mgl64.Vec3{-math.Sin(a), 0, math.Cos(a)})
	}
	return h
}

// collisionInfo mirrors the SAT result: whether the shapes touch, and the
// minimum translation vector pointing from body A toward body B.
type collisionInfo struct {
	collided bool
	mtv      mgl64.Vec3
	depth    float64
}

// contactSlop keeps bodies that were separated to the exact touch boundary
// last step reporting as touching this step.
const contactSlop = 1e-7

// collide runs the narrowphase for two bodies.
func collide(a, b *physicsBody) collisionInfo {
	if a.shape == ShapeBall && b.shape == ShapeBall {
		return collideBalls(a, b)
	}
	if a.shape == ShapeBall {
		info := collideBallHull(a, b)
		return info
	}
	if b.shape == ShapeBall {
		info := collideBallHull(b, a)
		info.mtv = info.mtv.Mul(-1)
		return info
	}
	return collideHulls(a, b)
}

func collideBalls(a, b *physicsBody) collisionInfo {
	d := b.position.Sub(a.position)
	dist2 := d.Dot(d)
	rsum := a.radius + b.radius + contactSlop
	if dist2 > rsum*rsum {
		return collisionInfo{}
	}
	rsum = a.radius + b.radius
	dist := math.Sqrt(dist2)
	if dist < 1e-9 {
		// Coincident centers: push along X to avoid a zero-length normal.
		return collisionInfo{collided: true, mtv: mgl64.Vec3{rsum, 0, 0}, depth: rsum}
	}
	depth := rsum - dist
	return collisionInfo{collided: true, mtv: d.Mul(depth / dist), depth: depth}
}

// collideBallHull tests a sphere (a) against a hull body (b). The MTV points
// from the ball toward the hull body, matching collide's A→B convention.
func collideBallHull(ball, hb *physicsBody) collisionInfo {
	rot := quatToMat(hb.orientation)
	inv := rot.Transpose()
	local := inv.Mul3x1(ball.position.Sub(hb.position))

	// Deepest-face separation in the hull's local frame.
	sep := -math.MaxFloat64
	var sepN mgl64.Vec3
	inside := true
	for _, pl := range hb.hull.planes {
		d := pl.n.Dot(local) - pl.d
		if d > sep {
			sep = d
			sepN = pl.n
		}
		if d > 0 {
			inside = false
		}
	}

	if inside {
		depth := ball.radius - sep // sep is negative inside
		worldN := rot.Mul3x1(sepN)
		return collisionInfo{collided: true, mtv: worldN.Mul(-depth), depth: depth}
	}

	// Outside: clamp to the hull by walking the violated planes.
	closest := local
	for iter := 0; iter < 4; iter++ {
		moved := false
		for _, pl := range hb.hull.planes {
			d := pl.n.Dot(closest) - pl.d
			if d > 1e-9 {
				closest = closest.Sub(pl.n.Mul(d))
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	diff := local.Sub(closest)
	dist2 := diff.Dot(diff)
	reach := ball.radius + contactSlop
	if dist2 > reach*reach {
		return collisionInfo{}
	}
	dist := math.Sqrt(dist2)
	var worldN mgl64.Vec3
	if dist < 1e-9 {
		worldN = rot.Mul3x1(sepN)
	} else {
		worldN = rot.Mul3x1(diff.Mul(1 / dist))
	}
	depth := ball.radius - dist
	return collisionInfo{collided: true, mtv: worldN.Mul(-depth), depth: depth}
}

// collideHulls is the separating-axis test over both bodies' face normals
// and the cross products of their edge directions.
func collideHulls(a, b *physicsBody) collisionInfo {
	rotA := quatToMat(a.orientation)
	rotB := quatToMat(b.orientation)

	wvA := worldVerts(a, rotA)
	wvB := worldVerts(b, rotB)

	axes := make([]mgl64.Vec3, 0, len(a.hull.normals)+len(b.hull.normals)+len(a.hull.edges)*len(b.hull.edges))
	for _, n := range a.hull.normals {
		axes = append(axes, rotA.Mul3x1(n))
	}
	for _, n := range b.hull.normals {
		axes = append(axes, rotB.Mul3x1(n))
	}
	for _, ea := range a.hull.edges {
		wea := rotA.Mul3x1(ea)
		for _, eb := range b.hull.edges {
			cross := wea.Cross(rotB.Mul3x1(eb))
			if cross.Len() > 1e-9 {
				axes = append(axes, cross.Normalize())
			}
		}
	}

	smallest := math.MaxFloat64
	var smallestAxis mgl64.Vec3
	for _, axis := range axes {
		minA, maxA := projectVerts(wvA, axis)
		minB, maxB := projectVerts(wvB, axis)
		if minA > maxB+contactSlop || minB > maxA+contactSlop {
			return collisionInfo{}
		}
		overlap := math.Min(maxB-minA, maxA-minB)
		if overlap < smallest {
			smallest = overlap
			smallestAxis = axis
		}
	}

	// Make sure the MTV points from A to B.
	if b.position.Sub(a.position).Dot(smallestAxis) < 0 {
		smallestAxis = smallestAxis.Mul(-1)
	}
	return collisionInfo{collided: true, mtv: smallestAxis.Mul(smallest), depth: smallest}
}

func worldVerts(b *physicsBody, rot mgl64.Mat3) []mgl64.Vec3 {
	out := make([]mgl64.Vec3, len(b.hull.vertices))
	for i, v := range b.hull.vertices {
		out[i] = b.position.Add(rot.Mul3x1(v))
	}
	return out
}

func projectVerts(verts []mgl64.Vec3, axis mgl64.Vec3) (float64, float64) {
	lo := axis.Dot(verts[0])
	hi := lo
	for _, v := range verts[1:] {
		p := axis.Dot(v)
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	return lo, hi
}

// contactPair orders the two part ids so a pair has one canonical form; the
// lexicographic order keeps event delivery stable across ticks.
type contactPair struct {
	A, B uint64
}

func makePair(a, b uint64) contactPair {
	if a < b {
		return contactPair{a, b}
	}
	return contactPair{b, a}
}

// ContactPairs returns the currently touching pairs. Dynamic/dynamic and
// dynamic/kinematic contacts are included; sensor intersections require at
// least one non-sensor party. Two pure-kinematic or two pure-sensor bodies
// never produce pairs — TouchQuery bridges the kinematic-kinematic case.
func (w *PhysicsWorld) ContactPairs() map[contactPair]struct{} {
	pairs := make(map[contactPair]struct{})
	w.scratch = w.scratch[:0]
	for _, b := range w.byID {
		w.scratch = append(w.scratch, b)
	}
	bodies := w.scratch
	for i := 0; i < len(bodies); i++ {
		for j := i + 1; j < len(bodies); j++ {
			a, b := bodies[i], bodies[j]
			if a.sensor && b.sensor {
				continue
			}
			if a.kinematic() && b.kinematic() {
				continue
			}
			if !aabbOverlap(a, b) {
				continue
			}
			if collide(a, b).collided {
				pairs[makePair(a.id, b.id)] = struct{}{}
			}
		}
	}
	return pairs
}

// TouchQuery returns every body overlapping the given body, regardless of
// the pair rules above. The tick uses it per character so anchored parts
// still produce touch events against character roots.
func (w *PhysicsWorld) TouchQuery(id uint64) []uint64 {
	self, ok := w.byID[id]
	if !ok {
		return nil
	}
	var out []uint64
	for _, other := range w.byID {
		if other.id == id {
			continue
		}
		if !aabbOverlap(self, other) {
			continue
		}
		if collide(self, other).collided {
			out = append(out, other.id)
		}
	}
	return out
}
