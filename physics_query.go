package main

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// QueryFilter narrows raycast and overlap results. The zero value matches
// every body.
type QueryFilter struct {
	Exclude           map[uint64]struct{}
	Group             string // match only this collision group when non-empty
	RespectCanCollide bool   // skip sensors when set
}

func (f QueryFilter) admits(b *physicsBody) bool {
	if _, skip := f.Exclude[b.id]; skip {
		return false
	}
	if f.Group != "" && b.group != f.Group {
		return false
	}
	if f.RespectCanCollide && b.sensor {
		return false
	}
	return true
}

// RaycastHit describes the nearest body intersected by a ray.
type RaycastHit struct {
	ID       uint64
	Point    mgl64.Vec3
	Normal   mgl64.Vec3
	Distance float64
}

// Raycast returns the nearest hit along origin + t*direction for t in
// [0, length], or false when nothing is hit.
func (w *PhysicsWorld) Raycast(origin, direction mgl64.Vec3, length float64, filter QueryFilter) (RaycastHit, bool) {
	dl := direction.Len()
	if dl < 1e-12 || length <= 0 {
		return RaycastHit{}, false
	}
	dir := direction.Mul(1 / dl)

	best := RaycastHit{Distance: math.MaxFloat64}
	found := false
	for _, b := range w.byID {
		if !filter.admits(b) {
			continue
		}
		var t float64
		var n mgl64.Vec3
		var hit bool
		if b.shape == ShapeBall {
			t, n, hit = raySphere(origin, dir, length, b.position, b.radius)
		} else {
			t, n, hit = rayHull(origin, dir, length, b)
		}
		if hit && t < best.Distance {
			best = RaycastHit{
				ID:       b.id,
				Point:    origin.Add(dir.Mul(t)),
				Normal:   n,
				Distance: t,
			}
			found = true
		}
	}
	if !found {
		return RaycastHit{}, false
	}
	return best, true
}

func raySphere(origin, dir mgl64.Vec3, length float64, center mgl64.Vec3, radius float64) (float64, mgl64.Vec3, bool) {
	oc := origin.Sub(center)
	bq := oc.Dot(dir)
	c := oc.Dot(oc) - radius*radius
	disc := bq*bq - c
	if disc < 0 {
		return 0, mgl64.Vec3{}, false
	}
	t := -bq - math.Sqrt(disc)
	if t < 0 {
		t = 0 // ray starts inside
	}
	if t > length {
		return 0, mgl64.Vec3{}, false
	}
	p := origin.Add(dir.Mul(t))
	n := p.Sub(center)
	if n.Len() > 1e-12 {
		n = n.Normalize()
	}
	return t, n, true
}

// rayHull clips the ray against the hull's world-space face planes.
func rayHull(origin, dir mgl64.Vec3, length float64, b *physicsBody) (float64, mgl64.Vec3, bool) {
	rot := quatToMat(b.orientation)
	tmin, tmax := 0.0, length
	var entryN mgl64.Vec3
	for _, pl := range b.hull.planes {
		n := rot.Mul3x1(pl.n)
		d := pl.d + n.Dot(b.position)
		denom := n.Dot(dir)
		dist := d - n.Dot(origin)
		if math.Abs(denom) < 1e-12 {
			if dist < 0 {
				return 0, mgl64.Vec3{}, false
			}
			continue
		}
		t := dist / denom
		if denom < 0 {
			// Entering through this plane.
			if t > tmin {
				tmin = t
				entryN = n
			}
		} else if t < tmax {
			tmax = t
		}
		if tmin > tmax {
			return 0, mgl64.Vec3{}, false
		}
	}
	return tmin, entryN, true
}

// OverlapVolume is a query shape: a box when Half is non-zero, otherwise a
// sphere of Radius around Center.
type OverlapVolume struct {
	Center mgl64.Vec3
	Half   mgl64.Vec3
	Rot    mgl64.Mat3
	Radius float64
}

func (v OverlapVolume) probe() *physicsBody {
	b := &physicsBody{position: v.Center, orientation: mgl64.QuatIdent()}
	if v.Radius > 0 && v.Half == (mgl64.Vec3{}) {
		b.shape = ShapeBall
		b.radius = v.Radius
		b.size = mgl64.Vec3{v.Radius * 2, v.Radius * 2, v.Radius * 2}
		return b
	}
	rot := v.Rot
	if rot == (mgl64.Mat3{}) {
		rot = mgl64.Ident3()
	}
	b.shape = ShapeBox
	b.size = v.Half.Mul(2)
	b.hull = hullBox(b.size)
	b.orientation = matToQuat(rot)
	return b
}

// Overlap returns the ids of bodies whose colliders intersect the volume.
func (w *PhysicsWorld) Overlap(volume OverlapVolume, filter QueryFilter) []uint64 {
	probe := volume.probe()
	var out []uint64
	for _, b := range w.byID {
		if !filter.admits(b) {
			continue
		}
		if !aabbOverlap(probe, b) {
			continue
		}
		if collide(probe, b).collided {
			out = append(out, b.id)
		}
	}
	return out
}

// penetration is one body overlapping a queried body, with the translation
// that separates the queried body from it.
type penetration struct {
	otherID uint64
	push    mgl64.Vec3 // applied to the queried body to separate
	depth   float64
}

// Penetrations returns the separating translations for every solid body the
// given body currently overlaps. onlyKinematic limits the scan to anchored
// bodies, which is what the character push stage wants.
func (w *PhysicsWorld) Penetrations(id uint64, onlyKinematic bool) []penetration {
	self, ok := w.byID[id]
	if !ok {
		return nil
	}
	var out []penetration
	for _, other := range w.byID {
		if other.id == id || !other.solid() {
			continue
		}
		if onlyKinematic && !other.kinematic() {
			continue
		}
		if !aabbOverlap(self, other) {
			continue
		}
		info := collide(self, other)
		if !info.collided {
			continue
		}
		// collide's MTV points self → other; separate by moving the other way.
		out = append(out, penetration{otherID: other.id, push: info.mtv.Mul(-1), depth: info.depth})
	}
	return out
}
