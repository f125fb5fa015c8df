package main

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// CFrame is a position plus a 3x3 rotation matrix. Scripts author parts in
// CFrame terms; the physics world works in position + quaternion. The two
// conversions below are the only crossing points.
type CFrame struct {
	Pos mgl64.Vec3
	Rot mgl64.Mat3
}

// NewCFrame returns an identity-rotation CFrame at the given position.
func NewCFrame(x, y, z float64) CFrame {
	return CFrame{Pos: mgl64.Vec3{x, y, z}, Rot: mgl64.Ident3()}
}

// CFrameAngles builds a rotation from Euler angles applied about Z, then Y,
// then X, matching the scripting API's CFrame.Angles.
func CFrameAngles(rx, ry, rz float64) mgl64.Mat3 {
	return mgl64.Rotate3DX(rx).Mul3(mgl64.Rotate3DY(ry)).Mul3(mgl64.Rotate3DZ(rz))
}

// Mul composes two CFrames (this * other).
func (c CFrame) Mul(o CFrame) CFrame {
	return CFrame{
		Pos: c.Pos.Add(c.Rot.Mul3x1(o.Pos)),
		Rot: c.Rot.Mul3(o.Rot),
	}
}

// PointToWorld transforms a local-space point into world space.
func (c CFrame) PointToWorld(p mgl64.Vec3) mgl64.Vec3 {
	return c.Pos.Add(c.Rot.Mul3x1(p))
}

// VectorToWorld rotates a local-space direction into world space.
func (c CFrame) VectorToWorld(v mgl64.Vec3) mgl64.Vec3 {
	return c.Rot.Mul3x1(v)
}

// matToQuat converts a rotation matrix to a unit quaternion using Shepperd's
// method: pick the largest of the four squared components from the trace and
// diagonal so the division below stays well conditioned.
func matToQuat(m mgl64.Mat3) mgl64.Quat {
	m00, m01, m02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	m10, m11, m12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	m20, m21, m22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	trace := m00 + m11 + m22
	var w, x, y, z float64
	switch {
	case trace > m00 && trace > m11 && trace > m22:
		s := math.Sqrt(trace+1.0) * 2
		w = 0.25 * s
		x = (m21 - m12) / s
		y = (m02 - m20) / s
		z = (m10 - m01) / s
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1.0+m00-m11-m22) * 2
		w = (m21 - m12) / s
		x = 0.25 * s
		y = (m01 + m10) / s
		z = (m02 + m20) / s
	case m11 > m22:
		s := math.Sqrt(1.0+m11-m00-m22) * 2
		w = (m02 - m20) / s
		x = (m01 + m10) / s
		y = 0.25 * s
		z = (m12 + m21) / s
	default:
		s := math.Sqrt(1.0+m22-m00-m11) * 2
		w = (m10 - m01) / s
		x = (m02 + m20) / s
		y = (m12 + m21) / s
		z = 0.25 * s
	}
	return mgl64.Quat{W: w, V: mgl64.Vec3{x, y, z}}.Normalize()
}

// quatToMat converts a unit quaternion back to a rotation matrix.
func quatToMat(q mgl64.Quat) mgl64.Mat3 {
	w, x, y, z := q.W, q.V[0], q.V[1], q.V[2]
	return mgl64.Mat3FromRows(
		mgl64.Vec3{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		mgl64.Vec3{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		mgl64.Vec3{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	)
}

// matApproxEq reports whether two rotation matrices agree within eps per cell.
func matApproxEq(a, b mgl64.Mat3, eps float64) bool {
	for i := 0; i < 9; i++ {
		if math.Abs(a[i]-b[i]) > eps {
			return false
		}
	}
	return true
}

// vecApproxEq reports whether two vectors agree within eps per component.
func vecApproxEq(a, b mgl64.Vec3, eps float64) bool {
	return math.Abs(a[0]-b[0]) <= eps && math.Abs(a[1]-b[1]) <= eps && math.Abs(a[2]-b[2]) <= eps
}

// flatRot serializes a rotation matrix row-major, the order observations use.
func flatRot(m mgl64.Mat3) [9]float64 {
	return [9]float64{
		m.At(0, 0), m.At(0, 1), m.At(0, 2),
		m.At(1, 0), m.At(1, 1), m.At(1, 2),
		m.At(2, 0), m.At(2, 1), m.At(2, 2),
	}
}

// rotFromFlat is the inverse of flatRot.
func rotFromFlat(f [9]float64) mgl64.Mat3 {
	return mgl64.Mat3FromRows(
		mgl64.Vec3{f[0], f[1], f[2]},
		mgl64.Vec3{f[3], f[4], f[5]},
		mgl64.Vec3{f[6], f[7], f[8]},
	)
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// horizontal returns v with its Y component zeroed.
func horizontal(v mgl64.Vec3) mgl64.Vec3 { return mgl64.Vec3{v[0], 0, v[2]} }
