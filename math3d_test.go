package main

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestMatQuatRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		m    mgl64.Mat3
	}{
		{"identity", mgl64.Ident3()},
		{"yaw", mgl64.Rotate3DY(1.3)},
		{"pitch", mgl64.Rotate3DX(-2.7)},
		{"roll", mgl64.Rotate3DZ(0.4)},
		{"composed", CFrameAngles(0.5, -1.1, 2.9)},
		{"near pi", mgl64.Rotate3DY(math.Pi - 1e-4)},
		{"flip x", mgl64.Rotate3DX(math.Pi)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := matToQuat(tc.m)
			got := quatToMat(q)
			if !matApproxEq(tc.m, got, 1e-9) {
				t.Fatalf("round trip drifted:\n in %v\nout %v", tc.m, got)
			}
		})
	}
}

func TestMatToQuatUnit(t *testing.T) {
	for _, angle := range []float64{0, 0.5, 1.5, 3.0, -2.2} {
		q := matToQuat(mgl64.Rotate3DY(angle))
		n := math.Sqrt(q.W*q.W + q.V.Dot(q.V))
		if math.Abs(n-1) > 1e-12 {
			t.Fatalf("quat for Ry(%g) not unit: %g", angle, n)
		}
	}
}

func TestCFrameAnglesYawOnly(t *testing.T) {
	got := CFrameAngles(0, 1.7, 0)
	want := mgl64.Rotate3DY(1.7)
	if !matApproxEq(got, want, 1e-12) {
		t.Fatalf("CFrameAngles(0,1.7,0) != Ry(1.7)")
	}
}

func TestCFrameMul(t *testing.T) {
	a := CFrame{Pos: mgl64.Vec3{1, 2, 3}, Rot: mgl64.Rotate3DY(math.Pi / 2)}
	b := NewCFrame(1, 0, 0)
	got := a.Mul(b)
	// Ry(pi/2) maps +X to -Z.
	want := mgl64.Vec3{1, 2, 2}
	if !vecApproxEq(got.Pos, want, 1e-12) {
		t.Fatalf("composed position %v, want %v", got.Pos, want)
	}
}

func TestFlatRotRoundTrip(t *testing.T) {
	m := CFrameAngles(0.3, -0.9, 1.2)
	got := rotFromFlat(flatRot(m))
	if !matApproxEq(m, got, 0) {
		t.Fatalf("flat round trip not byte-identical")
	}
}

func TestPointToWorld(t *testing.T) {
	cf := CFrame{Pos: mgl64.Vec3{10, 0, 0}, Rot: mgl64.Rotate3DY(math.Pi)}
	p := cf.PointToWorld(mgl64.Vec3{1, 0, 0})
	if !vecApproxEq(p, mgl64.Vec3{9, 0, 0}, 1e-12) {
		t.Fatalf("got %v", p)
	}
}
