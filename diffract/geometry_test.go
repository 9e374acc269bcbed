package diffract

import (
	"math"
	"testing"
)

const epsilon = 1e-10

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func matMul3(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func TestAnglesToUnitRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		tth  float64
		eta  float64
	}{
		{"Forward", 0.0, 0.0},
		{"SmallAngle", 0.05, 0.3},
		{"QuarterTurn", math.Pi / 4, math.Pi / 2},
		{"NegativeEta", 0.2, -math.Pi / 3},
		{"WideAngle", 1.2, 2.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := anglesToUnit(tt.tth, tt.eta)
			if !almostEqual(norm3(v), 1, epsilon) {
				t.Errorf("anglesToUnit(%g, %g) has norm %g, want 1", tt.tth, tt.eta, norm3(v))
			}
			tth, eta := unitToAngles(v)
			if !almostEqual(tth, tt.tth, epsilon) {
				t.Errorf("round trip tth = %g, want %g", tth, tt.tth)
			}
			// Azimuth is undefined on the beam axis.
			if tt.tth > 0 && !almostEqual(eta, tt.eta, epsilon) {
				t.Errorf("round trip eta = %g, want %g", eta, tt.eta)
			}
		})
	}
}

func TestUnitToAnglesUnnormalized(t *testing.T) {
	// Scaling the direction must not change the angles.
	v := anglesToUnit(0.3, 1.1)
	scaled := scale3(v, 42.0)
	tth, eta := unitToAngles(scaled)
	if !almostEqual(tth, 0.3, epsilon) || !almostEqual(eta, 1.1, epsilon) {
		t.Errorf("unitToAngles(scaled) = (%g, %g), want (0.3, 1.1)", tth, eta)
	}
}

func TestUnitToAnglesZeroVector(t *testing.T) {
	tth, eta := unitToAngles([3]float64{0, 0, 0})
	if tth != 0 || eta != 0 {
		t.Errorf("unitToAngles(0) = (%g, %g), want (0, 0)", tth, eta)
	}
}

func TestExpMapRotationIdentity(t *testing.T) {
	r := expMapRotation([3]float64{0, 0, 0})
	want := identity3()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if !almostEqual(r[i][j], want[i][j], epsilon) {
				t.Errorf("r[%d][%d] = %g, want %g", i, j, r[i][j], want[i][j])
			}
		}
	}
}

func TestExpMapRotationQuarterTurnZ(t *testing.T) {
	r := expMapRotation([3]float64{0, 0, math.Pi / 2})
	got := matVec3(r, [3]float64{1, 0, 0})
	want := [3]float64{0, 1, 0}
	for i := 0; i < 3; i++ {
		if !almostEqual(got[i], want[i], epsilon) {
			t.Errorf("rotated x-axis[%d] = %g, want %g", i, got[i], want[i])
		}
	}
}

func TestExpMapRotationOrthonormal(t *testing.T) {
	r := expMapRotation([3]float64{0.3, -0.7, 0.2})
	rrt := matMul3(r, transpose3(r))
	want := identity3()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if !almostEqual(rrt[i][j], want[i][j], epsilon) {
				t.Errorf("R·Rᵀ[%d][%d] = %g, want %g", i, j, rrt[i][j], want[i][j])
			}
		}
	}
}

func TestSymmetricFromComponents(t *testing.T) {
	m := symmetricFromComponents([6]float64{1, 2, 3, 4, 5, 6})
	want := [3][3]float64{
		{1, 6, 5},
		{6, 2, 4},
		{5, 4, 3},
	}
	if m != want {
		t.Errorf("symmetricFromComponents = %v, want %v", m, want)
	}
}

func TestDegreesRadians(t *testing.T) {
	if !almostEqual(Degrees(math.Pi), 180, epsilon) {
		t.Errorf("Degrees(π) = %g, want 180", Degrees(math.Pi))
	}
	if !almostEqual(Radians(90), math.Pi/2, epsilon) {
		t.Errorf("Radians(90) = %g, want π/2", Radians(90))
	}
	if !almostEqual(Radians(Degrees(1.234)), 1.234, epsilon) {
		t.Errorf("Radians(Degrees(1.234)) = %g, want 1.234", Radians(Degrees(1.234)))
	}
}
