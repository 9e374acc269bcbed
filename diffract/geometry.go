package diffract

import "math"

// Lab frame convention: the incident beam travels along -Z, the sample sits at
// the origin, and detector panels are positioned by a translation vector and an
// exponential-map tilt. Scattering directions are described by the polar angle
// 2θ measured from the transmitted beam and the azimuth η measured in the X-Y
// plane from +X.

// beamVec is the unit propagation direction of the incident beam.
var beamVec = [3]float64{0, 0, -1}

// anglesToUnit converts a (2θ, η) pair in radians to a unit scattering direction.
func anglesToUnit(tth, eta float64) [3]float64 {
	s := math.Sin(tth)
	return [3]float64{
		s * math.Cos(eta),
		s * math.Sin(eta),
		-math.Cos(tth),
	}
}

// unitToAngles converts a direction vector to (2θ, η) in radians.
// The vector does not need to be normalized.
func unitToAngles(v [3]float64) (tth, eta float64) {
	r := norm3(v)
	if r == 0 {
		return 0, 0
	}
	tth = math.Acos(clamp(-v[2]/r, -1, 1))
	eta = math.Atan2(v[1], v[0])
	return tth, eta
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// expMapRotation builds a rotation matrix from an exponential-map vector using
// the Rodrigues formula. The vector direction is the rotation axis and its
// magnitude the rotation angle in radians.
func expMapRotation(w [3]float64) [3][3]float64 {
	angle := norm3(w)
	if angle < 1e-14 {
		return identity3()
	}
	kx, ky, kz := w[0]/angle, w[1]/angle, w[2]/angle
	c := math.Cos(angle)
	s := math.Sin(angle)
	t := 1 - c

	return [3][3]float64{
		{c + kx*kx*t, kx*ky*t - kz*s, kx*kz*t + ky*s},
		{ky*kx*t + kz*s, c + ky*ky*t, ky*kz*t - kx*s},
		{kz*kx*t - ky*s, kz*ky*t + kx*s, c + kz*kz*t},
	}
}

func identity3() [3][3]float64 {
	return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func matVec3(m [3][3]float64, v [3]float64) [3]float64 {
	return [3]float64{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2],
	}
}

func transpose3(m [3][3]float64) [3][3]float64 {
	return [3][3]float64{
		{m[0][0], m[1][0], m[2][0]},
		{m[0][1], m[1][1], m[2][1]},
		{m[0][2], m[1][2], m[2][2]},
	}
}

func dot3(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func norm3(v [3]float64) float64 {
	return math.Sqrt(dot3(v, v))
}

func sub3(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func add3(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func scale3(v [3]float64, s float64) [3]float64 {
	return [3]float64{v[0] * s, v[1] * s, v[2] * s}
}

// symmetricFromComponents builds a symmetric 3x3 matrix from six components
// ordered (11, 22, 33, 23, 13, 12). The identity is (1, 1, 1, 0, 0, 0).
func symmetricFromComponents(c [6]float64) [3][3]float64 {
	return [3][3]float64{
		{c[0], c[5], c[4]},
		{c[5], c[1], c[3]},
		{c[4], c[3], c[2]},
	}
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 { return rad * 180 / math.Pi }

// Radians converts degrees to radians.
func Radians(deg float64) float64 { return deg * math.Pi / 180 }
