package diffract

import (
	"fmt"
	"math"
)

// LatticeSystem names one of the seven lattice systems. It determines how many
// free lattice parameters a material carries during refinement.
type LatticeSystem string

const (
	Cubic        LatticeSystem = "cubic"
	Tetragonal   LatticeSystem = "tetragonal"
	Hexagonal    LatticeSystem = "hexagonal"
	Orthorhombic LatticeSystem = "orthorhombic"
	Rhombohedral LatticeSystem = "rhombohedral"
	Monoclinic   LatticeSystem = "monoclinic"
	Triclinic    LatticeSystem = "triclinic"
)

// LParmCount returns the number of free lattice parameters for the system.
func (s LatticeSystem) LParmCount() (int, error) {
	switch s {
	case Cubic:
		return 1, nil
	case Tetragonal, Hexagonal, Rhombohedral:
		return 2, nil
	case Orthorhombic:
		return 3, nil
	case Monoclinic:
		return 4, nil
	case Triclinic:
		return 6, nil
	}
	return 0, fmt.Errorf("unknown lattice system %q", s)
}

// PlaneData carries the crystallographic reference data for one material: the
// lattice, the hkl list of rings/reflections, and the probe wavelength.
// Calibrators never read the wavelength they set themselves; it is forced to
// the instrument's current beam wavelength on every access through a
// calibrator's PlaneData method.
type PlaneData struct {
	Name       string
	System     LatticeSystem
	LParms     []float64 // free parameters per System; lengths in Å, angles in radians
	HKLs       [][3]int
	Wavelength float64 // Å
}

// NewPlaneData validates the lattice parameter count against the system.
func NewPlaneData(name string, system LatticeSystem, lparms []float64, hkls [][3]int) (*PlaneData, error) {
	want, err := system.LParmCount()
	if err != nil {
		return nil, err
	}
	if len(lparms) != want {
		return nil, fmt.Errorf("material %s: %s lattice parameters must have %d elements, got %d",
			name, system, want, len(lparms))
	}
	if len(hkls) == 0 {
		return nil, fmt.Errorf("material %s: no hkls defined", name)
	}
	pd := &PlaneData{Name: name, System: system, HKLs: hkls}
	pd.LParms = make([]float64, len(lparms))
	copy(pd.LParms, lparms)
	return pd, nil
}

// SetLParms replaces the free lattice parameters.
func (pd *PlaneData) SetLParms(lparms []float64) error {
	want, err := pd.System.LParmCount()
	if err != nil {
		return err
	}
	if len(lparms) != want {
		return fmt.Errorf("lattice parameters must have %d elements, got %d", want, len(lparms))
	}
	copy(pd.LParms, lparms)
	return nil
}

// FullCell expands the free parameters to the six conventional cell constants
// (a, b, c, α, β, γ), angles in radians.
func (pd *PlaneData) FullCell() (a, b, c, al, be, ga float64) {
	halfPi := math.Pi / 2
	switch pd.System {
	case Cubic:
		a = pd.LParms[0]
		return a, a, a, halfPi, halfPi, halfPi
	case Tetragonal:
		a, c = pd.LParms[0], pd.LParms[1]
		return a, a, c, halfPi, halfPi, halfPi
	case Hexagonal:
		a, c = pd.LParms[0], pd.LParms[1]
		return a, a, c, halfPi, halfPi, 2 * math.Pi / 3
	case Orthorhombic:
		return pd.LParms[0], pd.LParms[1], pd.LParms[2], halfPi, halfPi, halfPi
	case Rhombohedral:
		a, al = pd.LParms[0], pd.LParms[1]
		return a, a, a, al, al, al
	case Monoclinic:
		return pd.LParms[0], pd.LParms[1], pd.LParms[2], halfPi, pd.LParms[3], halfPi
	default: // Triclinic
		return pd.LParms[0], pd.LParms[1], pd.LParms[2], pd.LParms[3], pd.LParms[4], pd.LParms[5]
	}
}

// BMatrix returns the reciprocal-lattice B matrix in the crystallographer
// convention (no 2π): g = B·hkl and d = 1/|g|.
func (pd *PlaneData) BMatrix() [3][3]float64 {
	a, b, c, al, be, ga := pd.FullCell()

	// Direct lattice vectors.
	av := [3]float64{a, 0, 0}
	bv := [3]float64{b * math.Cos(ga), b * math.Sin(ga), 0}
	cx := c * math.Cos(be)
	cy := c * (math.Cos(al) - math.Cos(be)*math.Cos(ga)) / math.Sin(ga)
	cz := math.Sqrt(math.Max(c*c-cx*cx-cy*cy, 0))
	cv := [3]float64{cx, cy, cz}

	vol := dot3(av, cross3(bv, cv))

	astar := scale3(cross3(bv, cv), 1/vol)
	bstar := scale3(cross3(cv, av), 1/vol)
	cstar := scale3(cross3(av, bv), 1/vol)

	// Columns are the reciprocal basis vectors.
	return [3][3]float64{
		{astar[0], bstar[0], cstar[0]},
		{astar[1], bstar[1], cstar[1]},
		{astar[2], bstar[2], cstar[2]},
	}
}

// GVector returns the reciprocal-lattice vector for one hkl.
func (pd *PlaneData) GVector(hkl [3]int) [3]float64 {
	return matVec3(pd.BMatrix(), [3]float64{float64(hkl[0]), float64(hkl[1]), float64(hkl[2])})
}

// Spacing returns the plane spacing in Å for one hkl.
func (pd *PlaneData) Spacing(hkl [3]int) float64 {
	return 1 / norm3(pd.GVector(hkl))
}

// PlaneSpacings returns the plane spacings for every hkl, in list order.
func (pd *PlaneData) PlaneSpacings() []float64 {
	bmat := pd.BMatrix()
	out := make([]float64, len(pd.HKLs))
	for i, hkl := range pd.HKLs {
		g := matVec3(bmat, [3]float64{float64(hkl[0]), float64(hkl[1]), float64(hkl[2])})
		out[i] = 1 / norm3(g)
	}
	return out
}

// BraggTwoTheta returns the diffraction angle 2θ in radians for a plane
// spacing at the current wavelength, or NaN when the reflection is
// unreachable (λ > 2d).
func (pd *PlaneData) BraggTwoTheta(spacing float64) float64 {
	s := pd.Wavelength / (2 * spacing)
	if s > 1 || s <= 0 {
		return math.NaN()
	}
	return 2 * math.Asin(s)
}

func cross3(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
