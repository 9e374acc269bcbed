package diffract

import (
	"fmt"
	"math"
	"sort"
)

// KeVAngstrom is hc expressed in keV·Å, used to convert between beam energy
// and wavelength.
const KeVAngstrom = 12.39841984

// panelParamCount is the number of geometry parameters per panel before any
// distortion coefficients: three tilt components and three translations.
const panelParamCount = 6

// RadialDistortion is a two-coefficient radial distortion model attached to a
// panel. Raw (measured) coordinates are mapped to corrected coordinates by a
// polynomial in the normalized radius:
//
//	corrected = raw * (1 + K1*ρ² + K2*ρ⁴),  ρ = |raw| / RNorm
type RadialDistortion struct {
	K1    float64 `yaml:"k1" json:"k1"`
	K2    float64 `yaml:"k2" json:"k2"`
	RNorm float64 `yaml:"rNorm" json:"rNorm"` // normalization radius, mm
}

// Apply maps raw-frame coordinates into the corrected (ideal) frame.
func (d *RadialDistortion) Apply(xy [2]float64) [2]float64 {
	f := d.scaleAt(math.Hypot(xy[0], xy[1]))
	return [2]float64{xy[0] * f, xy[1] * f}
}

// ApplyInverse maps corrected (ideal) coordinates back into the raw frame by
// inverting the radial polynomial with Newton iteration on the radius.
func (d *RadialDistortion) ApplyInverse(xy [2]float64) [2]float64 {
	c := math.Hypot(xy[0], xy[1])
	if c == 0 {
		return xy
	}
	// Solve r * scaleAt(r) = c for the raw radius r.
	r := c
	for i := 0; i < 20; i++ {
		f := r*d.scaleAt(r) - c
		if math.Abs(f) < 1e-12*math.Max(c, 1) {
			break
		}
		df := d.scaleDerivAt(r)
		if df == 0 {
			break
		}
		r -= f / df
	}
	s := r / c
	return [2]float64{xy[0] * s, xy[1] * s}
}

func (d *RadialDistortion) scaleAt(r float64) float64 {
	rn := d.RNorm
	if rn <= 0 {
		rn = 1
	}
	rho2 := (r / rn) * (r / rn)
	return 1 + d.K1*rho2 + d.K2*rho2*rho2
}

// scaleDerivAt is d/dr of r*scaleAt(r).
func (d *RadialDistortion) scaleDerivAt(r float64) float64 {
	rn := d.RNorm
	if rn <= 0 {
		rn = 1
	}
	rho2 := (r / rn) * (r / rn)
	return 1 + 3*d.K1*rho2 + 5*d.K2*rho2*rho2
}

func (d *RadialDistortion) paramCount() int { return 2 }

func (d *RadialDistortion) params() []float64 { return []float64{d.K1, d.K2} }

func (d *RadialDistortion) setParams(p []float64) {
	d.K1 = p[0]
	d.K2 = p[1]
}

// Panel is one planar detector. Local coordinates are millimeters in the panel
// plane with the origin at the panel center; the panel normal in its own frame
// is +Z. The tilt is an exponential-map rotation taking panel coordinates into
// the lab frame.
type Panel struct {
	ID          string
	Rows        int
	Cols        int
	PixelSizeX  float64    // mm
	PixelSizeY  float64    // mm
	Tilt        [3]float64 // radians, exponential map
	Translation [3]float64 // mm, lab frame
	Distortion  *RadialDistortion
}

// SizeX returns the panel width in mm.
func (p *Panel) SizeX() float64 { return float64(p.Cols) * p.PixelSizeX }

// SizeY returns the panel height in mm.
func (p *Panel) SizeY() float64 { return float64(p.Rows) * p.PixelSizeY }

func (p *Panel) rotation() [3][3]float64 { return expMapRotation(p.Tilt) }

// CartToLab converts panel-local coordinates to a lab-frame point.
func (p *Panel) CartToLab(xy [2]float64) [3]float64 {
	r := p.rotation()
	return add3(matVec3(r, [3]float64{xy[0], xy[1], 0}), p.Translation)
}

// IntersectRay intersects a ray from origin along dir with the panel plane and
// returns panel-local coordinates. The second return is false when the ray is
// parallel to the panel or points away from it.
func (p *Panel) IntersectRay(origin, dir [3]float64) ([2]float64, bool) {
	r := p.rotation()
	normal := matVec3(r, [3]float64{0, 0, 1})

	denom := dot3(dir, normal)
	if math.Abs(denom) < 1e-12 {
		return [2]float64{}, false
	}
	u := dot3(sub3(p.Translation, origin), normal) / denom
	if u <= 0 {
		return [2]float64{}, false
	}
	hit := add3(origin, scale3(dir, u))
	local := matVec3(transpose3(r), sub3(hit, p.Translation))
	return [2]float64{local[0], local[1]}, true
}

// AnglesToCart projects rays from tvec along the scattering directions given by
// (2θ, η) pairs onto the panel plane and returns panel-local coordinates.
// Rays that are parallel to the panel or point away from it yield NaN rows.
func (p *Panel) AnglesToCart(angles [][2]float64, tvec [3]float64) [][2]float64 {
	out := make([][2]float64, len(angles))
	for i, ang := range angles {
		xy, ok := p.IntersectRay(tvec, anglesToUnit(ang[0], ang[1]))
		if !ok {
			out[i] = [2]float64{math.NaN(), math.NaN()}
			continue
		}
		out[i] = xy
	}
	return out
}

// CartToAngles converts panel-local coordinates to (2θ, η) pairs as seen from
// tvec.
func (p *Panel) CartToAngles(xys [][2]float64, tvec [3]float64) [][2]float64 {
	out := make([][2]float64, len(xys))
	for i, xy := range xys {
		v := sub3(p.CartToLab(xy), tvec)
		tth, eta := unitToAngles(v)
		out[i] = [2]float64{tth, eta}
	}
	return out
}

// ClipToPanel reports, per point, whether the point lies on the active area.
func (p *Panel) ClipToPanel(xys [][2]float64) []bool {
	hx := p.SizeX() / 2
	hy := p.SizeY() / 2
	on := make([]bool, len(xys))
	for i, xy := range xys {
		on[i] = !math.IsNaN(xy[0]) && !math.IsNaN(xy[1]) &&
			math.Abs(xy[0]) <= hx && math.Abs(xy[1]) <= hy
	}
	return on
}

func (p *Panel) paramCount() int {
	n := panelParamCount
	if p.Distortion != nil {
		n += p.Distortion.paramCount()
	}
	return n
}

func (p *Panel) params() []float64 {
	out := make([]float64, 0, p.paramCount())
	out = append(out, p.Tilt[0], p.Tilt[1], p.Tilt[2])
	out = append(out, p.Translation[0], p.Translation[1], p.Translation[2])
	if p.Distortion != nil {
		out = append(out, p.Distortion.params()...)
	}
	return out
}

func (p *Panel) setParams(vals []float64) {
	p.Tilt = [3]float64{vals[0], vals[1], vals[2]}
	p.Translation = [3]float64{vals[3], vals[4], vals[5]}
	if p.Distortion != nil {
		p.Distortion.setParams(vals[panelParamCount:])
	}
}

// Instrument holds the beam and the detector panels. Its calibration parameter
// vector is the concatenation, over detector IDs in sorted order, of each
// panel's tilt, translation and distortion coefficients. A parallel boolean
// flags vector marks which entries are free to vary during refinement.
//
// The instrument is a shared mutable resource: every calibrator pushes
// parameters into it on each residual evaluation, so evaluations must stay
// strictly sequential.
type Instrument struct {
	BeamEnergy float64 // keV
	Detectors  map[string]*Panel

	flags []bool
}

// NewInstrument creates an instrument with all calibration flags enabled.
func NewInstrument(beamEnergy float64, panels ...*Panel) *Instrument {
	ins := &Instrument{
		BeamEnergy: beamEnergy,
		Detectors:  make(map[string]*Panel, len(panels)),
	}
	for _, p := range panels {
		ins.Detectors[p.ID] = p
	}
	ins.flags = make([]bool, ins.NumCalibrationParameters())
	for i := range ins.flags {
		ins.flags[i] = true
	}
	return ins
}

// BeamWavelength returns the beam wavelength in Å.
func (ins *Instrument) BeamWavelength() float64 {
	return KeVAngstrom / ins.BeamEnergy
}

// DetectorIDs returns the detector keys in sorted order, which fixes the
// layout of the calibration parameter vector.
func (ins *Instrument) DetectorIDs() []string {
	ids := make([]string, 0, len(ins.Detectors))
	for id := range ins.Detectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NumCalibrationParameters returns the length of the calibration parameter
// vector.
func (ins *Instrument) NumCalibrationParameters() int {
	n := 0
	for _, id := range ins.DetectorIDs() {
		n += ins.Detectors[id].paramCount()
	}
	return n
}

// CalibrationParameters returns the current flat parameter vector.
func (ins *Instrument) CalibrationParameters() []float64 {
	out := make([]float64, 0, ins.NumCalibrationParameters())
	for _, id := range ins.DetectorIDs() {
		out = append(out, ins.Detectors[id].params()...)
	}
	return out
}

// CalibrationFlags returns the active-parameter mask, parallel to
// CalibrationParameters.
func (ins *Instrument) CalibrationFlags() []bool {
	if len(ins.flags) != ins.NumCalibrationParameters() {
		// Panels changed since construction; reset to all-free.
		ins.flags = make([]bool, ins.NumCalibrationParameters())
		for i := range ins.flags {
			ins.flags[i] = true
		}
	}
	out := make([]bool, len(ins.flags))
	copy(out, ins.flags)
	return out
}

// SetCalibrationFlags replaces the active-parameter mask.
func (ins *Instrument) SetCalibrationFlags(flags []bool) error {
	want := ins.NumCalibrationParameters()
	if len(flags) != want {
		return fmt.Errorf("calibration flags must have %d elements, got %d", want, len(flags))
	}
	ins.flags = make([]bool, want)
	copy(ins.flags, flags)
	return nil
}

// UpdateFromParameterList pushes a flat parameter vector back into the panels.
func (ins *Instrument) UpdateFromParameterList(params []float64) error {
	want := ins.NumCalibrationParameters()
	if len(params) != want {
		return fmt.Errorf("parameter list must have %d elements, got %d", want, len(params))
	}
	off := 0
	for _, id := range ins.DetectorIDs() {
		panel := ins.Detectors[id]
		n := panel.paramCount()
		panel.setParams(params[off : off+n])
		off += n
	}
	return nil
}
