package diffract

import (
	"fmt"
	"math"
)

// grainParamCount is the fixed size of a grain parameter vector: orientation
// exponential map (3), translation (3) and inverse stretch components (6).
const grainParamCount = 12

// LaueCalibrator refines a single grain's orientation and position against
// observed Laue reflection positions, sharing the instrument parameter block
// with the other calibrators of a composite run.
type LaueCalibrator struct {
	instr         *Instrument
	planeData     *PlaneData
	params        []float64
	flags         []bool
	energyCutoffs [2]float64
}

// NewLaueCalibrator validates the grain parameter and flags lengths against
// the instrument. Length mismatches are caller-contract violations and abort
// construction.
func NewLaueCalibrator(instr *Instrument, pd *PlaneData, grainParams []float64, flags []bool, energyCutoffs [2]float64) (*LaueCalibrator, error) {
	c := &LaueCalibrator{
		instr:         instr,
		planeData:     pd,
		energyCutoffs: energyCutoffs,
	}
	if err := c.SetParams(grainParams); err != nil {
		return nil, err
	}
	if err := c.SetFlags(flags); err != nil {
		return nil, err
	}
	return c, nil
}

// Type returns the pick group type this calibrator handles.
func (c *LaueCalibrator) Type() string { return GroupTypeLaue }

// NumExtra returns the grain parameter count.
func (c *LaueCalibrator) NumExtra() int { return grainParamCount }

// Params returns the current grain parameter vector.
func (c *LaueCalibrator) Params() []float64 { return c.params }

// SetParams replaces the grain parameter vector.
func (c *LaueCalibrator) SetParams(p []float64) error {
	if len(p) != grainParamCount {
		return fmt.Errorf("grain parameters must have %d elements, got %d", grainParamCount, len(p))
	}
	c.params = make([]float64, grainParamCount)
	copy(c.params, p)
	return nil
}

// Flags returns the combined instrument+grain active-parameter mask.
func (c *LaueCalibrator) Flags() []bool { return c.flags }

// SetFlags replaces the mask. Its length must cover the instrument parameters
// plus the twelve grain parameters.
func (c *LaueCalibrator) SetFlags(flags []bool) error {
	want := c.instr.NumCalibrationParameters() + grainParamCount
	if len(flags) != want {
		return fmt.Errorf("flags must have %d elements, got %d", want, len(flags))
	}
	c.flags = make([]bool, want)
	copy(c.flags, flags)
	return nil
}

// EnergyCutoffs returns the configured bandpass in keV.
func (c *LaueCalibrator) EnergyCutoffs() [2]float64 { return c.energyCutoffs }

// PlaneData returns the grain's plane data with the wavelength forced to the
// instrument's current beam wavelength.
func (c *LaueCalibrator) PlaneData() *PlaneData {
	c.planeData.Wavelength = c.instr.BeamWavelength()
	return c.planeData
}

// Residual evaluates observed-minus-predicted reflection positions with the
// energy bandpass widened to [0.5·min, 1.5·max].
func (c *LaueCalibrator) Residual(reduced []float64, group *PickGroup) ([]float64, error) {
	res, _, err := c.evaluate(reduced, group, outputResidual)
	return res, err
}

// Model evaluates the forward-predicted reflection positions with the
// un-widened bandpass, for visualization. Rows align with the selected
// (observed) reflections per detector; invalid predictions are NaN rows.
func (c *LaueCalibrator) Model(reduced []float64, group *PickGroup) (map[string][][2]float64, error) {
	_, model, err := c.evaluate(reduced, group, outputModel)
	return model, err
}

func (c *LaueCalibrator) evaluate(reduced []float64, group *PickGroup, output string) ([]float64, map[string][][2]float64, error) {
	if output != outputResidual && output != outputModel {
		return nil, nil, fmt.Errorf("unrecognized output mode %q", output)
	}

	npi := c.instr.NumCalibrationParameters()
	full := concatParams(c.instr.CalibrationParameters(), c.params)
	if err := scatterActive(full, c.flags, reduced); err != nil {
		return nil, nil, err
	}
	if err := c.instr.UpdateFromParameterList(full[:npi]); err != nil {
		return nil, nil, err
	}
	copy(c.params, full[npi:])

	pd := c.PlaneData()
	bmat := pd.BMatrix()

	rot := expMapRotation([3]float64{c.params[0], c.params[1], c.params[2]})
	tvecC := [3]float64{c.params[3], c.params[4], c.params[5]}
	var vinv [6]float64
	copy(vinv[:], c.params[6:12])
	stretch := symmetricFromComponents(vinv)

	band := c.energyCutoffs
	if output == outputResidual {
		band = [2]float64{0.5 * band[0], 1.5 * band[1]}
	}

	var residual []float64
	model := make(map[string][][2]float64)

	for _, det := range c.instr.DetectorIDs() {
		slots, ok := group.PickXYs[det]
		if !ok {
			continue
		}
		panel := c.instr.Detectors[det]
		// Off-panel predictions get a fixed penalty so the residual length
		// stays stable across solver iterations for one dataset.
		penalty := math.Hypot(panel.SizeX(), panel.SizeY())

		var rows [][2]float64
		for i, slot := range slots {
			if len(slot) == 0 || math.IsNaN(slot[0][0]) {
				continue
			}
			if i >= len(pd.HKLs) {
				return nil, nil, fmt.Errorf("laue group %s: reflection index %d beyond %d hkls",
					group.Material, i, len(pd.HKLs))
			}
			obs := slot[0]
			pred, valid := lauePredict(panel, rot, stretch, bmat, pd.HKLs[i], tvecC, band)

			switch output {
			case outputResidual:
				if valid {
					residual = append(residual, obs[0]-pred[0], obs[1]-pred[1])
				} else {
					residual = append(residual, penalty, penalty)
				}
			case outputModel:
				if valid {
					rows = append(rows, pred)
				} else {
					rows = append(rows, [2]float64{math.NaN(), math.NaN()})
				}
			}
		}
		if output == outputModel {
			model[det] = rows
		}
	}

	return residual, model, nil
}

// lauePredict forward-simulates one reflection: the scattering vector selects
// its own wavelength (Laue condition), the reflection is kept when the implied
// photon energy lies inside the bandpass and the diffracted ray lands on the
// panel's active area.
func lauePredict(panel *Panel, rot, stretch, bmat [3][3]float64, hkl [3]int, tvecC [3]float64, band [2]float64) ([2]float64, bool) {
	g := matVec3(rot, matVec3(stretch, matVec3(bmat, [3]float64{
		float64(hkl[0]), float64(hkl[1]), float64(hkl[2]),
	})))
	gn := norm3(g)
	if gn == 0 {
		return [2]float64{}, false
	}
	ghat := scale3(g, 1/gn)

	// Laue condition: λ = -2 d (ĝ·b̂); reflections with the scattering vector
	// on the wrong side of the beam never diffract.
	q := dot3(ghat, beamVec)
	lam := -2 * q / gn
	if lam <= 0 {
		return [2]float64{}, false
	}
	energy := KeVAngstrom / lam
	if energy < band[0] || energy > band[1] {
		return [2]float64{}, false
	}

	dir := sub3(beamVec, scale3(ghat, 2*q))
	xy, ok := panel.IntersectRay(tvecC, dir)
	if !ok {
		return [2]float64{}, false
	}
	if on := panel.ClipToPanel([][2]float64{xy}); !on[0] {
		return [2]float64{}, false
	}
	return xy, true
}
