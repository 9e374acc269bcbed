package diffract

import (
	"fmt"
	"math"
)

// PowderCalibrator refines a material's lattice parameters against observed
// powder ring positions, sharing the instrument parameter block with the other
// calibrators of a composite run. The extra-parameter count varies with the
// material's lattice system.
type PowderCalibrator struct {
	instr     *Instrument
	planeData *PlaneData
	params    []float64
	flags     []bool
	tvecS     [3]float64
}

// NewPowderCalibrator seeds the extra parameters from the material's current
// lattice parameters. The flags length must cover the instrument parameters
// plus the lattice parameters.
func NewPowderCalibrator(instr *Instrument, pd *PlaneData, flags []bool, tvecS [3]float64) (*PowderCalibrator, error) {
	c := &PowderCalibrator{
		instr:     instr,
		planeData: pd,
		tvecS:     tvecS,
	}
	c.params = make([]float64, len(pd.LParms))
	copy(c.params, pd.LParms)

	want := instr.NumCalibrationParameters() + len(c.params)
	if len(flags) != want {
		return nil, fmt.Errorf("flags must have %d elements, got %d", want, len(flags))
	}
	c.flags = make([]bool, want)
	copy(c.flags, flags)
	return c, nil
}

// Type returns the pick group type this calibrator handles.
func (c *PowderCalibrator) Type() string { return GroupTypePowder }

// NumExtra returns the lattice parameter count.
func (c *PowderCalibrator) NumExtra() int { return len(c.params) }

// Params returns the current lattice parameter vector.
func (c *PowderCalibrator) Params() []float64 { return c.params }

// Flags returns the combined instrument+lattice active-parameter mask.
func (c *PowderCalibrator) Flags() []bool { return c.flags }

// TVecSample returns the sample position offset.
func (c *PowderCalibrator) TVecSample() [3]float64 { return c.tvecS }

// PlaneData returns the material's plane data with the wavelength forced to
// the instrument's current beam wavelength.
func (c *PowderCalibrator) PlaneData() *PlaneData {
	c.planeData.Wavelength = c.instr.BeamWavelength()
	return c.planeData
}

// Residual evaluates flattened observed-minus-ideal ring positions. Rings with
// zero picks on a detector contribute nothing, so the residual length varies
// with data availability but is stable for one fixed dataset.
func (c *PowderCalibrator) Residual(reduced []float64, group *PickGroup) ([]float64, error) {
	res, _, err := c.evaluate(reduced, group, outputResidual)
	return res, err
}

// Model evaluates the idealized ring positions for visualization.
func (c *PowderCalibrator) Model(reduced []float64, group *PickGroup) (map[string][][2]float64, error) {
	_, model, err := c.evaluate(reduced, group, outputModel)
	return model, err
}

func (c *PowderCalibrator) evaluate(reduced []float64, group *PickGroup, output string) ([]float64, map[string][][2]float64, error) {
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

	// The reference geometry depends on the very parameters being fit, so the
	// lattice parameters must be pushed into the plane data before any
	// spacing is computed.
	pd := c.PlaneData()
	if err := pd.SetLParms(c.params); err != nil {
		return nil, nil, err
	}

	var residual []float64
	model := make(map[string][][2]float64)

	for _, det := range c.instr.DetectorIDs() {
		xyRings, ok := group.PickXYs[det]
		if !ok {
			continue
		}
		angRings := group.Picks[det]
		panel := c.instr.Detectors[det]

		var rows [][2]float64
		for ring, xys := range xyRings {
			if len(xys) == 0 {
				continue
			}
			if ring >= len(angRings) || len(xys) != len(angRings[ring]) {
				return nil, nil, fmt.Errorf("powder group %s: pick xy and angle tables disagree on %s ring %d",
					group.Material, det, ring)
			}
			if ring >= len(pd.HKLs) {
				return nil, nil, fmt.Errorf("powder group %s: ring index %d beyond %d hkls",
					group.Material, ring, len(pd.HKLs))
			}

			// Ideal spacing recomputed from (h,k,l) so the residual tracks the
			// current candidate lattice parameters, not the initial ones.
			spacing := pd.Spacing(pd.HKLs[ring])
			tthIdeal := pd.BraggTwoTheta(spacing)
			if math.IsNaN(tthIdeal) {
				continue // unreachable at the current wavelength
			}

			for j, obs := range xys {
				etaObs := angRings[ring][j][1]
				ideal := panel.AnglesToCart([][2]float64{{tthIdeal, etaObs}}, c.tvecS)[0]
				if panel.Distortion != nil {
					// Observed positions live in the raw frame; the ideal
					// position is mapped into it, not the other way around.
					ideal = panel.Distortion.ApplyInverse(ideal)
				}

				switch output {
				case outputResidual:
					residual = append(residual, obs[0]-ideal[0], obs[1]-ideal[1])
				case outputModel:
					rows = append(rows, ideal)
				}
			}
		}
		if output == outputModel {
			model[det] = rows
		}
	}

	return residual, model, nil
}
