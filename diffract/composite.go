package diffract

import (
	"fmt"
	"log"
)

// CompositeCalibration aggregates an arbitrary list of technique calibrators
// plus the shared instrument parameter vector into one flat optimization
// problem. Every calibrator's flags are instrument-flags-prefixed, so the
// shared block is referenced consistently across calibrators while each
// calibrator's private suffix is only ever seen by that calibrator.
type CompositeCalibration struct {
	Instr       *Instrument
	Calibrators []Calibrator

	npi        int
	params     []float64 // concatenated extra-parameter slices, calibrator order
	paramFlags []bool    // concatenated extra-flags slices, calibrator order

	// Result holds the solver diagnostics of the last RunCalibration.
	Result *SolverResult
}

// NewCompositeCalibration builds one calibrator per pick group, dispatching on
// the group type. Groups must have been enriched first. The calibrator list
// and the group list correspond positionally; callers must never reorder them
// independently.
func NewCompositeCalibration(groups []*PickGroup, instr *Instrument) (*CompositeCalibration, error) {
	cc := &CompositeCalibration{
		Instr: instr,
		npi:   instr.NumCalibrationParameters(),
	}

	for i, g := range groups {
		if g.PlaneData == nil {
			return nil, fmt.Errorf("pick group %d (%s) has no plane data; run EnrichPickData first", i, g.Material)
		}
		flags := append(instr.CalibrationFlags(), g.RefinementFlags()...)

		var (
			cal Calibrator
			err error
		)
		switch g.Type {
		case GroupTypeLaue:
			cal, err = NewLaueCalibrator(instr, g.PlaneData, g.Options.GrainParams, flags, g.Options.EnergyCutoffs)
		case GroupTypePowder:
			cal, err = NewPowderCalibrator(instr, g.PlaneData, flags, g.Options.TVecSample)
		default:
			err = fmt.Errorf("unknown calibrator type %q", g.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("pick group %d (%s): %w", i, g.Material, err)
		}

		cc.Calibrators = append(cc.Calibrators, cal)
		cc.params = append(cc.params, cal.Params()...)
		cc.paramFlags = append(cc.paramFlags, cal.Flags()[cc.npi:]...)
	}

	return cc, nil
}

// FullParams returns the shared instrument parameters followed by every
// calibrator's extra parameters.
func (cc *CompositeCalibration) FullParams() []float64 {
	return concatParams(cc.Instr.CalibrationParameters(), cc.params)
}

// Flags returns the combined active-parameter mask, parallel to FullParams.
func (cc *CompositeCalibration) Flags() []bool {
	out := make([]bool, 0, cc.npi+len(cc.paramFlags))
	out = append(out, cc.Instr.CalibrationFlags()...)
	out = append(out, cc.paramFlags...)
	return out
}

// ReducedParams returns the caller-facing optimization vector: only the
// active parameters.
func (cc *CompositeCalibration) ReducedParams() []float64 {
	return gatherActive(cc.FullParams(), cc.Flags())
}

// Residual scatters the reduced vector into the full vector, splits off the
// shared instrument prefix, and walks the calibrator list with a running
// offset into the extra-parameter suffix, rebuilding each calibrator's own
// full vector, reducing it by that calibrator's flags, and concatenating the
// per-calibrator residuals.
func (cc *CompositeCalibration) Residual(reduced []float64, groups []*PickGroup) ([]float64, error) {
	if len(groups) != len(cc.Calibrators) {
		return nil, fmt.Errorf("residual called with %d pick groups for %d calibrators", len(groups), len(cc.Calibrators))
	}

	full := cc.FullParams()
	if err := scatterActive(full, cc.Flags(), reduced); err != nil {
		return nil, err
	}
	instrParams := full[:cc.npi]
	addtlParams := full[cc.npi:]
	copy(cc.params, addtlParams)

	var residual []float64
	ii := 0
	for i, cal := range cc.Calibrators {
		npe := cal.NumExtra()
		calFull := concatParams(instrParams, addtlParams[ii:ii+npe])
		calReduced := gatherActive(calFull, cal.Flags())

		r, err := cal.Residual(calReduced, groups[i])
		if err != nil {
			return nil, fmt.Errorf("calibrator %d (%s): %w", i, cal.Type(), err)
		}
		residual = append(residual, r...)
		ii += npe
	}

	return residual, nil
}

// Model evaluates every calibrator's forward model at the current parameters,
// keyed by calibrator index then detector.
func (cc *CompositeCalibration) Model(groups []*PickGroup) ([]map[string][][2]float64, error) {
	if len(groups) != len(cc.Calibrators) {
		return nil, fmt.Errorf("model called with %d pick groups for %d calibrators", len(groups), len(cc.Calibrators))
	}

	instrParams := cc.Instr.CalibrationParameters()
	out := make([]map[string][][2]float64, len(cc.Calibrators))
	ii := 0
	for i, cal := range cc.Calibrators {
		npe := cal.NumExtra()
		calFull := concatParams(instrParams, cc.params[ii:ii+npe])
		m, err := cal.Model(gatherActive(calFull, cal.Flags()), groups[i])
		if err != nil {
			return nil, fmt.Errorf("calibrator %d (%s): %w", i, cal.Type(), err)
		}
		out[i] = m
		ii += npe
	}
	return out, nil
}

// RunCalibration is the single entry point that turns a list of pick groups
// into one refined instrument: enrich picks, assemble the composite, drive
// the least-squares solver, and scatter the refined vector back into the
// instrument and the calibrators. The returned composite carries the mutated
// instrument, the refined per-calibrator parameters and the solver
// diagnostics; non-convergence is reported through the diagnostics, not as an
// error.
func RunCalibration(picks []*PickGroup, instr *Instrument, materials map[string]*PlaneData, cfg SolverConfig) (*CompositeCalibration, error) {
	if err := EnrichPickData(picks, instr, materials); err != nil {
		return nil, err
	}

	cc, err := NewCompositeCalibration(picks, instr)
	if err != nil {
		return nil, err
	}

	x0 := cc.ReducedParams()
	log.Printf("calibration: %d calibrators, %d/%d active parameters",
		len(cc.Calibrators), len(x0), len(cc.FullParams()))

	result, err := SolveLM(func(p []float64) ([]float64, error) {
		return cc.Residual(p, picks)
	}, x0, cfg)
	if err != nil {
		return nil, fmt.Errorf("calibration solve: %w", err)
	}

	// Final scatter so the instrument and calibrators hold the refined values.
	if _, err := cc.Residual(result.Params, picks); err != nil {
		return nil, err
	}
	cc.Result = result

	log.Printf("calibration: %s after %d iterations, cost %.6g",
		result.Message, result.Iterations, result.Cost)
	return cc, nil
}
