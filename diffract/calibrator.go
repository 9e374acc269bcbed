package diffract

import "fmt"

// Output discriminators shared by the technique calibrators.
const (
	outputResidual = "residual"
	outputModel    = "model"
)

// Calibrator is one technique-specific sub-problem of a composite calibration.
// Every calibrator owns a full parameter vector made of the shared instrument
// parameters followed by its own extra parameters, with a parallel boolean
// flags vector masking which entries are free. Residual evaluation scatters a
// reduced (active-only) parameter vector into the full vector, pushes the
// instrument prefix into the shared instrument (mutating it) and compares
// observed pick positions against the technique's forward model.
type Calibrator interface {
	// Type returns the pick group type this calibrator handles.
	Type() string
	// NumExtra returns the number of extra (non-instrument) parameters.
	NumExtra() int
	// Params returns the current extra-parameter vector.
	Params() []float64
	// Flags returns the combined instrument+extra active-parameter mask.
	Flags() []bool
	// PlaneData returns the group's plane data with the wavelength forced to
	// the instrument's current beam wavelength.
	PlaneData() *PlaneData
	// Residual evaluates observed-minus-predicted for the group's picks.
	Residual(reduced []float64, group *PickGroup) ([]float64, error)
	// Model evaluates the forward-predicted positions for visualization.
	Model(reduced []float64, group *PickGroup) (map[string][][2]float64, error)
}

// countActive returns the number of true entries in a flags vector.
func countActive(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

// gatherActive returns the entries of full at the positions marked true.
func gatherActive(full []float64, flags []bool) []float64 {
	out := make([]float64, 0, countActive(flags))
	for i, f := range flags {
		if f {
			out = append(out, full[i])
		}
	}
	return out
}

// scatterActive writes reduced into full at the positions marked true.
// The scatter/gather pair is a bijection on the active-parameter subset.
func scatterActive(full []float64, flags []bool, reduced []float64) error {
	if len(full) != len(flags) {
		return fmt.Errorf("flags must have %d elements, got %d", len(full), len(flags))
	}
	want := countActive(flags)
	if len(reduced) != want {
		return fmt.Errorf("reduced parameters must have %d elements, got %d", want, len(reduced))
	}
	j := 0
	for i, f := range flags {
		if f {
			full[i] = reduced[j]
			j++
		}
	}
	return nil
}

// concatParams builds a calibrator full-parameter vector from the instrument
// prefix and an extra-parameter suffix.
func concatParams(prefix, suffix []float64) []float64 {
	out := make([]float64, 0, len(prefix)+len(suffix))
	out = append(out, prefix...)
	out = append(out, suffix...)
	return out
}
