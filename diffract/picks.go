package diffract

import (
	"fmt"
	"math"
)

// Pick group types. The closed set drives calibrator dispatch.
const (
	GroupTypeLaue   = "laue"
	GroupTypePowder = "powder"
)

// Refinement is one (label, active) pair controlling whether a calibrator's
// extra parameter is free to vary.
type Refinement struct {
	Label  string `json:"label" yaml:"label"`
	Active bool   `json:"active" yaml:"active"`
}

// PickOptions carries the technique-specific extras of a pick group.
type PickOptions struct {
	// Laue: the 12 grain parameters (orientation exponential map, translation
	// and inverse stretch) and the energy bandpass in keV.
	GrainParams   []float64  `json:"grainParams,omitempty" yaml:"grainParams,omitempty"`
	EnergyCutoffs [2]float64 `json:"energyCutoffs,omitempty" yaml:"energyCutoffs,omitempty"`

	// Powder: sample position offset in mm, lab frame.
	TVecSample [3]float64 `json:"tvecSample,omitempty" yaml:"tvecSample,omitempty"`
}

// PickGroup is one calibration target: a grain orientation for laue groups or
// one material's ring set for powder groups. Picks are angular (2θ, η)
// coordinates in radians, grouped per detector by ring index (powder) or
// reflection index into the material's hkl list (laue). Groups may be empty
// when a ring or reflection was not observed on a detector.
type PickGroup struct {
	Material    string                    `json:"material"`
	Type        string                    `json:"type"`
	Picks       map[string][][][2]float64 `json:"picks"`
	Options     PickOptions               `json:"options"`
	Refinements []Refinement              `json:"refinements"`

	// Derived by EnrichPickData; never serialized, recomputed on demand.
	// For laue groups every reflection slot holds exactly one row, with NaN
	// marking "no observation".
	PickXYs   map[string][][][2]float64 `json:"-"`
	PlaneData *PlaneData                `json:"-"`
}

// RefinementFlags returns the active bits of the group's refinements, in order.
func (g *PickGroup) RefinementFlags() []bool {
	out := make([]bool, len(g.Refinements))
	for i, r := range g.Refinements {
		out[i] = r.Active
	}
	return out
}

// EnrichPickData resolves each group's plane data and attaches Cartesian pixel
// coordinates computed from the angular picks, per detector panel. Groups are
// mutated in place.
func EnrichPickData(groups []*PickGroup, instr *Instrument, materials map[string]*PlaneData) error {
	for _, g := range groups {
		pd, ok := materials[g.Material]
		if !ok {
			return fmt.Errorf("pick group references unknown material %q", g.Material)
		}
		g.PlaneData = pd
		g.PickXYs = make(map[string][][][2]float64, len(g.Picks))

		for det, rings := range g.Picks {
			panel, ok := instr.Detectors[det]
			if !ok {
				return fmt.Errorf("pick group %s references unknown detector %q", g.Material, det)
			}

			switch g.Type {
			case GroupTypeLaue:
				if len(g.Options.GrainParams) != grainParamCount {
					return fmt.Errorf("laue group %s: grain parameters must have %d elements, got %d",
						g.Material, grainParamCount, len(g.Options.GrainParams))
				}
				if len(rings) != len(pd.HKLs) {
					return fmt.Errorf("laue group %s: %d reflection slots for %d hkls on %s",
						g.Material, len(rings), len(pd.HKLs), det)
				}
				tvecC := [3]float64{
					g.Options.GrainParams[3],
					g.Options.GrainParams[4],
					g.Options.GrainParams[5],
				}
				xys, err := enrichLaue(panel, rings, tvecC)
				if err != nil {
					return fmt.Errorf("laue group %s on %s: %w", g.Material, det, err)
				}
				g.PickXYs[det] = xys

			case GroupTypePowder:
				g.PickXYs[det] = enrichPowder(panel, rings, g.Options.TVecSample)

			default:
				return fmt.Errorf("unknown pick group type %q", g.Type)
			}
		}
	}
	return nil
}

// enrichLaue converts one pick per reflection slot using the grain position
// as ray origin. Empty slots become NaN rows so the no-observation marker
// survives into the calibrator; a slot holding more than one pick is an
// inconsistency in the input and is rejected.
func enrichLaue(panel *Panel, slots [][][2]float64, tvecC [3]float64) ([][][2]float64, error) {
	nan := [2]float64{math.NaN(), math.NaN()}
	out := make([][][2]float64, len(slots))
	for i, picks := range slots {
		switch len(picks) {
		case 0:
			out[i] = [][2]float64{nan}
		case 1:
			out[i] = panel.AnglesToCart(picks, tvecC)
		default:
			return nil, fmt.Errorf("reflection slot %d has %d picks, want at most one", i, len(picks))
		}
	}
	return out, nil
}

// enrichPowder converts every pick of every non-empty ring using the sample
// offset as ray origin. Rings with zero picks yield empty entries.
func enrichPowder(panel *Panel, rings [][][2]float64, tvecS [3]float64) [][][2]float64 {
	out := make([][][2]float64, len(rings))
	for i, picks := range rings {
		if len(picks) == 0 {
			out[i] = nil
			continue
		}
		out[i] = panel.AnglesToCart(picks, tvecS)
	}
	return out
}
