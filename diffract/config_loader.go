package diffract

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration. Solver settings fall back to
// DefaultSolverConfig for zero fields; MQTT is optional.
type Config struct {
	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"clientId"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topicPrefix"`
	} `yaml:"mqtt"`
	Solver SolverConfig `yaml:"solver"`
}

// LoadConfig loads the application configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	def := DefaultSolverConfig()
	if config.Solver.MaxIterations == 0 {
		config.Solver.MaxIterations = def.MaxIterations
	}
	if config.Solver.Ftol == 0 {
		config.Solver.Ftol = def.Ftol
	}
	if config.Solver.Xtol == 0 {
		config.Solver.Xtol = def.Xtol
	}
	if config.Solver.InitialDamp == 0 {
		config.Solver.InitialDamp = def.InitialDamp
	}
	if config.Solver.DampUp == 0 {
		config.Solver.DampUp = def.DampUp
	}
	if config.Solver.DampDown == 0 {
		config.Solver.DampDown = def.DampDown
	}
	if config.Solver.FDStep == 0 {
		config.Solver.FDStep = def.FDStep
	}

	return &config, nil
}

// panelConfig is the on-disk form of a detector panel. Tilts are degrees.
type panelConfig struct {
	Rows        int               `yaml:"rows"`
	Cols        int               `yaml:"cols"`
	PixelSize   [2]float64        `yaml:"pixelSize"`
	Tilt        [3]float64        `yaml:"tilt"`
	Translation [3]float64        `yaml:"translation"`
	Distortion  *RadialDistortion `yaml:"distortion,omitempty"`
	Refine      *panelRefine      `yaml:"refine,omitempty"`
}

type panelRefine struct {
	Tilt        [3]bool `yaml:"tilt"`
	Translation [3]bool `yaml:"translation"`
	Distortion  [2]bool `yaml:"distortion,omitempty"`
}

type instrumentConfig struct {
	BeamEnergy float64                `yaml:"beamEnergy"`
	Detectors  map[string]panelConfig `yaml:"detectors"`
}

// LoadInstrument loads an instrument definition from a YAML file. Tilt angles
// on disk are degrees; the in-memory instrument uses radians.
func LoadInstrument(path string) (*Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading instrument file: %w", err)
	}

	var ic instrumentConfig
	if err := yaml.Unmarshal(data, &ic); err != nil {
		return nil, fmt.Errorf("parsing instrument YAML: %w", err)
	}
	if ic.BeamEnergy <= 0 {
		return nil, fmt.Errorf("instrument beamEnergy must be positive, got %g", ic.BeamEnergy)
	}
	if len(ic.Detectors) == 0 {
		return nil, fmt.Errorf("instrument defines no detectors")
	}

	panels := make([]*Panel, 0, len(ic.Detectors))
	for id, pc := range ic.Detectors {
		if pc.Rows <= 0 || pc.Cols <= 0 {
			return nil, fmt.Errorf("detector %s: rows and cols must be positive", id)
		}
		if pc.PixelSize[0] <= 0 || pc.PixelSize[1] <= 0 {
			return nil, fmt.Errorf("detector %s: pixelSize must be positive", id)
		}
		panels = append(panels, &Panel{
			ID:         id,
			Rows:       pc.Rows,
			Cols:       pc.Cols,
			PixelSizeX: pc.PixelSize[0],
			PixelSizeY: pc.PixelSize[1],
			Tilt: [3]float64{
				Radians(pc.Tilt[0]),
				Radians(pc.Tilt[1]),
				Radians(pc.Tilt[2]),
			},
			Translation: pc.Translation,
			Distortion:  pc.Distortion,
		})
	}

	instr := NewInstrument(ic.BeamEnergy, panels...)

	// Assemble flags in the instrument's own (sorted) parameter order.
	flags := make([]bool, 0, instr.NumCalibrationParameters())
	for _, id := range instr.DetectorIDs() {
		pc := ic.Detectors[id]
		if pc.Refine == nil {
			for i := 0; i < instr.Detectors[id].paramCount(); i++ {
				flags = append(flags, true)
			}
			continue
		}
		flags = append(flags, pc.Refine.Tilt[:]...)
		flags = append(flags, pc.Refine.Translation[:]...)
		if pc.Distortion != nil {
			flags = append(flags, pc.Refine.Distortion[:]...)
		}
	}
	if err := instr.SetCalibrationFlags(flags); err != nil {
		return nil, err
	}

	return instr, nil
}

// SaveInstrument writes an instrument back to YAML, converting tilts to
// degrees. Refinement flags are preserved.
func SaveInstrument(path string, instr *Instrument) error {
	ic := instrumentConfig{
		BeamEnergy: instr.BeamEnergy,
		Detectors:  make(map[string]panelConfig, len(instr.Detectors)),
	}

	flags := instr.CalibrationFlags()
	off := 0
	for _, id := range instr.DetectorIDs() {
		p := instr.Detectors[id]
		pc := panelConfig{
			Rows:      p.Rows,
			Cols:      p.Cols,
			PixelSize: [2]float64{p.PixelSizeX, p.PixelSizeY},
			Tilt: [3]float64{
				Degrees(p.Tilt[0]),
				Degrees(p.Tilt[1]),
				Degrees(p.Tilt[2]),
			},
			Translation: p.Translation,
			Distortion:  p.Distortion,
		}

		ref := &panelRefine{}
		copy(ref.Tilt[:], flags[off:off+3])
		copy(ref.Translation[:], flags[off+3:off+6])
		if p.Distortion != nil {
			copy(ref.Distortion[:], flags[off+6:off+8])
		}
		pc.Refine = ref
		off += p.paramCount()

		ic.Detectors[id] = pc
	}

	data, err := yaml.Marshal(&ic)
	if err != nil {
		return fmt.Errorf("marshaling instrument YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing instrument file: %w", err)
	}
	return nil
}

// materialConfig is the on-disk form of one material. Lattice lengths are Å,
// lattice angles degrees.
type materialConfig struct {
	Name          string        `yaml:"name"`
	System        LatticeSystem `yaml:"system"`
	LatticeParams []float64     `yaml:"latticeParams"`
	HKLs          [][3]int      `yaml:"hkls"`
}

type materialsFile struct {
	Materials []materialConfig `yaml:"materials"`
}

// LoadMaterials loads material definitions from a YAML file into a map keyed
// by material name.
func LoadMaterials(path string) (map[string]*PlaneData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading materials file: %w", err)
	}

	var mf materialsFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parsing materials YAML: %w", err)
	}
	if len(mf.Materials) == 0 {
		return nil, fmt.Errorf("materials file defines no materials")
	}

	out := make(map[string]*PlaneData, len(mf.Materials))
	for _, mc := range mf.Materials {
		lparms := make([]float64, len(mc.LatticeParams))
		copy(lparms, mc.LatticeParams)
		for _, i := range angularLParmIndices(mc.System) {
			if i < len(lparms) {
				lparms[i] = Radians(lparms[i])
			}
		}
		pd, err := NewPlaneData(mc.Name, mc.System, lparms, mc.HKLs)
		if err != nil {
			return nil, err
		}
		if _, dup := out[mc.Name]; dup {
			return nil, fmt.Errorf("duplicate material %q", mc.Name)
		}
		out[mc.Name] = pd
	}
	return out, nil
}

// angularLParmIndices returns which free lattice parameters are angles for a
// lattice system.
func angularLParmIndices(s LatticeSystem) []int {
	switch s {
	case Rhombohedral:
		return []int{1}
	case Monoclinic:
		return []int{3}
	case Triclinic:
		return []int{3, 4, 5}
	}
	return nil
}

type picksFile struct {
	Groups []*PickGroup `json:"groups"`
}

// LoadPicks loads pick groups from a JSON file. Angular picks on disk are
// degrees; they are converted to radians on load.
func LoadPicks(path string) ([]*PickGroup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading picks file: %w", err)
	}

	var pf picksFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing picks JSON: %w", err)
	}
	if len(pf.Groups) == 0 {
		return nil, fmt.Errorf("picks file defines no groups")
	}

	for i, g := range pf.Groups {
		if g.Type != GroupTypeLaue && g.Type != GroupTypePowder {
			return nil, fmt.Errorf("group %d: unknown type %q", i, g.Type)
		}
		if g.Material == "" {
			return nil, fmt.Errorf("group %d: material is required", i)
		}
		for det, rings := range g.Picks {
			for ri, ring := range rings {
				for pi, pick := range ring {
					g.Picks[det][ri][pi] = [2]float64{Radians(pick[0]), Radians(pick[1])}
				}
			}
		}
	}
	return pf.Groups, nil
}
