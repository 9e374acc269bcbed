package diffract

import (
	"fmt"
	"math"
	"time"

	"github.com/montanaflynn/stats"
)

// CalibratorStats summarizes one calibrator's residual vector after a run.
// Distances are mm in the detector plane.
type CalibratorStats struct {
	Index    int     `json:"index"`
	Type     string  `json:"type"`
	Material string  `json:"material"`
	Count    int     `json:"count"` // residual entries (2 per pick)
	RMS      float64 `json:"rms"`
	MeanAbs  float64 `json:"meanAbs"`
	Median   float64 `json:"median"`
	P90      float64 `json:"p90"`
	MaxAbs   float64 `json:"maxAbs"`
}

// CalibrationReport is the JSON-serializable outcome of a calibration run,
// served over HTTP and published to MQTT.
type CalibrationReport struct {
	Timestamp   time.Time         `json:"timestamp"`
	Converged   bool              `json:"converged"`
	Message     string            `json:"message"`
	Iterations  int               `json:"iterations"`
	Cost        float64           `json:"cost"`
	RMS         float64           `json:"rms"`
	Calibrators []CalibratorStats `json:"calibrators"`
}

// BuildReport re-evaluates each calibrator's residual at the refined
// parameters and summarizes it.
func BuildReport(cc *CompositeCalibration, groups []*PickGroup) (*CalibrationReport, error) {
	if cc.Result == nil {
		return nil, fmt.Errorf("no solver result; run the calibration first")
	}

	report := &CalibrationReport{
		Timestamp:  time.Now(),
		Converged:  cc.Result.Converged,
		Message:    cc.Result.Message,
		Iterations: cc.Result.Iterations,
		Cost:       cc.Result.Cost,
	}

	instrParams := cc.Instr.CalibrationParameters()
	ii := 0
	var all []float64
	for i, cal := range cc.Calibrators {
		npe := cal.NumExtra()
		calFull := concatParams(instrParams, cc.params[ii:ii+npe])
		r, err := cal.Residual(gatherActive(calFull, cal.Flags()), groups[i])
		if err != nil {
			return nil, fmt.Errorf("calibrator %d (%s): %w", i, cal.Type(), err)
		}
		ii += npe
		all = append(all, r...)

		cs, err := summarize(r)
		if err != nil {
			return nil, fmt.Errorf("calibrator %d (%s): %w", i, cal.Type(), err)
		}
		cs.Index = i
		cs.Type = cal.Type()
		cs.Material = groups[i].Material
		report.Calibrators = append(report.Calibrators, cs)
	}

	report.RMS = rms(all)
	return report, nil
}

func summarize(residual []float64) (CalibratorStats, error) {
	cs := CalibratorStats{Count: len(residual)}
	if len(residual) == 0 {
		return cs, nil
	}

	abs := make(stats.Float64Data, len(residual))
	for i, v := range residual {
		abs[i] = math.Abs(v)
	}

	var err error
	if cs.MeanAbs, err = stats.Mean(abs); err != nil {
		return cs, fmt.Errorf("residual mean: %w", err)
	}
	if cs.Median, err = stats.Median(abs); err != nil {
		return cs, fmt.Errorf("residual median: %w", err)
	}
	if cs.P90, err = stats.Percentile(abs, 90); err != nil {
		return cs, fmt.Errorf("residual p90: %w", err)
	}
	if cs.MaxAbs, err = stats.Max(abs); err != nil {
		return cs, fmt.Errorf("residual max: %w", err)
	}
	cs.RMS = rms(residual)
	return cs, nil
}

func rms(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return math.Sqrt(sumSquares(v) / float64(len(v)))
}
