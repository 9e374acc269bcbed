package diffract

import (
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestSolveLMLinear(t *testing.T) {
	fn := func(p []float64) ([]float64, error) {
		return []float64{p[0] - 3, 2 * (p[1] + 1)}, nil
	}

	result, err := SolveLM(fn, []float64{0, 0}, DefaultSolverConfig())
	if err != nil {
		t.Fatalf("SolveLM: %v", err)
	}
	if !result.Converged {
		t.Fatalf("did not converge: %s", result.Message)
	}
	if !almostEqual(result.Params[0], 3, 1e-8) || !almostEqual(result.Params[1], -1, 1e-8) {
		t.Errorf("Params = %v, want [3 -1]", result.Params)
	}
	if result.Cost > 1e-12 {
		t.Errorf("Cost = %g, want ~0", result.Cost)
	}
}

func TestSolveLMExponentialFit(t *testing.T) {
	// Recover (a, b) of a·exp(b·t) from noiseless samples.
	ts := []float64{0, 0.5, 1, 1.5, 2, 3}
	truth := []float64{2.0, 0.5}
	obs := make([]float64, len(ts))
	for i, x := range ts {
		obs[i] = truth[0] * math.Exp(truth[1]*x)
	}

	fn := func(p []float64) ([]float64, error) {
		res := make([]float64, len(ts))
		for i, x := range ts {
			res[i] = p[0]*math.Exp(p[1]*x) - obs[i]
		}
		return res, nil
	}

	result, err := SolveLM(fn, []float64{1, 0.1}, DefaultSolverConfig())
	if err != nil {
		t.Fatalf("SolveLM: %v", err)
	}
	if !result.Converged {
		t.Fatalf("did not converge: %s", result.Message)
	}
	if !almostEqual(result.Params[0], truth[0], 1e-6) || !almostEqual(result.Params[1], truth[1], 1e-6) {
		t.Errorf("Params = %v, want %v", result.Params, truth)
	}
}

func TestSolveLMNoFreeParameters(t *testing.T) {
	result, err := SolveLM(func(p []float64) ([]float64, error) {
		return []float64{1, 2}, nil
	}, nil, DefaultSolverConfig())
	if err != nil {
		t.Fatalf("SolveLM: %v", err)
	}
	if !result.Converged || result.Message != "no free parameters" {
		t.Errorf("result = %+v, want converged with no free parameters", result)
	}
	if !almostEqual(result.Cost, 5, epsilon) {
		t.Errorf("Cost = %g, want 5", result.Cost)
	}
	if result.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", result.Iterations)
	}
}

func TestSolveLMEmptyResidual(t *testing.T) {
	_, err := SolveLM(func(p []float64) ([]float64, error) {
		return nil, nil
	}, []float64{1}, DefaultSolverConfig())
	if err == nil || !strings.Contains(err.Error(), "no entries") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSolveLMResidualError(t *testing.T) {
	wantErr := fmt.Errorf("detector offline")
	_, err := SolveLM(func(p []float64) ([]float64, error) {
		return nil, wantErr
	}, []float64{1}, DefaultSolverConfig())
	if err == nil || !strings.Contains(err.Error(), "detector offline") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSolveLMResidualLengthChange(t *testing.T) {
	calls := 0
	fn := func(p []float64) ([]float64, error) {
		calls++
		if calls > 1 {
			return []float64{p[0]}, nil
		}
		return []float64{p[0], p[0]}, nil
	}

	_, err := SolveLM(fn, []float64{1}, DefaultSolverConfig())
	if err == nil || !strings.Contains(err.Error(), "residual length changed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSolveLMIterationLimit(t *testing.T) {
	cfg := SolverConfig{
		MaxIterations: 1,
		InitialDamp:   1e-3,
		DampUp:        10,
		DampDown:      0.1,
		FDStep:        1e-6,
		// Zero tolerances: no accepted step can satisfy them.
	}

	fn := func(p []float64) ([]float64, error) {
		return []float64{p[0]*p[0] - 2}, nil
	}
	result, err := SolveLM(fn, []float64{5}, cfg)
	if err != nil {
		t.Fatalf("SolveLM: %v", err)
	}
	if result.Converged {
		t.Error("converged within one iteration of a nonlinear problem")
	}
	if result.Message != "iteration limit reached" {
		t.Errorf("Message = %q, want iteration limit reached", result.Message)
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
	if result.Cost >= 23*23 {
		t.Errorf("Cost = %g, want below the starting cost", result.Cost)
	}
}

func TestDefaultSolverConfig(t *testing.T) {
	cfg := DefaultSolverConfig()
	if cfg.MaxIterations != 200 {
		t.Errorf("MaxIterations = %d, want 200", cfg.MaxIterations)
	}
	if cfg.DampUp <= 1 || cfg.DampDown >= 1 {
		t.Errorf("damping schedule %g/%g is not a widening/narrowing pair", cfg.DampUp, cfg.DampDown)
	}
}
