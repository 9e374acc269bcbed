package diffract

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ResidualFunc evaluates the flat residual vector at a parameter vector. It
// must return the same residual length for every call within one solve.
type ResidualFunc func(params []float64) ([]float64, error)

// SolverConfig holds the Levenberg–Marquardt settings.
type SolverConfig struct {
	MaxIterations int     `yaml:"maxIterations" json:"maxIterations"`
	Ftol          float64 `yaml:"ftol" json:"ftol"` // relative cost-reduction tolerance
	Xtol          float64 `yaml:"xtol" json:"xtol"` // relative step tolerance
	InitialDamp   float64 `yaml:"initialDamp" json:"initialDamp"`
	DampUp        float64 `yaml:"dampUp" json:"dampUp"`
	DampDown      float64 `yaml:"dampDown" json:"dampDown"`
	FDStep        float64 `yaml:"fdStep" json:"fdStep"` // relative forward-difference step
}

// DefaultSolverConfig returns settings that converge for well-posed
// calibration problems without tuning.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		MaxIterations: 200,
		Ftol:          1e-12,
		Xtol:          1e-12,
		InitialDamp:   1e-3,
		DampUp:        10,
		DampDown:      0.1,
		FDStep:        1e-6,
	}
}

// SolverResult carries the refined parameters plus diagnostics. Callers decide
// whether to accept a non-converged fit.
type SolverResult struct {
	Params     []float64 `json:"params"`
	Residual   []float64 `json:"-"`
	Cost       float64   `json:"cost"` // sum of squared residuals
	Iterations int       `json:"iterations"`
	Converged  bool      `json:"converged"`
	Message    string    `json:"message"`
}

// SolveLM minimizes the sum of squared residuals with a Levenberg–Marquardt
// iteration: forward-difference Jacobian, damped normal equations solved via
// gonum, multiplicative damping schedule. An empty parameter vector returns
// immediately (everything fixed); an empty residual is an error.
func SolveLM(fn ResidualFunc, x0 []float64, cfg SolverConfig) (*SolverResult, error) {
	x := make([]float64, len(x0))
	copy(x, x0)

	r, err := fn(x)
	if err != nil {
		return nil, err
	}
	if len(r) == 0 {
		return nil, fmt.Errorf("residual function returned no entries")
	}
	cost := sumSquares(r)

	result := &SolverResult{Params: x, Residual: r, Cost: cost}
	if len(x) == 0 {
		result.Converged = true
		result.Message = "no free parameters"
		return result, nil
	}

	damp := cfg.InitialDamp
	m, n := len(r), len(x)

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		result.Iterations = iter + 1

		jac, err := forwardJacobian(fn, x, r, cfg.FDStep)
		if err != nil {
			return nil, err
		}

		rvec := mat.NewVecDense(m, r)
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		jtr := mat.NewVecDense(n, nil)
		jtr.MulVec(jac.T(), rvec)

		// Inner loop: grow the damping until a step reduces the cost.
		stepped := false
		for tries := 0; tries < 12; tries++ {
			a := damped(&jtj, damp)

			delta := mat.NewVecDense(n, nil)
			if err := delta.SolveVec(a, jtr); err != nil {
				damp *= cfg.DampUp
				continue
			}

			xNew := make([]float64, n)
			for i := range xNew {
				xNew[i] = x[i] - delta.AtVec(i)
			}

			rNew, err := fn(xNew)
			if err != nil {
				return nil, err
			}
			if len(rNew) != m {
				return nil, fmt.Errorf("residual length changed from %d to %d during solve", m, len(rNew))
			}
			costNew := sumSquares(rNew)

			if costNew < cost {
				// Accepted: check convergence before committing to another
				// Jacobian evaluation.
				relDrop := (cost - costNew) / math.Max(cost, 1e-300)
				maxStep := 0.0
				for i := range xNew {
					s := math.Abs(delta.AtVec(i)) / (math.Abs(x[i]) + cfg.Xtol)
					if s > maxStep {
						maxStep = s
					}
				}

				x, r, cost = xNew, rNew, costNew
				damp *= cfg.DampDown
				if damp < 1e-15 {
					damp = 1e-15
				}
				stepped = true

				result.Params = x
				result.Residual = r
				result.Cost = cost

				if relDrop < cfg.Ftol || maxStep < cfg.Xtol {
					result.Converged = true
					result.Message = "converged"
					return result, nil
				}
				break
			}
			damp *= cfg.DampUp
		}

		if !stepped {
			// Damping has grown without finding a downhill step; treat the
			// current point as a (local) minimum.
			result.Converged = true
			result.Message = "converged (no downhill step)"
			return result, nil
		}
	}

	result.Message = "iteration limit reached"
	return result, nil
}

// forwardJacobian builds the m x n Jacobian by forward differences.
func forwardJacobian(fn ResidualFunc, x, r0 []float64, relStep float64) (*mat.Dense, error) {
	if relStep <= 0 {
		relStep = 1e-6
	}
	m, n := len(r0), len(x)
	jac := mat.NewDense(m, n, nil)

	xp := make([]float64, n)
	for j := 0; j < n; j++ {
		copy(xp, x)
		h := relStep * math.Max(math.Abs(x[j]), 1)
		xp[j] += h

		rp, err := fn(xp)
		if err != nil {
			return nil, err
		}
		if len(rp) != m {
			return nil, fmt.Errorf("residual length changed from %d to %d during jacobian", m, len(rp))
		}
		for i := 0; i < m; i++ {
			jac.Set(i, j, (rp[i]-r0[i])/h)
		}
	}
	return jac, nil
}

// damped returns JᵀJ with Marquardt diagonal scaling applied.
func damped(jtj *mat.Dense, damp float64) *mat.Dense {
	n, _ := jtj.Dims()
	out := mat.DenseCopyOf(jtj)
	for i := 0; i < n; i++ {
		d := jtj.At(i, i)
		if d == 0 {
			d = 1e-12
		}
		out.Set(i, i, d*(1+damp))
	}
	return out
}

func sumSquares(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return s
}
