package dfogn

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/TARN/internal/solver"
)

// solveSubproblem computes a step s minimizing ||J*s + r0||^2 subject to
// ||s|| <= radius and center+s staying inside the box. Strategy: take
// the Gauss-Newton step from the damped normal equations when it is
// feasible, otherwise fall back to the better of the trust-region-scaled
// Gauss-Newton step and the projected steepest-descent (Cauchy) step.
// The returned predicted reduction is in model-objective units; zero
// means no useful step exists at this radius.
func solveSubproblem(mdl *model, radius float64, bounds *solver.Bounds, logger *zap.Logger) (step []float64, predicted float64, err error) {
	const op = "solveSubproblem"

	_, n := mdl.jac.Dims()

	grad := mdl.gradient()
	gnorm := norm(grad)
	if gnorm == 0 || math.IsNaN(gnorm) {
		// Model stationary point: nothing to gain at any radius.
		return make([]float64, n), 0, nil
	}

	gn, err := gaussNewtonStep(mdl.jac, grad, logger)
	if err != nil {
		return nil, 0, solver.WrapError(err, op)
	}

	if norm(gn) <= radius && feasibleFrom(mdl.center, gn, bounds) {
		pred := mdl.predictedReduction(gn)
		if pred > 0 {
			return gn, pred, nil
		}
	}

	// Candidate 1: Gauss-Newton direction scaled onto the feasible
	// trust-region intersection.
	tGN := math.Min(radius/norm(gn), maxFeasibleStep(mdl.center, gn, bounds))
	scaledGN := scale(gn, tGN)

	// Candidate 2: Cauchy step. Along d = -grad the model objective is
	// quadratic in t with minimizer t* = ||g||^2 / ||J g||^2.
	desc := scale(grad, -1)
	jg := make([]float64, len(mdl.r0))
	matVec(mdl.jac, grad, jg)
	jgNorm2 := dot(jg, jg)

	tStar := math.Inf(1)
	if jgNorm2 > 0 {
		tStar = dot(grad, grad) / jgNorm2
	}
	tMax := math.Min(radius/gnorm, maxFeasibleStep(mdl.center, desc, bounds))
	cauchy := scale(desc, math.Min(tStar, tMax))

	best := scaledGN
	bestPred := mdl.predictedReduction(scaledGN)
	if p := mdl.predictedReduction(cauchy); p > bestPred {
		best, bestPred = cauchy, p
	}
	if bestPred <= 0 || !isFinite(best) {
		return make([]float64, n), 0, nil
	}
	return best, bestPred, nil
}

// gaussNewtonStep solves the normal equations J^T J s = -J^T r0 by
// Cholesky, escalating a Levenberg-style damping on the diagonal until
// the factorization succeeds. Rank-deficient Jacobians therefore yield
// the damped minimum-norm solution rather than an error.
func gaussNewtonStep(jac *mat.Dense, grad []float64, logger *zap.Logger) ([]float64, error) {
	m, n := jac.Dims()

	a := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var sum float64
			for k := 0; k < m; k++ {
				sum += jac.At(k, i) * jac.At(k, j)
			}
			a.SetSym(i, j, sum)
		}
	}

	trace := 0.0
	for i := 0; i < n; i++ {
		trace += a.At(i, i)
	}
	baseDamping := math.Max(1e-14*trace/float64(n), 1e-300)

	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		b.SetVec(i, -grad[i])
	}

	damping := 0.0
	const maxAttempts = 12
	for attempt := 0; attempt < maxAttempts; attempt++ {
		damped := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				v := a.At(i, j)
				if i == j {
					v += damping
				}
				damped.SetSym(i, j, v)
			}
		}

		var chol mat.Cholesky
		if !chol.Factorize(damped) {
			if damping == 0 {
				damping = baseDamping
			} else {
				damping *= 10
			}
			logger.Debug("normal equations not positive definite, increasing damping",
				zap.Int("attempt", attempt+1),
				zap.Float64("damping", damping),
			)
			continue
		}

		s := mat.NewVecDense(n, nil)
		if err := chol.SolveVecTo(s, b); err != nil {
			if damping == 0 {
				damping = baseDamping
			} else {
				damping *= 10
			}
			continue
		}

		out := make([]float64, n)
		copy(out, s.RawVector().Data)
		if !isFinite(out) {
			return nil, solver.WrapError(solver.ErrNumerical, "gaussNewtonStep")
		}
		return out, nil
	}

	return nil, solver.WrapError(solver.ErrNumerical, "gaussNewtonStep: damping exhausted")
}

func feasibleFrom(x, s []float64, bounds *solver.Bounds) bool {
	if bounds == nil {
		return true
	}
	for i := range x {
		v := x[i] + s[i]
		if v < bounds.Lower[i] || v > bounds.Upper[i] {
			return false
		}
	}
	return true
}

func norm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func scale(v []float64, t float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = t * v[i]
	}
	return out
}

func matVec(a *mat.Dense, x, dst []float64) {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		var sum float64
		for j := 0; j < c; j++ {
			sum += a.At(i, j) * x[j]
		}
		dst[i] = sum
	}
}

func isFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
