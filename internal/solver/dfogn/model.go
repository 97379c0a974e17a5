package dfogn

import (
	"errors"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/TARN/internal/solver"
)

// errGeometryDegraded signals that the displacement system is too
// ill-conditioned to trust a model built from it. Recoverable: the
// controller runs a geometry-improvement step and rebuilds.
var errGeometryDegraded = errors.New("interpolation geometry degraded")

// model is the affine residual approximation around the set center:
// r(center + s) ~ r0 + J*s. Rebuilt every iteration, never persisted.
type model struct {
	center []float64
	r0     []float64  // residuals at center, length m
	jac    *mat.Dense // m x n Jacobian approximation
}

// buildModel fits the linear interpolation system across the m residual
// components. Displacements are solved in radius-scaled coordinates so
// the geometry checks are invariant to the current trust-region size.
// When force is set, geometry complaints are suppressed and the
// least-squares fallback is used unconditionally; the controller resorts
// to that after a geometry fix failed to restore poisedness.
func buildModel(set *interpSet, radius float64, opts solver.Options, force bool, logger *zap.Logger) (*model, error) {
	const op = "buildModel"

	n := set.n
	m := len(set.center.r)

	d := set.displacements(radius)

	var svd mat.SVD
	if !svd.Factorize(d, mat.SVDThin) {
		return nil, solver.WrapError(errGeometryDegraded, op)
	}
	sv := svd.Values(nil)
	smax, smin := sv[0], sv[len(sv)-1]

	if !force {
		cond := math.Inf(1)
		if smin > 0 {
			cond = smax / smin
		}
		if smin < opts.PoisednessThreshold || cond > opts.ConditionCeiling {
			logger.Debug("rejecting model, interpolation geometry degraded",
				zap.Float64("condition_number", cond),
				zap.Float64("min_singular_value", smin),
			)
			return nil, solver.WrapError(errGeometryDegraded, op)
		}
	}

	// Right-hand side: residual differences per component, in the same
	// scaled coordinates as d.
	rhs := mat.NewDense(n, m, nil)
	for i, p := range set.sat {
		for j := 0; j < m; j++ {
			rhs.Set(i, j, p.r[j]-set.center.r[j])
		}
	}

	// g solves d * g = rhs; row j of the Jacobian is column j of g,
	// un-scaled back by the radius.
	var g mat.Dense
	if err := g.Solve(d, rhs); err != nil {
		// Singular square system: fall back to a minimum-norm
		// least-squares solution through the SVD.
		logger.Debug("interpolation solve singular, using pseudo-inverse",
			zap.Error(err),
			zap.Float64("min_singular_value", smin),
		)
		rank := effectiveRank(sv)
		if rank == 0 {
			return nil, solver.WrapError(solver.ErrNumerical, op)
		}
		svd.SolveTo(&g, rhs, rank)
	}

	jac := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			jac.Set(i, j, g.At(j, i)/radius)
		}
	}

	return &model{
		center: append([]float64(nil), set.center.x...),
		r0:     append([]float64(nil), set.center.r...),
		jac:    jac,
	}, nil
}

// effectiveRank counts singular values above the usual relative
// threshold, for the pseudo-inverse path.
func effectiveRank(sv []float64) int {
	if len(sv) == 0 || sv[0] <= 0 {
		return 0
	}
	threshold := float64(len(sv)) * sv[0] * 1e-15
	rank := 0
	for _, s := range sv {
		if s > threshold {
			rank++
		}
	}
	return rank
}

// objective returns the model objective ||J*s + r0||^2 at step s.
func (mdl *model) objective(s []float64) float64 {
	m, _ := mdl.jac.Dims()
	js := mat.NewVecDense(m, nil)
	js.MulVec(mdl.jac, mat.NewVecDense(len(s), s))
	var sum float64
	for i := 0; i < m; i++ {
		v := js.AtVec(i) + mdl.r0[i]
		sum += v * v
	}
	return sum
}

// predictedReduction is the model decrease for step s, non-positive when
// the step does not help.
func (mdl *model) predictedReduction(s []float64) float64 {
	var at float64
	for _, r := range mdl.r0 {
		at += r * r
	}
	return at - mdl.objective(s)
}

// gradient returns J^T r0, half the gradient of the sum-of-squares
// model. The constant factor cancels everywhere it is used.
func (mdl *model) gradient() []float64 {
	m, n := mdl.jac.Dims()
	g := make([]float64, n)
	for j := 0; j < n; j++ {
		var sum float64
		for i := 0; i < m; i++ {
			sum += mdl.jac.At(i, j) * mdl.r0[i]
		}
		g[j] = sum
	}
	return g
}
