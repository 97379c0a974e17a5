// Package dfogn implements a derivative-free Gauss-Newton trust-region
// solver for bound-constrained nonlinear least squares. The residual
// Jacobian is estimated without derivatives from a linear interpolation
// model over n+1 sample points whose geometry the solver actively
// maintains.
package dfogn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/TARN/internal/solver"
)

// errBudget signals the evaluation budget ran out mid-operation.
// Internal: the controller turns it into a MAX_EVALUATIONS_REACHED exit.
var errBudget = errors.New("evaluation budget exhausted")

// errNonFinite signals a NaN/Inf residual from the evaluator.
var errNonFinite = errors.New("non-finite residual")

// Solver runs the derivative-free Gauss-Newton trust-region loop. It is
// single-threaded; the evaluator is called sequentially and the state is
// owned exclusively by the running Solve call.
type Solver struct {
	eval   solver.Evaluator
	bounds *solver.Bounds
	opts   solver.Options
	logger *zap.Logger

	set     *interpSet
	radius  float64
	evals   int
	m       int // residual dimension, fixed by the first evaluation
	jac     *mat.Dense
	history []solver.Evaluation
	start   time.Time
}

// New creates a solver for the given evaluator, box bounds (nil for an
// unconstrained problem) and options. Zero-valued options are filled
// with defaults; inconsistent ones are rejected here, before any
// evaluator call. A nil logger disables engine logging.
func New(eval solver.Evaluator, bounds *solver.Bounds, opts solver.Options, logger *zap.Logger) (*Solver, error) {
	if eval == nil {
		return nil, solver.WrapError(solver.ErrInvalidConfiguration, "evaluator must not be nil")
	}
	opts = opts.Complete()
	if err := opts.Validate(); err != nil {
		return nil, solver.WrapError(solver.ErrInvalidConfiguration, err.Error())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{
		eval:   eval,
		bounds: bounds,
		opts:   opts,
		logger: logger.Named("dfogn"),
	}, nil
}

// Solve is a convenience wrapper constructing a Solver and running it.
func Solve(ctx context.Context, eval solver.Evaluator, x0 []float64, bounds *solver.Bounds, opts solver.Options) (*solver.Result, error) {
	s, err := New(eval, bounds, opts, nil)
	if err != nil {
		return &solver.Result{
			X:       append([]float64(nil), x0...),
			Status:  solver.StatusInvalidConfiguration,
			Message: err.Error(),
		}, err
	}
	return s.Run(ctx, x0)
}

// History returns the per-evaluation record of the last run.
func (s *Solver) History() []solver.Evaluation {
	return s.history
}

// Evaluations returns the number of evaluator calls charged so far.
func (s *Solver) Evaluations() int {
	return s.evals
}

// Run executes the solve from the starting point x0. A Result is always
// returned, carrying the best valid point seen even on failure exits;
// the error is non-nil exactly when the status is a failure.
func (s *Solver) Run(ctx context.Context, x0 []float64) (*solver.Result, error) {
	n := len(x0)
	if n == 0 {
		err := solver.WrapError(solver.ErrInvalidConfiguration, "empty starting point")
		return &solver.Result{Status: solver.StatusInvalidConfiguration, Message: err.Error()}, err
	}
	if err := s.bounds.Validate(n); err != nil {
		wrapped := solver.WrapError(solver.ErrInvalidConfiguration, err.Error())
		return &solver.Result{
			X:       append([]float64(nil), x0...),
			Status:  solver.StatusInvalidConfiguration,
			Message: wrapped.Error(),
		}, wrapped
	}

	s.radius = s.opts.InitialRadius
	s.evals = 0
	s.history = s.history[:0]
	s.jac = nil
	s.start = time.Now()

	start := s.bounds.Clip(append([]float64(nil), x0...))

	// The interpolation directions are computed up front so a degenerate
	// box is reported before the evaluator is ever called.
	dirs, err := initialDirections(start, s.radius, s.bounds)
	if err != nil {
		return &solver.Result{
			X:       start,
			Status:  solver.StatusInvalidConfiguration,
			Message: err.Error(),
		}, err
	}

	center, err := s.evaluate(start)
	if err != nil {
		return s.failedBeforeModel(start, err)
	}
	s.set = newInterpSet(center)
	s.set.setCenter(center)

	s.logger.Info("starting solve",
		zap.Int("dimension", n),
		zap.Int("residuals", s.m),
		zap.Float64("initial_radius", s.radius),
		zap.Int("max_evaluations", s.opts.MaxEvaluations),
	)

	for _, d := range dirs {
		p, err := s.evaluate(d)
		if err != nil {
			if errors.Is(err, errBudget) {
				return s.finish(solver.StatusMaxEvaluations, "evaluation budget exhausted during initialization"), nil
			}
			return s.failedBeforeModel(start, err)
		}
		s.set.add(p)
	}
	s.set.promoteBest()

	return s.loop(ctx)
}

// loop is the controller state machine: build model, solve subproblem,
// evaluate the trial step, accept or reject, repair geometry as needed.
func (s *Solver) loop(ctx context.Context) (*solver.Result, error) {
	for {
		if res, err, done := s.checkTermination(ctx); done {
			return res, err
		}

		mdl, err := s.buildWithGeometryFix()
		if err != nil {
			if errors.Is(err, errBudget) {
				return s.finish(solver.StatusMaxEvaluations, "evaluation budget exhausted"), nil
			}
			return s.fatal(err)
		}
		s.jac = mdl.jac

		step, predicted, err := solveSubproblem(mdl, s.radius, s.bounds, s.logger)
		if err != nil {
			return s.fatal(err)
		}
		if predicted <= 0 {
			// The model offers no descent at this radius. Shrink and,
			// when the geometry has also gone stale, let the next
			// build trigger a repair.
			s.radius *= s.opts.GammaDec
			s.logger.Debug("no useful step, shrinking radius",
				zap.Float64("radius", s.radius))
			continue
		}

		trial := append([]float64(nil), s.set.center.x...)
		for i := range trial {
			trial[i] += step[i]
		}
		s.bounds.Clip(trial)

		p, err := s.evaluate(trial)
		if err != nil {
			switch {
			case errors.Is(err, errBudget):
				return s.finish(solver.StatusMaxEvaluations, "evaluation budget exhausted"), nil
			case errors.Is(err, errNonFinite) && s.opts.NoiseTolerant:
				// Policy: treat the bad point as a rejected step.
				s.radius *= s.opts.GammaDec
				s.logger.Warn("non-finite residual, rejecting step",
					zap.Float64("radius", s.radius))
				continue
			default:
				return s.fatal(err)
			}
		}

		rho := (s.set.center.f - p.f) / predicted

		switch {
		case rho >= s.opts.EtaGood:
			s.set.recenter(p)
			s.radius = math.Min(s.opts.GammaInc*s.radius, s.opts.MaxRadius)
			s.logger.Debug("step accepted, growing radius",
				zap.Float64("rho", rho),
				zap.Float64("objective", p.f),
				zap.Float64("radius", s.radius),
			)
		case rho >= s.opts.EtaBad:
			s.set.recenter(p)
			s.logger.Debug("step accepted",
				zap.Float64("rho", rho),
				zap.Float64("objective", p.f),
			)
		default:
			s.radius *= s.opts.GammaDec
			incorporated := s.set.tryIncorporate(p, s.radius)
			s.logger.Debug("step rejected, shrinking radius",
				zap.Float64("rho", rho),
				zap.Float64("radius", s.radius),
				zap.Bool("incorporated", incorporated),
			)
			// A rejection with satellites far outside the shrunken
			// region usually means the model went stale, not that the
			// region is wrong. Pull the farthest point back in.
			if s.set.maxDistance() > 2*s.radius {
				if res, err, done := s.refreshGeometry(); done {
					return res, err
				}
			}
		}
	}
}

// refreshGeometry replaces the farthest satellite with a point one
// radius from the center, spending one evaluation. done=true carries a
// terminal result out of the loop.
func (s *Solver) refreshGeometry() (*solver.Result, error, bool) {
	idx, x, ok := s.set.refreshPoint(s.radius, s.bounds)
	if !ok {
		return nil, nil, false
	}
	p, err := s.evaluate(x)
	if err != nil {
		switch {
		case errors.Is(err, errBudget):
			return s.finish(solver.StatusMaxEvaluations, "evaluation budget exhausted"), nil, true
		case errors.Is(err, errNonFinite) && s.opts.NoiseTolerant:
			return nil, nil, false
		default:
			res, ferr := s.fatal(err)
			return res, ferr, true
		}
	}
	s.set.replace(idx, p)
	s.set.promoteBest()
	return nil, nil, false
}

// buildWithGeometryFix builds the residual model, running at most one
// geometry-improvement evaluation when the set is flagged as degraded.
// If the fix does not restore conditioning the model is force-built via
// the least-squares fallback rather than stalling.
func (s *Solver) buildWithGeometryFix() (*model, error) {
	mdl, err := buildModel(s.set, s.radius, s.opts, false, s.logger)
	if err == nil {
		return mdl, nil
	}
	if !errors.Is(err, errGeometryDegraded) {
		return nil, err
	}

	idx, x, ok := s.set.improvementPoint(s.radius, s.bounds)
	if ok {
		s.logger.Debug("geometry degraded, replacing interpolation point",
			zap.Int("index", idx),
			zap.Float64("poisedness", s.set.poisedness(s.radius)),
		)
		p, err := s.evaluate(x)
		if err != nil {
			if errors.Is(err, errNonFinite) && s.opts.NoiseTolerant {
				// Leave the set untouched; the forced build below
				// still makes progress.
				s.logger.Warn("non-finite residual during geometry repair")
			} else {
				return nil, err
			}
		} else {
			s.set.replace(idx, p)
			s.set.promoteBest()
		}
	}

	mdl, err = buildModel(s.set, s.radius, s.opts, false, s.logger)
	if err == nil {
		return mdl, nil
	}
	if !errors.Is(err, errGeometryDegraded) {
		return nil, err
	}
	return buildModel(s.set, s.radius, s.opts, true, s.logger)
}

// checkTermination evaluates every exit condition checked between
// iterations. done=false means the loop continues.
func (s *Solver) checkTermination(ctx context.Context) (*solver.Result, error, bool) {
	if err := ctx.Err(); err != nil {
		return s.finish(solver.StatusCancelled, "solve cancelled by caller"), err, true
	}
	if s.set.center.f <= s.opts.ObjectiveTol {
		return s.finish(solver.StatusSmallObjective,
			fmt.Sprintf("objective %.3e below tolerance %.3e", s.set.center.f, s.opts.ObjectiveTol)), nil, true
	}
	if s.radius < s.opts.MinRadius {
		return s.finish(solver.StatusSmallRadius,
			fmt.Sprintf("trust-region radius %.3e below minimum %.3e", s.radius, s.opts.MinRadius)), nil, true
	}
	if s.evals >= s.opts.MaxEvaluations {
		return s.finish(solver.StatusMaxEvaluations, "evaluation budget exhausted"), nil, true
	}
	if s.opts.MaxDuration > 0 && time.Since(s.start) > s.opts.MaxDuration {
		return s.finish(solver.StatusMaxDuration, "wall-clock budget exhausted"), nil, true
	}
	return nil, nil, false
}

// evaluate charges one evaluator call against the budget. The returned
// error is errBudget when no budget remains (the evaluator is not
// called), errNonFinite for NaN/Inf residuals, or an evaluator error.
func (s *Solver) evaluate(x []float64) (point, error) {
	if s.evals >= s.opts.MaxEvaluations {
		return point{}, errBudget
	}

	r, err := s.eval(x)
	s.evals++
	if err != nil {
		return point{}, solver.WrapErrorf(solver.ErrEvaluator, "evaluator returned error: %v", err)
	}
	if s.m == 0 {
		if len(r) == 0 {
			return point{}, solver.WrapError(solver.ErrEvaluator, "evaluator returned empty residual vector")
		}
		s.m = len(r)
	} else if len(r) != s.m {
		return point{}, solver.WrapErrorf(solver.ErrEvaluator,
			"residual dimension changed from %d to %d", s.m, len(r))
	}

	var f float64
	for _, v := range r {
		f += v * v
	}
	if !isFinite(r) || math.IsNaN(f) || math.IsInf(f, 0) {
		return point{}, errNonFinite
	}

	p := clonePoint(x, r, f)
	s.history = append(s.history, solver.Evaluation{
		Index:     s.evals - 1,
		X:         append([]float64(nil), x...),
		Residuals: append([]float64(nil), r...),
		Objective: f,
	})
	return p, nil
}

// finish assembles the immutable result record from the current state.
func (s *Solver) finish(status solver.ExitStatus, msg string) *solver.Result {
	best := s.set.bestPoint()
	res := &solver.Result{
		X:           append([]float64(nil), best.x...),
		Objective:   best.f,
		Residuals:   append([]float64(nil), best.r...),
		Jacobian:    s.jac,
		Evaluations: s.evals,
		Status:      status,
		Message:     msg,
	}
	s.logger.Info("solve finished",
		zap.String("status", status.String()),
		zap.Float64("objective", res.Objective),
		zap.Int("evaluations", res.Evaluations),
		zap.Float64("radius", s.radius),
	)
	return res
}

// fatal maps an unrecoverable error to a FATAL_NUMERICAL_ERROR exit
// while still returning the best valid point seen.
func (s *Solver) fatal(err error) (*solver.Result, error) {
	if errors.Is(err, errNonFinite) {
		err = solver.WrapError(solver.ErrEvaluator, "evaluator returned non-finite residual")
	}
	res := s.finish(solver.StatusNumericalError, err.Error())
	return res, err
}

// failedBeforeModel handles evaluator failures during initialization,
// before the interpolation set exists.
func (s *Solver) failedBeforeModel(x []float64, err error) (*solver.Result, error) {
	if errors.Is(err, errNonFinite) {
		err = solver.WrapError(solver.ErrEvaluator, "evaluator returned non-finite residual")
	}
	res := &solver.Result{
		X:           append([]float64(nil), x...),
		Objective:   math.Inf(1),
		Evaluations: s.evals,
		Status:      solver.StatusNumericalError,
		Message:     err.Error(),
	}
	if s.set != nil && len(s.set.center.x) > 0 {
		best := s.set.bestPoint()
		res.X = append([]float64(nil), best.x...)
		res.Objective = best.f
		res.Residuals = append([]float64(nil), best.r...)
	}
	s.logger.Error("solve failed during initialization", zap.Error(err))
	return res, err
}
