package solver

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Evaluator maps an n-dimensional point to the m-dimensional residual
// vector. The objective minimized by the solver is the sum of squared
// residuals. Implementations may be noisy or expensive; the solver calls
// them sequentially and never retries a failed call.
type Evaluator func(x []float64) ([]float64, error)

// Bounds describes a box constraint a <= x <= b. A nil *Bounds means the
// problem is unconstrained. Individual entries may be -Inf/+Inf.
type Bounds struct {
	Lower []float64
	Upper []float64
}

// NewBounds returns box bounds over the given vectors. Both slices must
// have the same length; validation against a concrete dimension happens
// in Options/solve setup.
func NewBounds(lower, upper []float64) *Bounds {
	return &Bounds{
		Lower: append([]float64(nil), lower...),
		Upper: append([]float64(nil), upper...),
	}
}

// Validate checks the bounds against problem dimension n.
func (b *Bounds) Validate(n int) error {
	if b == nil {
		return nil
	}
	if len(b.Lower) != n || len(b.Upper) != n {
		return NewErrorf("bounds dimension mismatch: lower %d, upper %d, want %d",
			len(b.Lower), len(b.Upper), n)
	}
	for i := range b.Lower {
		if b.Lower[i] > b.Upper[i] {
			return NewErrorf("bounds inverted at index %d: [%g, %g]", i, b.Lower[i], b.Upper[i])
		}
	}
	return nil
}

// Lo returns the lower bound for coordinate i (-Inf when unbounded).
func (b *Bounds) Lo(i int) float64 {
	if b == nil {
		return math.Inf(-1)
	}
	return b.Lower[i]
}

// Hi returns the upper bound for coordinate i (+Inf when unbounded).
func (b *Bounds) Hi(i int) float64 {
	if b == nil {
		return math.Inf(1)
	}
	return b.Upper[i]
}

// Clip projects x into the box in place and returns it.
func (b *Bounds) Clip(x []float64) []float64 {
	if b == nil {
		return x
	}
	for i := range x {
		x[i] = math.Max(b.Lower[i], math.Min(x[i], b.Upper[i]))
	}
	return x
}

// Contains reports whether x lies inside the box.
func (b *Bounds) Contains(x []float64) bool {
	if b == nil {
		return true
	}
	for i := range x {
		if x[i] < b.Lower[i] || x[i] > b.Upper[i] {
			return false
		}
	}
	return true
}

// Options contains the tunable parameters of the trust-region loop.
// Zero values are replaced by defaults in Complete.
type Options struct {
	// InitialRadius is the starting trust-region radius.
	InitialRadius float64

	// MinRadius terminates the run once the radius shrinks below it.
	MinRadius float64

	// MaxRadius caps trust-region growth.
	MaxRadius float64

	// MaxEvaluations bounds the number of evaluator calls.
	MaxEvaluations int

	// MaxDuration bounds wall-clock time, checked between iterations.
	// Zero means no time limit.
	MaxDuration time.Duration

	// ObjectiveTol declares success when the sum of squares drops below it.
	ObjectiveTol float64

	// EtaGood is the reduction ratio above which the radius grows.
	EtaGood float64

	// EtaBad is the reduction ratio below which a step is rejected.
	EtaBad float64

	// GammaInc and GammaDec scale the radius on very successful and
	// rejected steps respectively.
	GammaInc float64
	GammaDec float64

	// PoisednessThreshold flags interpolation geometry as degraded when
	// the minimum scaled singular value of the displacement matrix drops
	// below it.
	PoisednessThreshold float64

	// ConditionCeiling rejects residual models built from displacement
	// systems with a larger condition number.
	ConditionCeiling float64

	// NoiseTolerant treats NaN/Inf residuals as a rejected step with a
	// radius shrink instead of a fatal numerical error.
	NoiseTolerant bool
}

// DefaultOptions returns the standard trust-region constants.
func DefaultOptions() Options {
	return Options{
		InitialRadius:       0.1,
		MinRadius:           1e-8,
		MaxRadius:           1e3,
		MaxEvaluations:      1000,
		ObjectiveTol:        1e-12,
		EtaGood:             0.7,
		EtaBad:              0.1,
		GammaInc:            2.0,
		GammaDec:            0.5,
		PoisednessThreshold: 1e-2,
		ConditionCeiling:    1e8,
	}
}

// Complete fills zero-valued fields with defaults and returns the result.
func (o Options) Complete() Options {
	def := DefaultOptions()
	if o.InitialRadius == 0 {
		o.InitialRadius = def.InitialRadius
	}
	if o.MinRadius == 0 {
		o.MinRadius = def.MinRadius
	}
	if o.MaxRadius == 0 {
		o.MaxRadius = def.MaxRadius
	}
	if o.MaxEvaluations == 0 {
		o.MaxEvaluations = def.MaxEvaluations
	}
	if o.ObjectiveTol == 0 {
		o.ObjectiveTol = def.ObjectiveTol
	}
	if o.EtaGood == 0 {
		o.EtaGood = def.EtaGood
	}
	if o.EtaBad == 0 {
		o.EtaBad = def.EtaBad
	}
	if o.GammaInc == 0 {
		o.GammaInc = def.GammaInc
	}
	if o.GammaDec == 0 {
		o.GammaDec = def.GammaDec
	}
	if o.PoisednessThreshold == 0 {
		o.PoisednessThreshold = def.PoisednessThreshold
	}
	if o.ConditionCeiling == 0 {
		o.ConditionCeiling = def.ConditionCeiling
	}
	return o
}

// Validate checks option consistency. It assumes Complete has run.
func (o Options) Validate() error {
	if o.InitialRadius <= 0 || math.IsInf(o.InitialRadius, 0) || math.IsNaN(o.InitialRadius) {
		return NewErrorf("initial radius must be positive and finite, got %g", o.InitialRadius)
	}
	if o.MinRadius <= 0 || o.MinRadius > o.InitialRadius {
		return NewErrorf("minimum radius must satisfy 0 < min <= initial, got min=%g initial=%g",
			o.MinRadius, o.InitialRadius)
	}
	if o.MaxRadius < o.InitialRadius {
		return NewErrorf("maximum radius %g smaller than initial radius %g", o.MaxRadius, o.InitialRadius)
	}
	if o.MaxEvaluations < 1 {
		return NewErrorf("evaluation budget must be at least 1, got %d", o.MaxEvaluations)
	}
	if o.EtaBad <= 0 || o.EtaGood <= o.EtaBad || o.EtaGood >= 1 {
		return NewErrorf("acceptance ratios must satisfy 0 < eta_bad < eta_good < 1, got bad=%g good=%g",
			o.EtaBad, o.EtaGood)
	}
	if o.GammaDec <= 0 || o.GammaDec >= 1 {
		return NewErrorf("shrink factor must lie in (0, 1), got %g", o.GammaDec)
	}
	if o.GammaInc <= 1 {
		return NewErrorf("growth factor must exceed 1, got %g", o.GammaInc)
	}
	if o.PoisednessThreshold <= 0 || o.PoisednessThreshold >= 1 {
		return NewErrorf("poisedness threshold must lie in (0, 1), got %g", o.PoisednessThreshold)
	}
	if o.ConditionCeiling <= 1 {
		return NewErrorf("condition ceiling must exceed 1, got %g", o.ConditionCeiling)
	}
	return nil
}

// ExitStatus enumerates the reasons a solve run terminates.
type ExitStatus int

const (
	// StatusSmallObjective indicates the objective reached ObjectiveTol.
	StatusSmallObjective ExitStatus = iota

	// StatusSmallRadius indicates the trust region collapsed below
	// MinRadius, the usual local-convergence exit.
	StatusSmallRadius

	// StatusMaxEvaluations indicates the evaluation budget ran out.
	StatusMaxEvaluations

	// StatusMaxDuration indicates the wall-clock budget ran out.
	StatusMaxDuration

	// StatusNumericalError indicates an unrecoverable numerical failure,
	// including NaN/Inf residuals from the evaluator.
	StatusNumericalError

	// StatusInvalidConfiguration indicates the run never started because
	// the options, bounds or starting point were rejected.
	StatusInvalidConfiguration

	// StatusCancelled indicates the caller cancelled the context.
	StatusCancelled
)

// String returns the wire/log name of the status.
func (s ExitStatus) String() string {
	switch s {
	case StatusSmallObjective:
		return "SUCCESS_SMALL_OBJECTIVE"
	case StatusSmallRadius:
		return "SUCCESS_SMALL_RADIUS"
	case StatusMaxEvaluations:
		return "MAX_EVALUATIONS_REACHED"
	case StatusMaxDuration:
		return "MAX_DURATION_REACHED"
	case StatusNumericalError:
		return "FATAL_NUMERICAL_ERROR"
	case StatusInvalidConfiguration:
		return "INVALID_CONFIGURATION"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Success reports whether the status represents a converged run.
func (s ExitStatus) Success() bool {
	return s == StatusSmallObjective || s == StatusSmallRadius
}

// Evaluation records a single evaluator call.
type Evaluation struct {
	Index     int
	X         []float64
	Residuals []float64
	Objective float64
}

// Result is the immutable record returned by a solve run.
type Result struct {
	// X is the best point found.
	X []float64

	// Objective is the sum of squared residuals at X.
	Objective float64

	// Residuals is the residual vector at X, nil if no evaluation
	// succeeded.
	Residuals []float64

	// Jacobian is the final interpolation-based Jacobian approximation,
	// m x n, nil when the run ended before a model was built.
	Jacobian *mat.Dense

	// Evaluations is the number of evaluator calls charged.
	Evaluations int

	// Status is the enumerated exit condition.
	Status ExitStatus

	// Message is a human-readable description of the exit condition.
	Message string
}
