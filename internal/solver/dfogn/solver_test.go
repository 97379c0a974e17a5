package dfogn

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/TARN/internal/solver"
)

func rosenbrockResidual(x []float64) ([]float64, error) {
	return []float64{
		10 * (x[1] - x[0]*x[0]),
		1 - x[0],
	}, nil
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		eval    solver.Evaluator
		opts    solver.Options
		wantErr bool
	}{
		{
			name: "valid configuration",
			eval: rosenbrockResidual,
			opts: solver.DefaultOptions(),
		},
		{
			name: "zero options filled with defaults",
			eval: rosenbrockResidual,
			opts: solver.Options{},
		},
		{
			name:    "nil evaluator",
			eval:    nil,
			opts:    solver.DefaultOptions(),
			wantErr: true,
		},
		{
			name:    "inverted acceptance ratios",
			eval:    rosenbrockResidual,
			opts:    solver.Options{EtaGood: 0.1, EtaBad: 0.7},
			wantErr: true,
		},
		{
			name:    "min radius above initial radius",
			eval:    rosenbrockResidual,
			opts:    solver.Options{InitialRadius: 0.01, MinRadius: 0.1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.eval, nil, tt.opts, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, solver.ErrInvalidConfiguration)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, s)
		})
	}
}

func TestSolveRosenbrock(t *testing.T) {
	res, err := Solve(context.Background(), rosenbrockResidual, []float64{-1.2, 1}, nil, solver.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, solver.StatusSmallObjective, res.Status)
	assert.True(t, res.Status.Success())
	assert.InDelta(t, 1.0, res.X[0], 1e-4)
	assert.InDelta(t, 1.0, res.X[1], 1e-4)
	assert.InDelta(t, 0.0, res.Objective, 1e-10)
	assert.LessOrEqual(t, res.Evaluations, solver.DefaultOptions().MaxEvaluations)
	require.NotNil(t, res.Jacobian)
	m, n := res.Jacobian.Dims()
	assert.Equal(t, 2, m)
	assert.Equal(t, 2, n)
}

func TestSolveRespectsBounds(t *testing.T) {
	bounds := solver.NewBounds([]float64{-2, -2}, []float64{2, 2})

	eval := func(x []float64) ([]float64, error) {
		for i := range x {
			require.GreaterOrEqual(t, x[i], bounds.Lower[i], "evaluator called below lower bound")
			require.LessOrEqual(t, x[i], bounds.Upper[i], "evaluator called above upper bound")
		}
		return rosenbrockResidual(x)
	}

	res, err := Solve(context.Background(), eval, []float64{-1.2, 1}, bounds, solver.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, solver.StatusSmallObjective, res.Status)
	assert.InDelta(t, 1.0, res.X[0], 1e-4)
	assert.InDelta(t, 1.0, res.X[1], 1e-4)
}

func TestSolveNaNFirstEvaluation(t *testing.T) {
	eval := func(x []float64) ([]float64, error) {
		return []float64{math.NaN()}, nil
	}

	res, err := Solve(context.Background(), eval, []float64{0, 0}, nil, solver.DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, solver.ErrEvaluator)
	assert.Equal(t, solver.StatusNumericalError, res.Status)
	assert.Equal(t, 1, res.Evaluations)
}

func TestSolveEvaluatorError(t *testing.T) {
	boom := errors.New("instrument offline")
	eval := func(x []float64) ([]float64, error) {
		return nil, boom
	}

	res, err := Solve(context.Background(), eval, []float64{0, 0}, nil, solver.DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, solver.ErrEvaluator)
	assert.Equal(t, solver.StatusNumericalError, res.Status)
	assert.Equal(t, 1, res.Evaluations)
}

func TestSolveBudgetExhausted(t *testing.T) {
	opts := solver.DefaultOptions()
	opts.MaxEvaluations = 5

	calls := 0
	eval := func(x []float64) ([]float64, error) {
		calls++
		return rosenbrockResidual(x)
	}

	res, err := Solve(context.Background(), eval, []float64{-1.2, 1}, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, solver.StatusMaxEvaluations, res.Status)
	assert.Equal(t, 5, res.Evaluations)
	assert.Equal(t, 5, calls)
}

// An exactly linear residual gives an exact model, so the solver must
// reach the least-squares minimizer in a handful of iterations.
func TestSolveLinearResidualExact(t *testing.T) {
	// r(x) = x - [3, -2]: minimizer (3, -2), zero residual.
	eval := func(x []float64) ([]float64, error) {
		return []float64{x[0] - 3, x[1] + 2}, nil
	}

	opts := solver.DefaultOptions()
	opts.MaxEvaluations = 50

	res, err := Solve(context.Background(), eval, []float64{10, 10}, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, solver.StatusSmallObjective, res.Status)
	assert.InDelta(t, 3.0, res.X[0], 1e-6)
	assert.InDelta(t, -2.0, res.X[1], 1e-6)
}

func TestSolveObjectiveMonotoneOverAcceptedSteps(t *testing.T) {
	s, err := New(rosenbrockResidual, nil, solver.DefaultOptions(), nil)
	require.NoError(t, err)

	res, err := s.Run(context.Background(), []float64{-1.2, 1})
	require.NoError(t, err)

	// The reported solution is the best point ever evaluated, and the
	// running best over the history never increases.
	best := math.Inf(1)
	for _, ev := range s.History() {
		if ev.Objective < best {
			best = ev.Objective
		}
	}
	assert.Equal(t, best, res.Objective)
	assert.Equal(t, len(s.History()), res.Evaluations)
}

func TestSolveNoiseTolerantSurvivesNaN(t *testing.T) {
	calls := 0
	eval := func(x []float64) ([]float64, error) {
		calls++
		// Sporadic bad reading after initialization.
		if calls == 7 {
			return []float64{math.Inf(1), 0}, nil
		}
		return rosenbrockResidual(x)
	}

	opts := solver.DefaultOptions()
	opts.NoiseTolerant = true

	res, err := Solve(context.Background(), eval, []float64{-1.2, 1}, nil, opts)
	require.NoError(t, err)
	assert.True(t, res.Status.Success(), "status %s: %s", res.Status, res.Message)
}

func TestSolveCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Solve(ctx, rosenbrockResidual, []float64{-1.2, 1}, nil, solver.DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, solver.StatusCancelled, res.Status)
}

func TestSolveDegenerateBox(t *testing.T) {
	bounds := solver.NewBounds([]float64{1, 1}, []float64{1, 1})

	eval := func(x []float64) ([]float64, error) {
		t.Fatal("evaluator must not be called for a degenerate box")
		return nil, nil
	}

	res, err := Solve(context.Background(), eval, []float64{1, 1}, bounds, solver.DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, solver.ErrInvalidConfiguration)
	assert.Equal(t, solver.StatusInvalidConfiguration, res.Status)
	assert.Equal(t, 0, res.Evaluations)
}

func TestSolveRadiusNeverExceedsMax(t *testing.T) {
	opts := solver.DefaultOptions()
	opts.MaxRadius = 0.5

	s, err := New(rosenbrockResidual, nil, opts, nil)
	require.NoError(t, err)

	_, err = s.Run(context.Background(), []float64{-1.2, 1})
	require.NoError(t, err)

	// Consecutive evaluated points can be at most one step plus one
	// geometry move apart, both bounded by the radius cap.
	hist := s.History()
	for i := 1; i < len(hist); i++ {
		var d float64
		for j := range hist[i].X {
			dx := hist[i].X[j] - hist[i-1].X[j]
			d += dx * dx
		}
		assert.LessOrEqual(t, math.Sqrt(d), 10*opts.MaxRadius)
	}
}
