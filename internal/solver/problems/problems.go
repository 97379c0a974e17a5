// Package problems provides named nonlinear least-squares test problems
// for the solve service and the test suites. Each problem carries its
// residual evaluator, a conventional starting point and the known
// optimal objective value.
package problems

import (
	"math"
	"math/rand"
	"sort"

	"github.com/copyleftdev/TARN/internal/solver"
)

// Problem is a registered least-squares benchmark.
type Problem struct {
	// Name is the registry key.
	Name string

	// Dim is the number of variables.
	Dim int

	// Residuals is the number of residual components.
	Residuals int

	// X0 is the conventional starting point.
	X0 []float64

	// Optimum is the known minimal sum of squares.
	Optimum float64

	// Eval computes the residual vector.
	Eval solver.Evaluator
}

var registry = map[string]*Problem{}

func register(p *Problem) {
	registry[p.Name] = p
}

// Get returns the registered problem or an error naming the unknown key.
func Get(name string) (*Problem, error) {
	p, ok := registry[name]
	if !ok {
		return nil, solver.NewErrorf("unknown problem %q", name)
	}
	return p, nil
}

// Names lists the registered problems in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Noisy wraps an evaluator with additive uniform noise, for exercising
// the solver's noise-tolerant path. Randomness lives here in the
// harness; the solver core is deterministic.
func Noisy(eval solver.Evaluator, scale float64, seed int64) solver.Evaluator {
	rng := rand.New(rand.NewSource(seed))
	return func(x []float64) ([]float64, error) {
		r, err := eval(x)
		if err != nil {
			return nil, err
		}
		for i := range r {
			r[i] += scale * (rng.Float64() - 0.5)
		}
		return r, nil
	}
}

func init() {
	register(&Problem{
		Name:      "rosenbrock",
		Dim:       2,
		Residuals: 2,
		X0:        []float64{-1.2, 1},
		Optimum:   0,
		Eval: func(x []float64) ([]float64, error) {
			return []float64{
				10 * (x[1] - x[0]*x[0]),
				1 - x[0],
			}, nil
		},
	})

	register(&Problem{
		Name:      "powell_singular",
		Dim:       4,
		Residuals: 4,
		X0:        []float64{3, -1, 0, 1},
		Optimum:   0,
		Eval: func(x []float64) ([]float64, error) {
			return []float64{
				x[0] + 10*x[1],
				math.Sqrt(5) * (x[2] - x[3]),
				(x[1] - 2*x[2]) * (x[1] - 2*x[2]),
				math.Sqrt(10) * (x[0] - x[3]) * (x[0] - x[3]),
			}, nil
		},
	})

	register(&Problem{
		Name:      "beale",
		Dim:       2,
		Residuals: 3,
		X0:        []float64{1, 1},
		Optimum:   0,
		Eval: func(x []float64) ([]float64, error) {
			return []float64{
				1.5 - x[0]*(1-x[1]),
				2.25 - x[0]*(1-x[1]*x[1]),
				2.625 - x[0]*(1-x[1]*x[1]*x[1]),
			}, nil
		},
	})

	register(&Problem{
		Name:      "linear_full_rank",
		Dim:       3,
		Residuals: 5,
		X0:        []float64{1, 1, 1},
		Optimum:   2, // m - n residual components cannot vanish
		Eval: func(x []float64) ([]float64, error) {
			n, m := 3, 5
			var sum float64
			for _, v := range x {
				sum += v
			}
			r := make([]float64, m)
			for i := 0; i < m; i++ {
				if i < n {
					r[i] = x[i] - 2*sum/float64(m) - 1
				} else {
					r[i] = -2*sum/float64(m) - 1
				}
			}
			return r, nil
		},
	})
}
