package dfogn

import (
	"math"
	"testing"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/TARN/internal/solver"
)

func testModel(jac []float64, m, n int, r0, center []float64) *model {
	return &model{
		center: center,
		r0:     r0,
		jac:    mat.NewDense(m, n, jac),
	}
}

func TestGaussNewtonStepInsideRegion(t *testing.T) {
	// J = I, r0 = (1, 1): exact step (-1, -1).
	mdl := testModel([]float64{1, 0, 0, 1}, 2, 2, []float64{1, 1}, []float64{0, 0})

	step, pred, err := solveSubproblem(mdl, 10, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(step[0]+1) > 1e-10 || math.Abs(step[1]+1) > 1e-10 {
		t.Fatalf("step = %v, want (-1, -1)", step)
	}
	if math.Abs(pred-2) > 1e-10 {
		t.Fatalf("predicted reduction = %v, want 2", pred)
	}
}

func TestStepClippedToTrustRegion(t *testing.T) {
	mdl := testModel([]float64{1, 0, 0, 1}, 2, 2, []float64{1, 1}, []float64{0, 0})

	radius := 0.5
	step, pred, err := solveSubproblem(mdl, radius, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if n := norm(step); n > radius+1e-12 {
		t.Fatalf("step norm %v exceeds radius %v", n, radius)
	}
	if pred <= 0 {
		t.Fatalf("predicted reduction %v, want positive", pred)
	}
}

func TestStepRespectsBoxBounds(t *testing.T) {
	mdl := testModel([]float64{1, 0, 0, 1}, 2, 2, []float64{1, 1}, []float64{0, 0})
	bounds := solver.NewBounds([]float64{-0.1, -10}, []float64{10, 10})

	step, pred, err := solveSubproblem(mdl, 5, bounds, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if pred <= 0 {
		t.Fatalf("predicted reduction %v, want positive", pred)
	}
	for i := range step {
		v := mdl.center[i] + step[i]
		if v < bounds.Lower[i]-1e-12 || v > bounds.Upper[i]+1e-12 {
			t.Fatalf("step lands at %v, outside the box", v)
		}
	}
}

func TestRankDeficientJacobian(t *testing.T) {
	// Both residuals depend only on x0: J^T J is singular and the
	// damped solve must still produce a finite useful step.
	mdl := testModel([]float64{1, 0, 1, 0}, 2, 2, []float64{1, 1}, []float64{0, 0})

	step, pred, err := solveSubproblem(mdl, 10, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if !isFinite(step) {
		t.Fatalf("non-finite step %v", step)
	}
	if pred <= 0 {
		t.Fatalf("predicted reduction %v, want positive", pred)
	}
	// Nothing moves along the null direction.
	if math.Abs(step[1]) > 1e-6 {
		t.Fatalf("step %v moves along the Jacobian null space", step)
	}
}

func TestStationaryModelReturnsZeroStep(t *testing.T) {
	// r0 = 0: the model is already optimal.
	mdl := testModel([]float64{1, 0, 0, 1}, 2, 2, []float64{0, 0}, []float64{0, 0})

	step, pred, err := solveSubproblem(mdl, 1, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if pred != 0 {
		t.Fatalf("predicted reduction %v, want 0", pred)
	}
	if norm(step) != 0 {
		t.Fatalf("step %v, want zero", step)
	}
}
