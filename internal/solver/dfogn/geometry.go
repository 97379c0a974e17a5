package dfogn

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/TARN/internal/solver"
)

// minAbsStep is the smallest perturbation the initializer will place a
// sample point at. Perturbations that collapse onto the center under
// floating-point rounding are enlarged to at least this.
const minAbsStep = 1e-10

// point is an evaluated sample: coordinates, residual vector and the
// sum-of-squares objective. Immutable once stored in the set.
type point struct {
	x []float64
	r []float64
	f float64
}

func clonePoint(x, r []float64, f float64) point {
	return point{
		x: append([]float64(nil), x...),
		r: append([]float64(nil), r...),
		f: f,
	}
}

// interpSet holds the current interpolation set: the center (always the
// best point) plus n satellites used to fit the linear residual model.
type interpSet struct {
	n      int
	center point
	sat    []point
}

func newInterpSet(center point) *interpSet {
	return &interpSet{
		n:   len(center.x),
		sat: make([]point, 0, len(center.x)),
	}
}

// initialDirections returns the n perturbed coordinates the set needs to
// be complete: center + radius along each coordinate axis, reflected
// inward when the box cuts the positive direction off. A box narrower
// than the minimum step in some coordinate is a configuration error.
func initialDirections(x0 []float64, radius float64, bounds *solver.Bounds) ([][]float64, error) {
	n := len(x0)
	pts := make([][]float64, 0, n)

	for i := 0; i < n; i++ {
		roomUp := bounds.Hi(i) - x0[i]
		roomDown := x0[i] - bounds.Lo(i)

		step := radius
		switch {
		case roomUp >= step:
			// keep the positive direction
		case roomDown >= step:
			step = -step
		case roomUp >= roomDown:
			step = roomUp
		default:
			step = -roomDown
		}

		// Guard against the perturbation rounding away entirely.
		if x0[i]+step == x0[i] {
			enlarged := math.Max(minAbsStep, math.Abs(x0[i])*1e-12)
			step = math.Copysign(enlarged, step)
		}
		if math.Abs(step) < minAbsStep ||
			x0[i]+step > bounds.Hi(i) || x0[i]+step < bounds.Lo(i) ||
			x0[i]+step == x0[i] {
			return nil, solver.WrapErrorf(solver.ErrInvalidConfiguration,
				"box too narrow in coordinate %d to place an interpolation point", i)
		}

		p := append([]float64(nil), x0...)
		p[i] += step
		pts = append(pts, p)
	}

	return pts, nil
}

// setCenter installs the evaluated starting point.
func (s *interpSet) setCenter(p point) {
	s.center = p
}

// add appends an evaluated satellite during initialization.
func (s *interpSet) add(p point) {
	s.sat = append(s.sat, p)
}

// replace swaps the satellite at index i, invalidating any model built
// from the previous geometry.
func (s *interpSet) replace(i int, p point) {
	s.sat[i] = p
}

// displacements returns the n x n matrix whose rows are the satellite
// offsets from the center, scaled by 1/radius.
func (s *interpSet) displacements(radius float64) *mat.Dense {
	d := mat.NewDense(s.n, s.n, nil)
	for i, p := range s.sat {
		for j := 0; j < s.n; j++ {
			d.Set(i, j, (p.x[j]-s.center.x[j])/radius)
		}
	}
	return d
}

// poisedness measures the geometry quality as the smallest singular
// value of the scaled displacement matrix. Values near zero mean the
// satellites have collapsed toward an affine subspace and the model
// solve is ill-conditioned.
func (s *interpSet) poisedness(radius float64) float64 {
	var svd mat.SVD
	if !svd.Factorize(s.displacements(radius), mat.SVDNone) {
		return 0
	}
	sv := svd.Values(nil)
	if len(sv) == 0 {
		return 0
	}
	return sv[len(sv)-1]
}

// worstIndex returns the satellite farthest from the center, the usual
// candidate for replacement.
func (s *interpSet) worstIndex() int {
	worst, dist := 0, -1.0
	for i, p := range s.sat {
		d := distance(p.x, s.center.x)
		if d > dist {
			worst, dist = i, d
		}
	}
	return worst
}

// improvementPoint proposes a geometry-repair move: a new sample one
// radius from the center along the direction the current set covers
// worst, clipped into the box. It returns the satellite index to
// replace and the candidate coordinates, or ok=false when the box
// leaves no room to move.
func (s *interpSet) improvementPoint(radius float64, bounds *solver.Bounds) (idx int, x []float64, ok bool) {
	var svd mat.SVD
	if !svd.Factorize(s.displacements(radius), mat.SVDThin) {
		return 0, nil, false
	}
	var v mat.Dense
	svd.VTo(&v)

	// Right singular vector of the smallest singular value: the
	// direction the displacement rows span worst.
	dir := make([]float64, s.n)
	for j := 0; j < s.n; j++ {
		dir[j] = v.At(j, s.n-1)
	}

	// Pick the sign with more room inside the box.
	up := maxFeasibleStep(s.center.x, dir, bounds)
	neg := make([]float64, s.n)
	for j := range dir {
		neg[j] = -dir[j]
	}
	down := maxFeasibleStep(s.center.x, neg, bounds)
	if down > up {
		dir, up = neg, down
	}

	t := math.Min(radius, up)
	if t < minAbsStep {
		return 0, nil, false
	}

	x = append([]float64(nil), s.center.x...)
	for j := range x {
		x[j] += t * dir[j]
	}
	bounds.Clip(x)
	return s.worstIndex(), x, true
}

// maxDistance returns the distance of the farthest satellite from the
// center, the staleness measure used after rejected steps.
func (s *interpSet) maxDistance() float64 {
	var max float64
	for _, p := range s.sat {
		if d := distance(p.x, s.center.x); d > max {
			max = d
		}
	}
	return max
}

// refreshPoint proposes pulling the farthest satellite back to one
// radius from the center along its existing direction, which tightens a
// stale set without disturbing its angular geometry.
func (s *interpSet) refreshPoint(radius float64, bounds *solver.Bounds) (idx int, x []float64, ok bool) {
	idx = s.worstIndex()
	far := s.sat[idx]
	dist := distance(far.x, s.center.x)
	if dist == 0 {
		return 0, nil, false
	}

	dir := make([]float64, s.n)
	for j := range dir {
		dir[j] = (far.x[j] - s.center.x[j]) / dist
	}
	t := math.Min(radius, maxFeasibleStep(s.center.x, dir, bounds))
	if t < minAbsStep {
		return 0, nil, false
	}

	x = append([]float64(nil), s.center.x...)
	for j := range x {
		x[j] += t * dir[j]
	}
	bounds.Clip(x)
	return idx, x, true
}

// recenter moves the set onto an accepted point. The old center stays in
// the set as a satellite, displacing whichever satellite sits farthest
// from the new center.
func (s *interpSet) recenter(p point) {
	old := s.center
	s.center = p
	if len(s.sat) < s.n {
		s.sat = append(s.sat, old)
		return
	}
	s.sat[s.worstIndex()] = old
}

// tryIncorporate offers a rejected trial point to the set. The farthest
// satellite is replaced only when doing so improves poisedness;
// otherwise the point is discarded and the set is left untouched.
func (s *interpSet) tryIncorporate(p point, radius float64) bool {
	idx := s.worstIndex()
	before := s.poisedness(radius)
	prev := s.sat[idx]
	s.sat[idx] = p
	if s.poisedness(radius) > before {
		return true
	}
	s.sat[idx] = prev
	return false
}

// bestPoint returns the best evaluated point in the set. The center is
// kept best by construction, but a satellite can beat it transiently
// right after initialization.
func (s *interpSet) bestPoint() point {
	best := s.center
	for _, p := range s.sat {
		if p.f < best.f {
			best = p
		}
	}
	return best
}

// promoteBest swaps the best satellite into the center slot if it beats
// the current center.
func (s *interpSet) promoteBest() {
	bestIdx := -1
	for i, p := range s.sat {
		if p.f < s.center.f {
			if bestIdx < 0 || p.f < s.sat[bestIdx].f {
				bestIdx = i
			}
		}
	}
	if bestIdx >= 0 {
		s.center, s.sat[bestIdx] = s.sat[bestIdx], s.center
	}
}

func distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// maxFeasibleStep returns the largest t >= 0 with x + t*dir inside the
// box, +Inf when the box never cuts the ray.
func maxFeasibleStep(x, dir []float64, bounds *solver.Bounds) float64 {
	t := math.Inf(1)
	for i := range x {
		switch {
		case dir[i] > 0:
			t = math.Min(t, (bounds.Hi(i)-x[i])/dir[i])
		case dir[i] < 0:
			t = math.Min(t, (bounds.Lo(i)-x[i])/dir[i])
		}
	}
	return math.Max(t, 0)
}
