package solver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsCompleteFillsDefaults(t *testing.T) {
	opts := Options{}.Complete()
	assert.Equal(t, DefaultOptions(), opts)

	// Explicit values survive completion.
	opts = Options{MaxEvaluations: 7, EtaGood: 0.9}.Complete()
	assert.Equal(t, 7, opts.MaxEvaluations)
	assert.Equal(t, 0.9, opts.EtaGood)
	assert.Equal(t, DefaultOptions().EtaBad, opts.EtaBad)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		valid  bool
	}{
		{"defaults", func(o *Options) {}, true},
		{"negative initial radius", func(o *Options) { o.InitialRadius = -1 }, false},
		{"min radius above initial", func(o *Options) { o.MinRadius = 1 }, false},
		{"max radius below initial", func(o *Options) { o.MaxRadius = 0.01 }, false},
		{"zero budget", func(o *Options) { o.MaxEvaluations = -1 }, false},
		{"eta ordering violated", func(o *Options) { o.EtaBad = 0.8 }, false},
		{"shrink factor above one", func(o *Options) { o.GammaDec = 1.5 }, false},
		{"growth factor below one", func(o *Options) { o.GammaInc = 0.5 }, false},
		{"poisedness threshold out of range", func(o *Options) { o.PoisednessThreshold = 2 }, false},
		{"condition ceiling too small", func(o *Options) { o.ConditionCeiling = 0.5 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestBounds(t *testing.T) {
	b := NewBounds([]float64{-1, 0}, []float64{1, 2})

	require.NoError(t, b.Validate(2))
	assert.Error(t, b.Validate(3))
	assert.Error(t, NewBounds([]float64{1}, []float64{0}).Validate(1))

	assert.True(t, b.Contains([]float64{0, 1}))
	assert.False(t, b.Contains([]float64{0, 3}))

	clipped := b.Clip([]float64{-5, 5})
	assertVecNear(t, clipped, []float64{-1, 2}, 0)

	// Nil bounds are the unconstrained box.
	var nb *Bounds
	require.NoError(t, nb.Validate(4))
	assert.True(t, nb.Contains([]float64{1e30}))
	assert.True(t, math.IsInf(nb.Hi(0), 1))
	assert.True(t, math.IsInf(nb.Lo(0), -1))
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		status  ExitStatus
		name    string
		success bool
	}{
		{StatusSmallObjective, "SUCCESS_SMALL_OBJECTIVE", true},
		{StatusSmallRadius, "SUCCESS_SMALL_RADIUS", true},
		{StatusMaxEvaluations, "MAX_EVALUATIONS_REACHED", false},
		{StatusMaxDuration, "MAX_DURATION_REACHED", false},
		{StatusNumericalError, "FATAL_NUMERICAL_ERROR", false},
		{StatusInvalidConfiguration, "INVALID_CONFIGURATION", false},
		{StatusCancelled, "CANCELLED", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.status.String())
		assert.Equal(t, tt.success, tt.status.Success())
	}
}

func TestErrorWrapping(t *testing.T) {
	base := NewError("bad pivot")
	wrapped := WrapError(base, "building model").WithComponent("geometry").WithOperation("poisedness")

	assert.Contains(t, wrapped.Error(), "geometry")
	assert.Contains(t, wrapped.Error(), "poisedness")
	assert.Contains(t, wrapped.Error(), "bad pivot")
	assert.ErrorIs(t, wrapped, base)

	assert.Nil(t, WrapError(nil, "anything"))
}
