package estimator

import (
	"errors"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	"github.com/n0madic/go-pmmh/internal/prng"
)

// LogMeanExp returns log((1/n) Σ exp(logw_i)) computed without overflow.
// It returns -Inf when every weight is -Inf and NaN for an empty slice.
func LogMeanExp(logw []float64) float64 {
	if len(logw) == 0 {
		return math.NaN()
	}
	return floats.LogSumExp(logw) - math.Log(float64(len(logw)))
}

// ImportanceSampler estimates log(p(theta) · L(theta)) where the likelihood
// L(theta) = E[exp(w)] is only available through random log weights w. The
// exponential of the estimate is unbiased for p(theta) · L(theta), which is what
// a pseudo-marginal sampler needs.
//
// An ImportanceSampler is not safe for concurrent use.
type ImportanceSampler struct {
	logPrior  func(theta []float64) float64
	logWeight func(theta []float64, rng *rand.Rand) float64
	rng       *rand.Rand
	weights   []float64 // scratch, reused across calls
}

// Option defines a functional option for configuring an ImportanceSampler
type Option func(*ImportanceSampler)

// WithRandomSeed seeds the generator handed to the weight function.
// A zero seed selects a time-based seed.
func WithRandomSeed(seed int64) Option {
	return func(s *ImportanceSampler) {
		s.rng = rand.New(prng.NewSource(seed))
	}
}

// WithSource sets the source of the generator handed to the weight function.
func WithSource(src rand.Source) Option {
	return func(s *ImportanceSampler) {
		if src != nil {
			s.rng = rand.New(src)
		}
	}
}

// NewImportanceSampler creates an estimator from a log prior and a function
// drawing one log importance weight. A nil logPrior means a flat prior.
func NewImportanceSampler(logPrior func(theta []float64) float64, logWeight func(theta []float64, rng *rand.Rand) float64, options ...Option) (*ImportanceSampler, error) {
	if logWeight == nil {
		return nil, errors.New("estimator: nil weight function")
	}
	if logPrior == nil {
		logPrior = func([]float64) float64 { return 0 }
	}
	s := &ImportanceSampler{
		logPrior:  logPrior,
		logWeight: logWeight,
	}
	WithRandomSeed(0)(s)

	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Estimate returns logPrior(theta) + LogMeanExp(w_1, ..., w_n) with n fresh
// weights. No weights are drawn when the log prior is -Inf. It returns NaN for
// n <= 0.
func (s *ImportanceSampler) Estimate(theta []float64, n int) float64 {
	if n <= 0 {
		return math.NaN()
	}
	lp := s.logPrior(theta)
	if math.IsInf(lp, -1) {
		return lp
	}

	if cap(s.weights) < n {
		s.weights = make([]float64, n)
	}
	w := s.weights[:n]
	for i := range w {
		w[i] = s.logWeight(theta, s.rng)
	}
	return lp + LogMeanExp(w)
}
