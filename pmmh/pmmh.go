// Package pmmh implements a Pseudo-Marginal Metropolis-Hastings sampler for
// targets whose density is only available through an unbiased, non-negative
// estimator.
package pmmh

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-pmmh/internal/prng"
)

var (
	// ErrInvalidParameter is returned when a run is requested with an empty
	// initial state, a non-positive estimator effort or sample count, a negative
	// burn-in, or when the sampler is built without one of its functions.
	ErrInvalidParameter = errors.New("pmmh: invalid parameter")

	// ErrDimensionMismatch is returned when a proposal does not have the
	// dimension of the chain.
	ErrDimensionMismatch = errors.New("pmmh: dimension mismatch")

	// ErrNumericalDegenerate is returned in strict mode when the log acceptance
	// ratio is NaN.
	ErrNumericalDegenerate = errors.New("pmmh: degenerate acceptance ratio")
)

// LogDensityEstimator returns an unbiased estimate of log π(theta), up to an
// additive constant, using n units of Monte Carlo effort. It may return -Inf.
type LogDensityEstimator func(theta []float64, n int) float64

// LogProposalDensity returns log q(to | from).
type LogProposalDensity func(from, to []float64) float64

// Proposer draws a candidate from q(· | theta). It must not modify theta.
type Proposer func(theta []float64) []float64

// Sampler runs Pseudo-Marginal Metropolis-Hastings chains.
//
// A Sampler runs one chain at a time; concurrent calls to Run are serialized.
// Stats and LogDensity may be read while a run is in progress.
type Sampler struct {
	logDensity  LogDensityEstimator
	logProposal LogProposalDensity
	propose     Proposer
	strict      bool       // fail on NaN acceptance ratios instead of rejecting
	rng         *rand.Rand // drives the accept/reject draws only

	// Statistics of the most recent run
	nIterations uint64
	nAccepted   uint64
	nRejected   uint64
	nDegenerate uint64
	burnin      int64
	retained    int64
	dim         int64
	lastLogDens uint64 // math.Float64bits of the final retained estimate

	mu sync.Mutex
}

// Option defines a functional option for configuring a Sampler
type Option func(*Sampler)

// WithRandomSeed seeds the generator used for the accept/reject draws.
// A zero seed selects a time-based seed.
func WithRandomSeed(seed int64) Option {
	return func(s *Sampler) {
		s.rng = rand.New(prng.NewSource(seed))
	}
}

// WithSource sets the source used for the accept/reject draws.
func WithSource(src rand.Source) Option {
	return func(s *Sampler) {
		if src != nil {
			s.rng = rand.New(src)
		}
	}
}

// WithStrictNumerics makes a NaN log acceptance ratio abort the run with
// ErrNumericalDegenerate. By default such a proposal is rejected.
func WithStrictNumerics(strict bool) Option {
	return func(s *Sampler) {
		s.strict = strict
	}
}

// NewSampler creates a sampler around the supplied estimator and proposal
// functions.
func NewSampler(logDensity LogDensityEstimator, logProposal LogProposalDensity, propose Proposer, options ...Option) (*Sampler, error) {
	switch {
	case logDensity == nil:
		return nil, fmt.Errorf("%w: nil log-density estimator", ErrInvalidParameter)
	case logProposal == nil:
		return nil, fmt.Errorf("%w: nil log proposal density", ErrInvalidParameter)
	case propose == nil:
		return nil, fmt.Errorf("%w: nil proposer", ErrInvalidParameter)
	}

	s := &Sampler{
		logDensity:  logDensity,
		logProposal: logProposal,
		propose:     propose,
		lastLogDens: math.Float64bits(math.NaN()),
	}
	WithRandomSeed(0)(s)

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// Run is a one-shot form of NewSampler followed by Sampler.Run.
func Run(logDensity LogDensityEstimator, logProposal LogProposalDensity, propose Proposer, theta0 []float64, nEstimator, burnin, n int, options ...Option) (*mat.Dense, error) {
	s, err := NewSampler(logDensity, logProposal, propose, options...)
	if err != nil {
		return nil, err
	}
	return s.Run(theta0, nEstimator, burnin, n)
}

// chain is the state threaded from one iteration to the next: the current
// position and the estimate returned when it was last accepted.
type chain struct {
	theta      []float64
	logDensity float64
}

type outcome int

const (
	accepted outcome = iota
	rejected
	degenerate
)

// Run draws burnin+n-1 transitions starting from theta0 and returns an n×m
// trace, m = len(theta0). The trace is iteration-major: row i holds the chain
// state after burnin+i transitions, so with burnin == 0 row 0 is theta0.
//
// nEstimator is passed unchanged to every estimator call. The estimator is
// evaluated once at theta0 and once per proposal; the estimate for the current
// state is reused, never refreshed. On error no trace is returned.
func (s *Sampler) Run(theta0 []float64, nEstimator, burnin, n int) (*mat.Dense, error) {
	m := len(theta0)
	switch {
	case m == 0:
		return nil, fmt.Errorf("%w: empty initial state", ErrInvalidParameter)
	case nEstimator <= 0:
		return nil, fmt.Errorf("%w: estimator effort must be positive, got %d", ErrInvalidParameter, nEstimator)
	case burnin < 0:
		return nil, fmt.Errorf("%w: burn-in must be non-negative, got %d", ErrInvalidParameter, burnin)
	case n <= 0:
		return nil, fmt.Errorf("%w: sample count must be positive, got %d", ErrInvalidParameter, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetStats(m, burnin, n)

	c := &chain{theta: make([]float64, m)}
	copy(c.theta, theta0)
	c.logDensity = s.logDensity(c.theta, nEstimator)

	total := burnin + n - 1
	logU := s.drawLogUniforms(total)

	trace := mat.NewDense(n, m, nil)
	row := 0
	if burnin == 0 {
		trace.SetRow(row, c.theta)
		row++
	}
	for k := 1; k <= total; k++ {
		res, err := s.step(c, logU[k-1], nEstimator)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", k, err)
		}
		s.record(res)

		if k >= burnin {
			trace.SetRow(row, c.theta)
			row++
		}
	}

	atomic.StoreUint64(&s.lastLogDens, math.Float64bits(c.logDensity))
	return trace, nil
}

// drawLogUniforms returns n values of log(U), U uniform on (0, 1].
// U is never zero, so a -Inf acceptance ratio always rejects.
func (s *Sampler) drawLogUniforms(n int) []float64 {
	logU := make([]float64, n)
	for i := range logU {
		logU[i] = math.Log1p(-s.rng.Float64())
	}
	return logU
}

// step performs one Metropolis-Hastings transition of c.
func (s *Sampler) step(c *chain, logU float64, nEstimator int) (outcome, error) {
	proposal := s.propose(c.theta)
	if len(proposal) != len(c.theta) {
		return 0, fmt.Errorf("%w: proposal has dimension %d, chain has %d", ErrDimensionMismatch, len(proposal), len(c.theta))
	}

	cur := s.logDensity(proposal, nEstimator)
	logAlpha := logAcceptance(cur, c.logDensity, s.logProposal(c.theta, proposal), s.logProposal(proposal, c.theta))

	if math.IsNaN(logAlpha) {
		if s.strict {
			return degenerate, fmt.Errorf("%w: proposal estimate %v, retained estimate %v", ErrNumericalDegenerate, cur, c.logDensity)
		}
		return degenerate, nil
	}

	if logU <= logAlpha {
		copy(c.theta, proposal)
		c.logDensity = cur
		return accepted, nil
	}
	return rejected, nil
}

// logAcceptance computes the Hastings ratio
// min(0, cur + log q(θ|θp) - retained - log q(θp|θ)), where logQForward is
// log q(θp|θ) and logQReverse is log q(θ|θp).
// NaN inputs or an undefined difference of infinities yield NaN.
func logAcceptance(cur, retained, logQForward, logQReverse float64) float64 {
	r := cur + logQReverse - retained - logQForward
	if math.IsNaN(r) {
		return r
	}
	return math.Min(0, r)
}

func (s *Sampler) resetStats(dim, burnin, n int) {
	atomic.StoreUint64(&s.nIterations, 0)
	atomic.StoreUint64(&s.nAccepted, 0)
	atomic.StoreUint64(&s.nRejected, 0)
	atomic.StoreUint64(&s.nDegenerate, 0)
	atomic.StoreInt64(&s.dim, int64(dim))
	atomic.StoreInt64(&s.burnin, int64(burnin))
	atomic.StoreInt64(&s.retained, int64(n))
	atomic.StoreUint64(&s.lastLogDens, math.Float64bits(math.NaN()))
}

func (s *Sampler) record(res outcome) {
	atomic.AddUint64(&s.nIterations, 1)
	switch res {
	case accepted:
		atomic.AddUint64(&s.nAccepted, 1)
	case rejected:
		atomic.AddUint64(&s.nRejected, 1)
	case degenerate:
		// Degenerate proposals are rejections as far as the chain is concerned
		atomic.AddUint64(&s.nRejected, 1)
		atomic.AddUint64(&s.nDegenerate, 1)
	}
}

// LogDensity returns the retained log-density estimate at the final state of
// the most recent completed run, or NaN if there is none.
func (s *Sampler) LogDensity() float64 {
	return math.Float64frombits(atomic.LoadUint64(&s.lastLogDens))
}

// Stats returns statistics of the most recent run
func (s *Sampler) Stats() map[string]any {
	iterations := atomic.LoadUint64(&s.nIterations)
	acc := atomic.LoadUint64(&s.nAccepted)

	rate := math.NaN()
	if iterations > 0 {
		rate = float64(acc) / float64(iterations)
	}

	return map[string]any{
		"iterations":      iterations,
		"accepted":        acc,
		"rejected":        atomic.LoadUint64(&s.nRejected),
		"degenerate":      atomic.LoadUint64(&s.nDegenerate),
		"acceptance_rate": rate,
		"burnin":          int(atomic.LoadInt64(&s.burnin)),
		"retained":        int(atomic.LoadInt64(&s.retained)),
		"dim":             int(atomic.LoadInt64(&s.dim)),
		"strict":          s.strict,
	}
}
