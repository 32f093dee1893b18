package proposal

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/n0madic/go-pmmh/internal/prng"
)

// GaussianRandomWalk proposes theta + e where each e_i ~ N(0, scale_i²)
// independently. The kernel is symmetric.
type GaussianRandomWalk struct {
	steps []distuv.Normal
}

// NewGaussianRandomWalk creates a random walk with per-dimension step scales.
func NewGaussianRandomWalk(scales []float64, seed int64) (*GaussianRandomWalk, error) {
	if len(scales) == 0 {
		return nil, errors.New("proposal: empty scale vector")
	}

	src := prng.NewSource(seed)
	steps := make([]distuv.Normal, len(scales))
	for i, s := range scales {
		if !(s > 0) || math.IsInf(s, 1) {
			return nil, fmt.Errorf("proposal: scale %d must be positive and finite, got %v", i, s)
		}
		steps[i] = distuv.Normal{Mu: 0, Sigma: s, Src: src}
	}
	return &GaussianRandomWalk{steps: steps}, nil
}

// Dim returns the dimension of the walk.
func (g *GaussianRandomWalk) Dim() int {
	return len(g.steps)
}

// Propose draws a candidate around theta.
func (g *GaussianRandomWalk) Propose(theta []float64) []float64 {
	if len(theta) != len(g.steps) {
		panic("proposal: dimension mismatch")
	}
	next := make([]float64, len(theta))
	for i, x := range theta {
		next[i] = x + g.steps[i].Rand()
	}
	return next
}

// LogDensity returns log q(to | from).
func (g *GaussianRandomWalk) LogDensity(from, to []float64) float64 {
	if len(from) != len(g.steps) || len(to) != len(g.steps) {
		panic("proposal: dimension mismatch")
	}
	var lp float64
	for i := range from {
		lp += g.steps[i].LogProb(to[i] - from[i])
	}
	return lp
}

// MultivariateRandomWalk proposes theta + e with e ~ N(0, Σ). The kernel is
// symmetric.
type MultivariateRandomWalk struct {
	chol *mat.Cholesky
	src  rand.Source
	dim  int
}

// NewMultivariateRandomWalk creates a correlated Gaussian random walk with step
// covariance cov. A covariance that is positive semi-definite but numerically
// singular is regularised with a small diagonal jitter.
func NewMultivariateRandomWalk(cov mat.Symmetric, seed int64) (*MultivariateRandomWalk, error) {
	if cov == nil || cov.SymmetricDim() == 0 {
		return nil, errors.New("proposal: empty covariance")
	}
	chol, err := safeChol(cov)
	if err != nil {
		return nil, err
	}
	return &MultivariateRandomWalk{
		chol: chol,
		src:  prng.NewSource(seed),
		dim:  cov.SymmetricDim(),
	}, nil
}

// Dim returns the dimension of the walk.
func (w *MultivariateRandomWalk) Dim() int {
	return w.dim
}

// Propose draws a candidate around theta.
func (w *MultivariateRandomWalk) Propose(theta []float64) []float64 {
	if len(theta) != w.dim {
		panic("proposal: dimension mismatch")
	}
	return distmv.NormalRand(nil, theta, w.chol, w.src)
}

// LogDensity returns log q(to | from) = log N(to; from, Σ).
func (w *MultivariateRandomWalk) LogDensity(from, to []float64) float64 {
	return distmv.NormalLogProb(to, from, w.chol)
}

// safeChol factorizes c, retrying once with a diagonal jitter proportional to
// the mean variance.
func safeChol(c mat.Symmetric) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(c); ok {
		return &chol, nil
	}

	// Adaptive jitter
	n := c.SymmetricDim()
	jittered := mat.NewSymDense(n, nil)
	jittered.CopySym(c)
	eps := 1e-8 * mat.Trace(c) / float64(n)
	for i := 0; i < n; i++ {
		jittered.SetSym(i, i, jittered.At(i, i)+eps)
	}

	var retry mat.Cholesky
	if ok := retry.Factorize(jittered); ok {
		return &retry, nil
	}
	return nil, errors.New("proposal: cholesky factorization failed even with jitter")
}

// Independence proposes from a fixed distribution regardless of the current
// state, so log q(to | from) = log p(to). The kernel is not symmetric.
type Independence struct {
	dist distmv.RandLogProber
	dim  int
}

// NewIndependence creates an independence proposal drawing from dist, which must
// produce points of dimension dim.
func NewIndependence(dist distmv.RandLogProber, dim int) (*Independence, error) {
	if dist == nil {
		return nil, errors.New("proposal: nil distribution")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("proposal: dimension must be positive, got %d", dim)
	}
	if d, ok := dist.(interface{ Dim() int }); ok && d.Dim() != dim {
		return nil, fmt.Errorf("proposal: distribution dimension %d != %d", d.Dim(), dim)
	}
	return &Independence{dist: dist, dim: dim}, nil
}

// NewGaussianIndependence creates an independence proposal from N(mu, cov).
func NewGaussianIndependence(mu []float64, cov mat.Symmetric, seed int64) (*Independence, error) {
	if len(mu) == 0 {
		return nil, errors.New("proposal: empty mean")
	}
	if cov == nil || cov.SymmetricDim() != len(mu) {
		return nil, errors.New("proposal: covariance does not match mean dimension")
	}
	chol, err := safeChol(cov)
	if err != nil {
		return nil, err
	}
	return NewIndependence(distmv.NewNormalChol(mu, chol, prng.NewSource(seed)), len(mu))
}

// Dim returns the dimension of the proposal.
func (p *Independence) Dim() int {
	return p.dim
}

// Propose draws a candidate; theta is ignored.
func (p *Independence) Propose(theta []float64) []float64 {
	return p.dist.Rand(nil)
}

// LogDensity returns log p(to).
func (p *Independence) LogDensity(from, to []float64) float64 {
	return p.dist.LogProb(to)
}
