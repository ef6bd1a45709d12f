// OLS warm-start and a Metropolis-within-Gibbs sampler over regression
// coefficients and the noise scale. gonum/mat carries the design-matrix
// linear algebra for the warm start.
package its

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

const (
	priorBetaScale  = 10.0 // weakly informative N(0, priorBetaScale^2) on regression coefficients
	priorSigmaScale = 10.0 // half-normal(0, priorSigmaScale) on the noise scale
	adaptEvery      = 50
	targetAcceptLow = 0.2
	targetAcceptHi  = 0.5
)

// olsWarmStart fits beta via ordinary least squares to seed the sampler
// near the posterior mode, avoiding a long burn-in from an arbitrary start.
func olsWarmStart(X *mat.Dense, y []float64) []float64 {
	_, p := X.Dims()

	var xtx mat.Dense
	xtx.Mul(X.T(), X)

	yVec := mat.NewVecDense(len(y), y)
	var xty mat.VecDense
	xty.MulVec(X.T(), yVec)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		return make([]float64, p) // singular design matrix: fall back to zeros, sampler adapts from there
	}

	out := make([]float64, p)
	for i := 0; i < p; i++ {
		out[i] = beta.AtVec(i)
	}
	return out
}

// residualStd returns the residual standard deviation of y - X*beta,
// used to seed the sampler's initial noise scale.
func residualStd(X *mat.Dense, y []float64, beta []float64) float64 {
	n, p := X.Dims()
	if n <= p {
		return 1.0
	}
	rss := 0.0
	for i := 0; i < n; i++ {
		pred := 0.0
		for j := 0; j < p; j++ {
			pred += X.At(i, j) * beta[j]
		}
		r := y[i] - pred
		rss += r * r
	}
	variance := rss / float64(n-p)
	if variance <= 0 {
		return 1.0
	}
	return math.Sqrt(variance)
}

// chainResult is one chain's post-warmup draws: each row is [beta..., sigma].
type chainResult struct {
	Draws       [][]float64
	Divergences int
}

func logPosterior(X *mat.Dense, y []float64, beta []float64, sigma float64) float64 {
	if sigma <= 0 {
		return math.Inf(-1)
	}
	n, p := X.Dims()

	rss := 0.0
	for i := 0; i < n; i++ {
		pred := 0.0
		for j := 0; j < p; j++ {
			pred += X.At(i, j) * beta[j]
		}
		r := y[i] - pred
		rss += r * r
	}
	logLik := -float64(n)*math.Log(sigma) - rss/(2*sigma*sigma)

	logPrior := 0.0
	for j := 0; j < p; j++ {
		logPrior -= (beta[j] * beta[j]) / (2 * priorBetaScale * priorBetaScale)
	}
	logPrior -= (sigma * sigma) / (2 * priorSigmaScale * priorSigmaScale) // half-normal prior, unnormalized

	return logLik + logPrior
}

// runChain draws warmup+samples iterations of Metropolis-within-Gibbs:
// each beta_j is updated with its own random-walk proposal, then sigma is
// updated on the log scale (keeping it positive). Step sizes adapt during
// warmup toward a 20-50% acceptance band; only post-warmup draws are kept.
func runChain(X *mat.Dense, y []float64, warmup, samples int, initBeta []float64, initSigma float64, rng *rand.Rand) chainResult {
	_, p := X.Dims()

	beta := append([]float64(nil), initBeta...)
	sigma := initSigma
	if sigma <= 0 {
		sigma = 1.0
	}

	stepBeta := make([]float64, p)
	for j := range stepBeta {
		scale := math.Abs(beta[j])
		if scale < 1 {
			scale = 1
		}
		stepBeta[j] = 0.1 * scale
	}
	stepLogSigma := 0.2

	acceptBeta := make([]int, p)
	acceptSigma := 0
	divergences := 0

	curLP := logPosterior(X, y, beta, sigma)
	total := warmup + samples
	draws := make([][]float64, 0, samples)

	for t := 0; t < total; t++ {
		for j := 0; j < p; j++ {
			proposal := append([]float64(nil), beta...)
			proposal[j] += rng.NormFloat64() * stepBeta[j]

			propLP := logPosterior(X, y, proposal, sigma)
			if math.IsInf(propLP, -1) || math.IsNaN(propLP) {
				divergences++
				continue
			}
			if math.Log(rng.Float64()) < propLP-curLP {
				beta = proposal
				curLP = propLP
				acceptBeta[j]++
			}
		}

		logSigma := math.Log(sigma)
		proposalLogSigma := logSigma + rng.NormFloat64()*stepLogSigma
		proposalSigma := math.Exp(proposalLogSigma)
		// log-scale random walk needs a Jacobian term (+logSigma) on each side
		propLP := logPosterior(X, y, beta, proposalSigma) + proposalLogSigma
		curLPWithJacobian := curLP + logSigma
		if math.Log(rng.Float64()) < propLP-curLPWithJacobian {
			sigma = proposalSigma
			curLP = logPosterior(X, y, beta, sigma)
			acceptSigma++
		}

		if t < warmup && t > 0 && t%adaptEvery == 0 {
			for j := 0; j < p; j++ {
				rate := float64(acceptBeta[j]) / float64(t+1)
				adaptStep(&stepBeta[j], rate)
			}
			sigmaRate := float64(acceptSigma) / float64(t+1)
			adaptStep(&stepLogSigma, sigmaRate)
		}

		if t >= warmup {
			row := make([]float64, p+1)
			copy(row, beta)
			row[p] = sigma
			draws = append(draws, row)
		}
	}

	return chainResult{Draws: draws, Divergences: divergences}
}

func adaptStep(step *float64, acceptRate float64) {
	switch {
	case acceptRate < targetAcceptLow:
		*step *= 0.9
	case acceptRate > targetAcceptHi:
		*step *= 1.1
	}
}
