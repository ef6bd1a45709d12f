// Gelman-Rubin R-hat and autocorrelation-based effective sample size,
// computed across chains for one parameter.
package its

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// gelmanRubinRHat computes the potential scale reduction factor across
// m chains of n post-warmup draws each (classic, non-split variant).
func gelmanRubinRHat(chains [][]float64) float64 {
	m := len(chains)
	if m < 2 {
		return 1.0
	}
	n := len(chains[0])
	if n < 2 {
		return 1.0
	}

	means := make([]float64, m)
	for i, c := range chains {
		means[i] = stat.Mean(c, nil)
	}
	grandMean := stat.Mean(means, nil)

	between := 0.0
	for _, mu := range means {
		between += (mu - grandMean) * (mu - grandMean)
	}
	between = between * float64(n) / float64(m-1)

	within := 0.0
	for _, c := range chains {
		within += stat.Variance(c, nil)
	}
	within /= float64(m)

	if within == 0 {
		return 1.0
	}

	varHat := (float64(n-1)/float64(n))*within + between/float64(n)
	return math.Sqrt(varHat / within)
}

// effectiveSampleSize approximates ESS from the pooled autocorrelation of
// the chains, stopping at the first lag whose autocorrelation drops below
// 0.05 (Geyer's initial-positive-sequence idea, simplified).
func effectiveSampleSize(chains [][]float64) float64 {
	total := 0
	for _, c := range chains {
		total += len(c)
	}
	if total == 0 {
		return 0
	}

	var pooled []float64
	for _, c := range chains {
		pooled = append(pooled, c...)
	}
	mean := stat.Mean(pooled, nil)
	variance := stat.Variance(pooled, nil)
	if variance == 0 {
		return float64(total)
	}

	maxLag := len(chains[0]) / 2
	if maxLag > 1000 {
		maxLag = 1000
	}

	rhoSum := 0.0
	for lag := 1; lag < maxLag; lag++ {
		cov, count := 0.0, 0
		for _, c := range chains {
			for i := 0; i+lag < len(c); i++ {
				cov += (c[i] - mean) * (c[i+lag] - mean)
				count++
			}
		}
		if count == 0 {
			break
		}
		rho := (cov / float64(count)) / variance
		if rho < 0.05 {
			break
		}
		rhoSum += rho
	}

	ess := float64(total) / (1 + 2*rhoSum)
	if ess < 1 {
		ess = 1
	}
	if ess > float64(total) {
		ess = float64(total)
	}
	return ess
}
