// Turns raw posterior draws into a CausalEffect: point estimate, 95%
// credible interval, and the probability mass on each side of zero.
package its

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func extractEffect(samples []float64) CausalEffect {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	mean := stat.Mean(samples, nil)
	lower := percentile(sorted, 2.5)
	upper := percentile(sorted, 97.5)

	pos, neg := 0, 0
	for _, s := range samples {
		switch {
		case s > 0:
			pos++
		case s < 0:
			neg++
		}
	}
	n := float64(len(samples))

	return CausalEffect{
		PointEstimate:       mean,
		CILower:             lower,
		CIUpper:             upper,
		ProbabilityPositive: float64(pos) / n,
		ProbabilityNegative: float64(neg) / n,
	}
}

// percentile linearly interpolates the p-th percentile (0-100) of an
// already-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// counterfactualSamples computes, per posterior draw, the mean-over-
// post-days difference between the observed outcome and the prediction
// from the non-intervention part of the model (gamma and delta terms
// zeroed) — the "what would have happened without the intervention"
// counterfactual from §4.5.7.
func counterfactualSamples(ds *Dataset, X *mat.Dense, y []float64, draws [][]float64, idx map[string]int) []float64 {
	_, p := X.Dims()

	var postRows []int
	for i, r := range ds.Rows {
		if r.Intervention == 1 {
			postRows = append(postRows, i)
		}
	}

	gammaCol, deltaCol := idx["gamma"], idx["delta"]
	out := make([]float64, len(draws))
	for d, draw := range draws {
		sum := 0.0
		for _, i := range postRows {
			pred := 0.0
			for j := 0; j < p; j++ {
				if j == gammaCol || j == deltaCol {
					continue
				}
				pred += X.At(i, j) * draw[j]
			}
			sum += y[i] - pred
		}
		out[d] = sum / float64(len(postRows))
	}
	return out
}
