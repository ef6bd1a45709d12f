// generateAllPlots builds the four-plot diagnostic bundle (observed vs
// counterfactual, posterior predictive check, effect distribution,
// MCMC diagnostics) as base64-encoded PNGs via gonum/plot.
package its

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/color"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var (
	colorPre       = color.RGBA{B: 190, A: 255}
	colorPost      = color.RGBA{R: 230, G: 140, A: 255}
	colorCF        = color.RGBA{R: 200, A: 255}
	colorCFRibbon  = color.RGBA{R: 200, A: 60}
	colorObserved  = color.RGBA{B: 190, A: 140}
	colorPosterior = color.RGBA{R: 230, G: 140, A: 140}
	colorOK        = color.RGBA{G: 150, A: 200}
	colorBad       = color.RGBA{R: 200, A: 200}
	colorThreshold = color.RGBA{R: 200, A: 255}
)

func plotToBase64(p *plot.Plot, width, height vg.Length) (string, error) {
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func gridToBase64(plots [][]*plot.Plot, width, height vg.Length) (string, error) {
	img := vgimg.New(width, height)
	dc := draw.New(img)
	rows, cols := len(plots), len(plots[0])
	tiles := draw.Tiles{
		Rows: rows, Cols: cols,
		PadX: vg.Points(12), PadY: vg.Points(12),
		PadTop: vg.Points(10), PadBottom: vg.Points(10),
		PadLeft: vg.Points(10), PadRight: vg.Points(10),
	}
	canvases := plot.Align(plots, tiles, dc)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if plots[i][j] != nil {
				plots[i][j].Draw(canvases[i][j])
			}
		}
	}
	var buf bytes.Buffer
	enc := vgimg.PngCanvas{Canvas: img}
	if _, err := enc.WriteTo(&buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func outcomeRange(ds *Dataset) (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, r := range ds.Rows {
		if r.Outcome < min {
			min = r.Outcome
		}
		if r.Outcome > max {
			max = r.Outcome
		}
	}
	return min, max
}

func buildObservedVsCounterfactualPlot(ds *Dataset, X *mat.Dense, y []float64, pooled [][]float64, idx map[string]int) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Bayesian ITS: Observed vs Counterfactual"
	p.X.Label.Text = "Days Since Start"
	p.Y.Label.Text = "Outcome"

	var prePts, postPts plotter.XYs
	for _, r := range ds.Rows {
		pt := plotter.XY{X: float64(r.Time), Y: r.Outcome}
		if r.Intervention == 0 {
			prePts = append(prePts, pt)
		} else {
			postPts = append(postPts, pt)
		}
	}

	preScatter, err := plotter.NewScatter(prePts)
	if err != nil {
		return nil, err
	}
	preScatter.Color = colorPre
	p.Add(preScatter)
	p.Legend.Add("Pre-intervention", preScatter)

	postScatter, err := plotter.NewScatter(postPts)
	if err != nil {
		return nil, err
	}
	postScatter.Color = colorPost
	p.Add(postScatter)
	p.Legend.Add("Post-intervention", postScatter)

	_, pcols := X.Dims()
	gammaCol, deltaCol := idx["gamma"], idx["delta"]

	var cfLine, cfUpper, cfLower plotter.XYs
	for i, r := range ds.Rows {
		if r.Intervention == 0 {
			continue
		}
		preds := make([]float64, len(pooled))
		for d, sample := range pooled {
			pred := 0.0
			for j := 0; j < pcols; j++ {
				if j == gammaCol || j == deltaCol {
					continue
				}
				pred += X.At(i, j) * sample[j]
			}
			preds[d] = pred
		}
		sorted := append([]float64(nil), preds...)
		sort.Float64s(sorted)

		cfLine = append(cfLine, plotter.XY{X: float64(r.Time), Y: stat.Mean(preds, nil)})
		cfUpper = append(cfUpper, plotter.XY{X: float64(r.Time), Y: percentile(sorted, 97.5)})
		cfLower = append(cfLower, plotter.XY{X: float64(r.Time), Y: percentile(sorted, 2.5)})
	}

	if len(cfLine) > 0 {
		ribbon := make(plotter.XYs, 0, 2*len(cfUpper))
		ribbon = append(ribbon, cfUpper...)
		for i := len(cfLower) - 1; i >= 0; i-- {
			ribbon = append(ribbon, cfLower[i])
		}
		if poly, err := plotter.NewPolygon(ribbon); err == nil {
			poly.Color = colorCFRibbon
			poly.LineStyle.Color = color.Transparent
			p.Add(poly)
		}

		line, err := plotter.NewLine(cfLine)
		if err != nil {
			return nil, err
		}
		line.Color = colorCF
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("Counterfactual (95% CI)", line)
	}

	minY, maxY := outcomeRange(ds)
	if vline, err := plotter.NewLine(plotter.XYs{
		{X: float64(ds.InterventionDayIndex), Y: minY},
		{X: float64(ds.InterventionDayIndex), Y: maxY},
	}); err == nil {
		vline.Color = color.Black
		vline.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}
		p.Add(vline)
		p.Legend.Add("Intervention", vline)
	}

	return p, nil
}

func buildPosteriorPredictiveCheckPlot(X *mat.Dense, y []float64, pooled [][]float64, rng *rand.Rand) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Posterior Predictive Check"
	p.X.Label.Text = "Outcome"
	p.Y.Label.Text = "Density"

	obsHist, err := plotter.NewHist(plotter.Values(y), 20)
	if err != nil {
		return nil, err
	}
	obsHist.Normalize(1)
	obsHist.FillColor = colorObserved
	p.Add(obsHist)
	p.Legend.Add("Observed", obsHist)

	n, pcols := X.Dims()
	nDraws := 100
	if len(pooled) < nDraws {
		nDraws = len(pooled)
	}
	ppSamples := make(plotter.Values, 0, nDraws*n)
	for d := 0; d < nDraws; d++ {
		sample := pooled[rng.IntN(len(pooled))]
		sigma := sample[pcols]
		for i := 0; i < n; i++ {
			pred := 0.0
			for j := 0; j < pcols; j++ {
				pred += X.At(i, j) * sample[j]
			}
			ppSamples = append(ppSamples, pred+rng.NormFloat64()*sigma)
		}
	}
	ppHist, err := plotter.NewHist(ppSamples, 30)
	if err != nil {
		return nil, err
	}
	ppHist.Normalize(1)
	ppHist.FillColor = colorPosterior
	p.Add(ppHist)
	p.Legend.Add("Posterior predictive", ppHist)

	return p, nil
}

// buildEffectPanel reproduces its_plots.py's approximate-posterior
// technique verbatim: rather than histogram the real derived-effect
// draws, it summarizes the reported CI width as a normal approximation
// and histograms 10000 samples from that approximation.
func buildEffectPanel(effect CausalEffect, title string, fill color.Color, rng *rand.Rand) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Effect size"
	p.Y.Label.Text = "Density"

	std := (effect.CIUpper - effect.CILower) / (2 * 1.96)
	if std <= 0 {
		std = 1e-6
	}
	samples := make(plotter.Values, 10000)
	for i := range samples {
		samples[i] = effect.PointEstimate + rng.NormFloat64()*std
	}

	hist, err := plotter.NewHist(samples, 50)
	if err != nil {
		return nil, err
	}
	hist.Normalize(1)
	hist.FillColor = fill
	p.Add(hist)

	peakDensity := 1.0 / (std * math.Sqrt(2*math.Pi)) * 1.2
	addVLine := func(x float64, c color.Color, label string) {
		line, err := plotter.NewLine(plotter.XYs{{X: x, Y: 0}, {X: x, Y: peakDensity}})
		if err != nil {
			return
		}
		line.Color = c
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		if label != "" {
			p.Legend.Add(label, line)
		}
	}
	addVLine(effect.PointEstimate, color.RGBA{R: 200, A: 255}, "Mean")
	addVLine(effect.CILower, color.RGBA{R: 230, G: 140, A: 255}, "95% CI")
	addVLine(effect.CIUpper, color.RGBA{R: 230, G: 140, A: 255}, "")
	addVLine(0, color.Black, "")

	return p, nil
}

func buildEffectDistributionGrid(immediate, counterfactual CausalEffect, rng *rand.Rand) ([][]*plot.Plot, error) {
	immediatePlot, err := buildEffectPanel(
		immediate,
		fmt.Sprintf("Immediate Effect\nP(benefit) = %.1f%%", immediate.ProbabilityPositive*100),
		colorPre, rng,
	)
	if err != nil {
		return nil, err
	}
	cfPlot, err := buildEffectPanel(
		counterfactual,
		fmt.Sprintf("Counterfactual Effect\nP(benefit) = %.1f%%", counterfactual.ProbabilityPositive*100),
		colorPost, rng,
	)
	if err != nil {
		return nil, err
	}
	return [][]*plot.Plot{{immediatePlot, cfPlot}}, nil
}

func indexOf(names []string, target string) int {
	for i, n := range names {
		if n == target {
			return i
		}
	}
	return -1
}

func buildTracePlot(chainDraws [][][]float64, paramIdx int, name string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Trace: " + name
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = name

	palette := []color.Color{
		color.RGBA{B: 190, A: 255}, color.RGBA{R: 200, A: 255},
		color.RGBA{G: 150, A: 255}, color.RGBA{R: 140, G: 90, B: 190, A: 255},
	}
	for c, chain := range chainDraws {
		pts := make(plotter.XYs, len(chain))
		for i, row := range chain {
			pts[i] = plotter.XY{X: float64(i), Y: row[paramIdx]}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = palette[c%len(palette)]
		p.Add(line)
	}
	return p, nil
}

func buildThresholdBar(title, ylabel string, names []string, values map[string]float64, threshold float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = ylabel

	vals := make(plotter.Values, len(names))
	for i, n := range names {
		vals[i] = values[n]
	}
	bars, err := plotter.NewBarChart(vals, vg.Points(20))
	if err != nil {
		return nil, err
	}
	bars.Horizontal = true
	bars.Color = colorOK
	p.Add(bars)
	p.NominalY(names...)

	if line, err := plotter.NewLine(plotter.XYs{{X: threshold, Y: -0.5}, {X: threshold, Y: float64(len(names)) - 0.5}}); err == nil {
		line.Color = colorThreshold
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("Threshold (%.2f)", threshold), line)
	}

	return p, nil
}

func buildMCMCDiagnosticsGrid(chainDraws [][][]float64, allNames []string, rHat, ess map[string]float64) ([][]*plot.Plot, error) {
	gammaIdx := indexOf(allNames, "gamma")
	sigmaIdx := indexOf(allNames, "sigma")

	traceGamma, err := buildTracePlot(chainDraws, gammaIdx, "gamma")
	if err != nil {
		return nil, err
	}
	traceSigma, err := buildTracePlot(chainDraws, sigmaIdx, "sigma")
	if err != nil {
		return nil, err
	}
	rHatBar, err := buildThresholdBar("R-hat Convergence Diagnostic", "R-hat", allNames, rHat, rHatFailureThreshold)
	if err != nil {
		return nil, err
	}
	essBar, err := buildThresholdBar("Effective Sample Size", "ESS", allNames, ess, essWarningThreshold)
	if err != nil {
		return nil, err
	}

	return [][]*plot.Plot{{traceGamma, traceSigma}, {rHatBar, essBar}}, nil
}

// generateAllPlots renders the four-plot bundle named in §4.5.8:
// observed_vs_counterfactual, posterior_predictive_check,
// effect_distribution, mcmc_diagnostics.
func generateAllPlots(ds *Dataset, X *mat.Dense, y []float64, pooled [][]float64, idx map[string]int, immediate, counterfactual CausalEffect, rHat, ess map[string]float64, allNames []string, chainDraws [][][]float64) (map[string]string, error) {
	// Deterministic rendering RNG: only the visualization, never the
	// reported estimates, depends on this seed.
	rng := rand.New(rand.NewPCG(1, 2))

	ovcPlot, err := buildObservedVsCounterfactualPlot(ds, X, y, pooled, idx)
	if err != nil {
		return nil, err
	}
	ovc, err := plotToBase64(ovcPlot, vg.Points(700), vg.Points(400))
	if err != nil {
		return nil, err
	}

	ppcPlot, err := buildPosteriorPredictiveCheckPlot(X, y, pooled, rng)
	if err != nil {
		return nil, err
	}
	ppc, err := plotToBase64(ppcPlot, vg.Points(600), vg.Points(400))
	if err != nil {
		return nil, err
	}

	effectGrid, err := buildEffectDistributionGrid(immediate, counterfactual, rng)
	if err != nil {
		return nil, err
	}
	effectDist, err := gridToBase64(effectGrid, vg.Points(800), vg.Points(400))
	if err != nil {
		return nil, err
	}

	diagGrid, err := buildMCMCDiagnosticsGrid(chainDraws, allNames, rHat, ess)
	if err != nil {
		return nil, err
	}
	mcmcDiag, err := gridToBase64(diagGrid, vg.Points(900), vg.Points(700))
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"observed_vs_counterfactual": ovc,
		"posterior_predictive_check": ppc,
		"effect_distribution":        effectDist,
		"mcmc_diagnostics":           mcmcDiag,
	}, nil
}
