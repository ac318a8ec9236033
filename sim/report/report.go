// Package report renders an ensemble distribution as a plain-text executive
// summary. Output is deterministic and carries no ANSI escapes; styling is
// the caller's concern.
package report

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/dyadlab/relmc/sim/ensemble"
)

// sparkRamp maps a rate in [0, 1] to one block glyph.
const sparkRamp = " ▁▂▃▄▅▆▇█"

// Report renders the executive summary for a finished ensemble: verdict,
// distribution summary table, survival sparkline, quartile breakdown, top
// risk scenarios and the antifragility score. A nil analysis is derived from
// the distribution. Never panics; an empty distribution yields a short
// report carrying the analysis error.
func Report(dist *ensemble.Distribution, analysis *ensemble.Analysis) string {
	if dist == nil {
		return "no distribution to report\n"
	}
	if analysis == nil {
		analysis = ensemble.AnalyzeDistribution(dist)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Executive Report — Pair: %s\n", dist.PairID)
	fmt.Fprintf(&b, "Simulations: %d | Computed: %s\n\n",
		dist.NSimulations, dist.ComputedAt.Format("2006-01-02 15:04"))

	if analysis.Err != "" {
		fmt.Fprintf(&b, "%s\n", analysis.Err)
		return b.String()
	}

	fmt.Fprintf(&b, "Verdict: %s\n\n", analysis.Recommendation)

	summaryTable(&b, dist, analysis)
	survivalSparkline(&b, analysis.SurvivalCurve)
	quartileTable(&b, analysis.Quartiles)
	riskTable(&b, analysis.RiskScenarios)

	fmt.Fprintf(&b, "Antifragility Score: %s of timelines emerged stronger post-crisis\n",
		percent(dist.AntifragilityRate()))
	return b.String()
}

func summaryTable(b *strings.Builder, dist *ensemble.Distribution, analysis *ensemble.Analysis) {
	fmt.Fprintln(b, "Monte Carlo Distribution Summary")
	t := tablewriter.NewWriter(b)
	t.SetHeader([]string{"Metric", "Value"})
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)

	ci := analysis.ConfidenceIntervals.Homeostasis
	t.AppendBulk([][]string{
		{"Homeostasis Rate", percent(dist.HomeostasisRate())},
		{"Antifragility Rate", percent(dist.AntifragilityRate())},
		{"Median Elasticity", fmt.Sprintf("%.3f", dist.MedianElasticity())},
		{"P20 Homeostasis", percent(dist.P20Homeostasis())},
		{"P80 Homeostasis", percent(dist.P80Homeostasis())},
		{"Primary Collapse Vector", dist.PrimaryCollapseVector()},
		{"95% CI (Homeostasis)", fmt.Sprintf("[%s, %s]", percent(ci.Low), percent(ci.High))},
	})
	t.Render()
	fmt.Fprintln(b)
}

func survivalSparkline(b *strings.Builder, curve []ensemble.SurvivalPoint) {
	if len(curve) == 0 {
		return
	}
	ramp := []rune(sparkRamp)
	spark := make([]rune, len(curve))
	for i, p := range curve {
		spark[i] = ramp[int(p.Rate*float64(len(ramp)-1))]
	}
	fmt.Fprintln(b, "Survival Curve (Homeostasis Rate by Severity):")
	fmt.Fprintf(b, "  Severity  0.05 %s 0.95\n", strings.Repeat("─", len(spark)))
	fmt.Fprintf(b, "  H-Rate    %s\n\n", string(spark))
}

func quartileTable(b *strings.Builder, quartiles []ensemble.QuartileRate) {
	if len(quartiles) == 0 {
		return
	}
	fmt.Fprintln(b, "Homeostasis by Severity Quartile")
	t := tablewriter.NewWriter(b)
	t.SetHeader([]string{"Quartile", "N", "Mean Severity", "Homeostasis Rate"})
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, q := range quartiles {
		t.Append([]string{
			q.Label,
			fmt.Sprintf("%d", q.N),
			fmt.Sprintf("%.2f", q.MeanSeverity),
			percent(q.HomeostasisRate),
		})
	}
	t.Render()
	fmt.Fprintln(b)
}

func riskTable(b *strings.Builder, risks []ensemble.RiskScenario) {
	if len(risks) == 0 {
		return
	}
	fmt.Fprintln(b, "Top Risk Scenarios")
	t := tablewriter.NewWriter(b)
	t.SetHeader([]string{"Axis", "Collapses", "Mean Severity", "Collapse Rate"})
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range risks {
		t.Append([]string{
			r.Axis,
			fmt.Sprintf("%d", r.Collapses),
			fmt.Sprintf("%.2f", r.MeanSeverity),
			percent(r.CollapseRate),
		})
	}
	t.Render()
	fmt.Fprintln(b)
}

func percent(rate float64) string {
	return fmt.Sprintf("%.1f%%", rate*100)
}
