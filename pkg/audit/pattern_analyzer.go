package audit

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

// PatternType represents different types of patterns that can be detected
type PatternType string

const (
	PatternTypeFlapping      PatternType = "flapping"
	PatternTypeCyclic        PatternType = "cyclic"
	PatternTypeFallback      PatternType = "fallback"
	PatternTypeFailure       PatternType = "failure"
	PatternTypeDeteriorating PatternType = "deteriorating"
	PatternTypeSpike         PatternType = "spike"
)

// Pattern represents a detected pattern in decision data
type Pattern struct {
	Type            PatternType            `json:"type"`
	Confidence      float64                `json:"confidence"` // 0.0-1.0
	StartTime       time.Time              `json:"start_time"`
	EndTime         time.Time              `json:"end_time"`
	Description     string                 `json:"description"`
	Severity        string                 `json:"severity"` // low, medium, high, critical
	Metrics         map[string]interface{} `json:"metrics"`
	Recommendations []string               `json:"recommendations"`
}

// PatternAnalyzer looks for recurring behavior in the decision history
type PatternAnalyzer struct {
	logger *logx.Logger
}

// NewPatternAnalyzer creates a new pattern analyzer
func NewPatternAnalyzer(logger *logx.Logger) *PatternAnalyzer {
	return &PatternAnalyzer{logger: logger}
}

// AnalyzePatterns returns the patterns found in decisions, most confident
// first. The input is not modified.
func (pa *PatternAnalyzer) AnalyzePatterns(decisions []*pkg.Decision) []*Pattern {
	var patterns []*Pattern
	if len(decisions) < 3 {
		return patterns
	}

	records := append([]*pkg.Decision(nil), decisions...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	switches := filterOutcome(records, pkg.OutcomeSwitched)
	if p := pa.detectFlapping(switches); p != nil {
		patterns = append(patterns, p)
	}
	if p := pa.detectCyclicSwitches(switches); p != nil {
		patterns = append(patterns, p)
	}
	if p := pa.detectFallbackDominance(records); p != nil {
		patterns = append(patterns, p)
	}
	if p := pa.detectFailures(records); p != nil {
		patterns = append(patterns, p)
	}
	if p := pa.detectCycleTimeTrend(records); p != nil {
		patterns = append(patterns, p)
	}
	patterns = append(patterns, pa.detectSpikes(records)...)

	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Confidence > patterns[j].Confidence
	})

	pa.logger.Debug("Pattern analysis complete", "decisions", len(records), "patterns", len(patterns))
	return patterns
}

// detectFlapping finds switches that undo the previous switch
func (pa *PatternAnalyzer) detectFlapping(switches []*pkg.Decision) *Pattern {
	if len(switches) < 2 {
		return nil
	}

	reversals := 0
	for i := 1; i < len(switches); i++ {
		if switches[i].To == switches[i-1].From && switches[i].From == switches[i-1].To {
			reversals++
		}
	}
	if reversals == 0 {
		return nil
	}

	confidence := float64(reversals) / float64(len(switches)-1)
	return &Pattern{
		Type:       PatternTypeFlapping,
		Confidence: confidence,
		StartTime:  switches[0].Timestamp,
		EndTime:    switches[len(switches)-1].Timestamp,
		Description: fmt.Sprintf("%d of %d switches reverted the previous switch",
			reversals, len(switches)-1),
		Severity: pa.calculateSeverity(confidence),
		Metrics: map[string]interface{}{
			"switches":  len(switches),
			"reversals": reversals,
		},
		Recommendations: []string{
			"Increase hysteresis_s",
			"Increase consistency_window",
		},
	}
}

// detectCyclicSwitches reports switches that happen at regular intervals
func (pa *PatternAnalyzer) detectCyclicSwitches(switches []*pkg.Decision) *Pattern {
	if len(switches) < 4 {
		return nil
	}

	intervals := make([]float64, len(switches)-1)
	for i := range intervals {
		intervals[i] = switches[i+1].Timestamp.Sub(switches[i].Timestamp).Seconds()
	}
	mean, std := stat.PopMeanStdDev(intervals, nil)
	if mean <= 0 {
		return nil
	}
	cv := std / mean
	if cv >= 0.3 {
		return nil
	}

	confidence := 1.0 - math.Min(cv, 1.0)
	avg := time.Duration(mean * float64(time.Second))
	return &Pattern{
		Type:        PatternTypeCyclic,
		Confidence:  confidence,
		StartTime:   switches[0].Timestamp,
		EndTime:     switches[len(switches)-1].Timestamp,
		Description: fmt.Sprintf("Switches every %v (confidence: %.2f)", avg.Round(time.Second), confidence),
		Severity:    pa.calculateSeverity(confidence),
		Metrics: map[string]interface{}{
			"avg_interval":   avg.String(),
			"interval_count": len(intervals),
		},
		Recommendations: []string{
			"Look for periodic cross traffic on the monitored path",
		},
	}
}

// detectFallbackDominance reports when most candidates came from the rules,
// which usually means the model is missing or failing
func (pa *PatternAnalyzer) detectFallbackDominance(records []*pkg.Decision) *Pattern {
	var withSource, rule int
	for _, d := range records {
		switch d.Source {
		case pkg.SourceRule:
			rule++
			withSource++
		case pkg.SourceModel:
			withSource++
		}
	}
	if withSource < 5 {
		return nil
	}
	share := float64(rule) / float64(withSource)
	if share < 0.8 {
		return nil
	}

	return &Pattern{
		Type:        PatternTypeFallback,
		Confidence:  share,
		StartTime:   records[0].Timestamp,
		EndTime:     records[len(records)-1].Timestamp,
		Description: fmt.Sprintf("%.0f%% of candidates came from the rule fallback", share*100),
		Severity:    pa.calculateSeverity(share),
		Metrics: map[string]interface{}{
			"rule_decisions":  rule,
			"total_decisions": withSource,
		},
		Recommendations: []string{
			"Check that the predictor is enabled and the model loads",
		},
	}
}

// detectFailures reports aborted cycles, failed switches and persistence errors
func (pa *PatternAnalyzer) detectFailures(records []*pkg.Decision) *Pattern {
	var aborted, switchFailed, stateErrors int
	for _, d := range records {
		if d.Outcome == pkg.OutcomeAborted {
			aborted++
		}
		if d.Suppression == pkg.SuppressedSwitchFailed {
			switchFailed++
		}
		if d.StateError != "" {
			stateErrors++
		}
	}
	failures := aborted + switchFailed + stateErrors
	if failures == 0 {
		return nil
	}

	rate := math.Min(float64(failures)/float64(len(records)), 1.0)
	var recs []string
	if aborted > 0 {
		recs = append(recs, "Check that the probe target answers ping and runs an iperf3 server")
	}
	if switchFailed > 0 {
		recs = append(recs, "Check that the daemon may write net.ipv4.tcp_congestion_control and the modules are loaded")
	}
	if stateErrors > 0 {
		recs = append(recs, "Check free space and permissions of the state path")
	}

	return &Pattern{
		Type:        PatternTypeFailure,
		Confidence:  rate,
		StartTime:   records[0].Timestamp,
		EndTime:     records[len(records)-1].Timestamp,
		Description: fmt.Sprintf("%d failures in %d cycles", failures, len(records)),
		Severity:    pa.calculateSeverity(rate),
		Metrics: map[string]interface{}{
			"aborted":       aborted,
			"switch_failed": switchFailed,
			"state_errors":  stateErrors,
		},
		Recommendations: recs,
	}
}

// detectCycleTimeTrend fits cycle durations against time and reports a
// clearly rising trend
func (pa *PatternAnalyzer) detectCycleTimeTrend(records []*pkg.Decision) *Pattern {
	if len(records) < 5 {
		return nil
	}

	start := records[0].Timestamp
	x := make([]float64, len(records))
	y := make([]float64, len(records))
	for i, d := range records {
		x[i] = d.Timestamp.Sub(start).Seconds()
		y[i] = float64(d.Duration.Milliseconds())
	}
	if x[len(x)-1] == 0 {
		return nil
	}

	alpha, beta := stat.LinearRegression(x, y, nil, false)
	r2 := stat.RSquared(x, y, nil, alpha, beta)
	if beta <= 0 || math.IsNaN(r2) || r2 < 0.5 {
		return nil
	}

	return &Pattern{
		Type:        PatternTypeDeteriorating,
		Confidence:  r2,
		StartTime:   start,
		EndTime:     records[len(records)-1].Timestamp,
		Description: fmt.Sprintf("Cycle time rising by %.2f ms per minute (r2 %.2f)", beta*60, r2),
		Severity:    pa.calculateSeverity(r2),
		Metrics: map[string]interface{}{
			"slope_ms_per_s": beta,
			"r_squared":      r2,
		},
		Recommendations: []string{
			"Check probe durations against cycle_timeout_s",
		},
	}
}

// detectSpikes reports cycles that took more than three standard
// deviations longer than the mean
func (pa *PatternAnalyzer) detectSpikes(records []*pkg.Decision) []*Pattern {
	var patterns []*Pattern
	if len(records) < 5 {
		return patterns
	}

	durations := make([]float64, len(records))
	for i, d := range records {
		durations[i] = float64(d.Duration.Milliseconds())
	}
	mean, std := stat.PopMeanStdDev(durations, nil)
	if std == 0 {
		return patterns
	}

	for i, v := range durations {
		z := (v - mean) / std
		if z <= 3 {
			continue
		}
		confidence := math.Min(z/6, 1.0)
		patterns = append(patterns, &Pattern{
			Type:        PatternTypeSpike,
			Confidence:  confidence,
			StartTime:   records[i].Timestamp,
			EndTime:     records[i].Timestamp,
			Description: fmt.Sprintf("Cycle %s took %.0f ms (mean %.0f ms)", records[i].ID, v, mean),
			Severity:    pa.calculateSeverity(confidence),
			Metrics: map[string]interface{}{
				"decision_id": records[i].ID,
				"z_score":     z,
			},
		})
	}
	return patterns
}

func filterOutcome(records []*pkg.Decision, outcome pkg.Outcome) []*pkg.Decision {
	var out []*pkg.Decision
	for _, d := range records {
		if d.Outcome == outcome {
			out = append(out, d)
		}
	}
	return out
}

func (pa *PatternAnalyzer) calculateSeverity(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return "critical"
	case confidence >= 0.6:
		return "high"
	case confidence >= 0.4:
		return "medium"
	default:
		return "low"
	}
}
