package optimizer

import (
	"context"
	"fmt"
	"log"

	"github.com/kimjune01/looplearner/config"
)

// Convergence factor names, reported on every assessment.
const (
	FactorHardLimitReached      = "hard_limit_reached"
	FactorNegativeTrend         = "negative_trend_detected"
	FactorPerformancePlateau    = "performance_plateau"
	FactorConfidenceConvergence = "confidence_convergence"
	FactorFeedbackStability     = "feedback_stability"
	FactorMinimumIterations     = "minimum_iterations_reached"
	FactorMinimumFeedback       = "minimum_feedback_reached"
)

var factorOrder = []string{
	FactorHardLimitReached,
	FactorNegativeTrend,
	FactorPerformancePlateau,
	FactorConfidenceConvergence,
	FactorFeedbackStability,
	FactorMinimumIterations,
	FactorMinimumFeedback,
}

// Composite-path thresholds.
const (
	trendWindow            = 5
	trendMinScores         = 3
	trendMaxRelativeDrop   = 0.05
	confidenceFloor        = 0.8
	confidenceTrendBand    = 0.05
	consistencyFloor       = 0.8
	minConsistentStreak    = 10
	compositeFactorCount   = 5
	limitWarningProximity  = 2
	defaultSavingsCaseSize = 20
)

// Detector decides whether continuing to optimize a lab is worth the
// additional compute cost.
type Detector struct {
	cfg    config.OptimizationConfig
	store  Storage
	cost   *CostModel
	logger *log.Logger
}

// NewDetector creates a convergence detector.
func NewDetector(cfg config.OptimizationConfig, store Storage, cost *CostModel, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(log.Writer(), "[CONVERGE] ", log.LstdFlags)
	}
	return &Detector{cfg: cfg, store: store, cost: cost, logger: logger}
}

// AssessConvergence evaluates the lab's history against the stopping rule.
// Conditions are checked in fixed order; the first forcing condition wins.
// Thin history degrades individual checks, it never errors.
func (d *Detector) AssessConvergence(ctx context.Context, lab Lab) (Assessment, error) {
	factors := map[string]bool{}

	// 1. Hard iteration ceiling protecting against runaway spend.
	if lab.OptimizationIterations >= d.cfg.MaxIterationsHardLimit {
		factors[FactorHardLimitReached] = true
		a := Assessment{
			Converged:       true,
			ConfidenceScore: 1.0,
			Factors:         factors,
			ComputeSaved:    true,
		}
		a.Recommendations = d.generateRecommendations(lab, factors, true)
		return a, nil
	}

	history, err := d.store.PerformanceHistory(ctx, lab.ID, trendWindow)
	if err != nil {
		d.logger.Printf("performance history unavailable for lab %s: %v", lab.ID, err)
		history = nil
	}

	// 2. Sustained decline: more spend is unlikely to help and risks
	// regression. Requires at least three scores.
	if checkNegativeTrend(history) {
		factors[FactorNegativeTrend] = true
		a := Assessment{
			Converged:       true,
			ConfidenceScore: 1.0,
			Factors:         factors,
			ComputeSaved:    true,
		}
		a.Recommendations = d.generateRecommendations(lab, factors, true)
		return a, nil
	}

	// 3. Composite plateau: all five factors must hold.
	factors[FactorPerformancePlateau] = checkPlateau(history, progressiveThreshold(lab.OptimizationIterations))

	snapshot, err := d.store.LatestConfidenceSnapshot(ctx, lab.ID)
	if err != nil {
		d.logger.Printf("confidence snapshot unavailable for lab %s: %v", lab.ID, err)
		snapshot = nil
	}
	if snapshot != nil {
		factors[FactorConfidenceConvergence] = snapshot.UserConfidence >= confidenceFloor &&
			snapshot.SystemConfidence >= confidenceFloor &&
			abs(snapshot.ConfidenceTrend) <= confidenceTrendBand
		factors[FactorFeedbackStability] = snapshot.FeedbackConsistencyScore >= consistencyFloor &&
			snapshot.ConsistentFeedbackStreak >= minConsistentStreak
	} else {
		factors[FactorConfidenceConvergence] = false
		factors[FactorFeedbackStability] = false
	}

	factors[FactorMinimumIterations] = lab.OptimizationIterations >= d.cfg.MinIterations
	factors[FactorMinimumFeedback] = lab.TotalFeedbackCollected >= d.cfg.MinFeedback

	trueCount := 0
	for _, name := range []string{
		FactorPerformancePlateau,
		FactorConfidenceConvergence,
		FactorFeedbackStability,
		FactorMinimumIterations,
		FactorMinimumFeedback,
	} {
		if factors[name] {
			trueCount++
		}
	}

	converged := trueCount == compositeFactorCount
	a := Assessment{
		Converged:       converged,
		ConfidenceScore: float64(trueCount) / compositeFactorCount,
		Factors:         factors,
		ComputeSaved:    converged,
	}
	a.Recommendations = d.generateRecommendations(lab, factors, converged)
	return a, nil
}

// generateRecommendations turns factor outcomes into guidance for operators.
func (d *Detector) generateRecommendations(lab Lab, factors map[string]bool, converged bool) []Recommendation {
	var recs []Recommendation

	if factors[FactorNegativeTrend] {
		recs = append(recs, Recommendation{
			Type:     "stop",
			Priority: "critical",
			Message:  "performance is declining across recent iterations; stop now to avoid regression",
		})
	}

	if lab.OptimizationIterations >= d.cfg.MaxIterationsHardLimit-limitWarningProximity &&
		lab.OptimizationIterations < d.cfg.MaxIterationsHardLimit {
		recs = append(recs, Recommendation{
			Type:     "limit",
			Priority: "warning",
			Message: fmt.Sprintf("lab is %d iterations from the hard limit (%d)",
				d.cfg.MaxIterationsHardLimit-lab.OptimizationIterations, d.cfg.MaxIterationsHardLimit),
		})
	} else if d.cfg.MaxIterationsSoftLimit > 0 &&
		lab.OptimizationIterations >= d.cfg.MaxIterationsSoftLimit-limitWarningProximity &&
		lab.OptimizationIterations < d.cfg.MaxIterationsSoftLimit {
		recs = append(recs, Recommendation{
			Type:     "limit",
			Priority: "info",
			Message: fmt.Sprintf("lab is %d iterations from the soft limit (%d)",
				d.cfg.MaxIterationsSoftLimit-lab.OptimizationIterations, d.cfg.MaxIterationsSoftLimit),
		})
	}

	if converged && !factors[FactorHardLimitReached] && d.cost != nil {
		caseCount := d.cfg.MaxEvaluationCases
		if caseCount <= 0 {
			caseCount = defaultSavingsCaseSize
		}
		est := d.cost.EstimateIterationCost(caseCount)
		recs = append(recs, Recommendation{
			Type:             "compute_savings",
			Priority:         "info",
			Message:          fmt.Sprintf("stopping here saves an estimated $%.4f per additional iteration", est.Total),
			EstimatedSavings: est.Total,
		})
	}
	return recs
}

// progressiveThreshold returns the relative improvement below which the
// latest iteration counts as a plateau. Early iterations demand a larger
// jump to justify continuing; later ones accept smaller gains.
func progressiveThreshold(iterations int) float64 {
	switch {
	case iterations < 5:
		return 0.10
	case iterations < 10:
		return 0.05
	case iterations < 15:
		return 0.02
	default:
		return 0.01
	}
}

// checkNegativeTrend reports a sustained decline across the score window.
// history is ordered most recent first; a decline means every step back in
// time shows an equal-or-better score, with the oldest-to-newest drop
// exceeding the relative floor.
func checkNegativeTrend(history []float64) bool {
	if len(history) < trendMinScores {
		return false
	}
	for i := 0; i < len(history)-1; i++ {
		if history[i] > history[i+1] {
			return false // an improvement breaks the trend
		}
	}
	oldest := history[len(history)-1]
	newest := history[0]
	if oldest <= 0 {
		return false
	}
	return (oldest-newest)/oldest > trendMaxRelativeDrop
}

// checkPlateau reports whether the latest improvement over the prior version
// falls below the progressive threshold. Needs at least two scores.
func checkPlateau(history []float64, threshold float64) bool {
	if len(history) < 2 {
		return false
	}
	latest, prior := history[0], history[1]
	if prior <= 0 {
		return latest-prior < threshold
	}
	return (latest-prior)/prior < threshold
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
