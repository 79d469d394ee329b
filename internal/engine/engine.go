package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"kpiwatch/internal/indicator"
	"kpiwatch/internal/probe"
)

const (
	epsilon = 1e-9
	// deviation reported when the baseline is effectively zero but the
	// current value is not
	saturatedDeviation = 1e6

	defaultProbeTimeout     = 30 * time.Second
	defaultEscalationFactor = 2.0
)

type Engine struct {
	probes           probe.Runner
	probeTimeout     time.Duration
	escalationFactor float64
	log              *slog.Logger
}

// New builds an engine. escalationFactor is the multiple of the configured
// deviation limit at which severity is raised one level; trend alerts start
// at informational and spike alerts at medium.
func New(probes probe.Runner, probeTimeout time.Duration, escalationFactor float64, log *slog.Logger) *Engine {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	if escalationFactor <= 0 {
		escalationFactor = defaultEscalationFactor
	}
	return &Engine{probes: probes, probeTimeout: probeTimeout, escalationFactor: escalationFactor, log: log}
}

// Execute runs the indicator's probe and classifies the result. Probe and
// configuration failures come back as unsuccessful, never-alerting outcomes;
// the next tick retries.
func (e *Engine) Execute(ctx context.Context, ind indicator.Indicator, now time.Time) Outcome {
	start := time.Now()
	out := Outcome{IndicatorID: ind.ID}
	if err := ind.Validate(); err != nil {
		out.ErrorMessage = err.Error()
		out.Elapsed = time.Since(start)
		e.log.Warn("indicator skipped", slog.String("indicator", ind.Name), slog.String("error", err.Error()))
		return out
	}
	if err := ctx.Err(); err != nil {
		out.ErrorMessage = err.Error()
		out.Elapsed = time.Since(start)
		return out
	}
	// a probe that has started is allowed to finish even during shutdown;
	// only its own timeout cuts it off
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.probeTimeout)
	defer cancel()
	res, err := e.probes.Run(probeCtx, ind.Probe, ind.LookbackMinutes)
	if err != nil {
		out.ErrorMessage = err.Error()
		out.Elapsed = time.Since(start)
		e.log.Warn("probe failed", slog.String("indicator", ind.Name), slog.String("error", err.Error()))
		return out
	}
	out.Successful = true
	out.CurrentValue = res.Current
	out.BaselineValue = res.Baseline
	e.classify(&out, ind)
	out.Elapsed = time.Since(start)
	return out
}

func (e *Engine) classify(out *Outcome, ind indicator.Indicator) {
	switch ind.CheckType {
	case indicator.CheckThreshold:
		if compare(out.CurrentValue, *ind.ThresholdValue, ind.Operator) {
			out.ShouldAlert = true
			out.Severity = SeverityHigh
			out.Message = fmt.Sprintf("%s: value %.2f breached threshold (%s %.2f)", ind.Name, out.CurrentValue, ind.Operator, *ind.ThresholdValue)
			return
		}
		out.Message = fmt.Sprintf("%s: value %.2f within threshold", ind.Name, out.CurrentValue)
	case indicator.CheckSuccessRate, indicator.CheckVolume, indicator.CheckTrend:
		e.classifyDeviation(out, ind)
	}
}

func (e *Engine) classifyDeviation(out *Outcome, ind indicator.Indicator) {
	belowMinimum := ind.CheckType == indicator.CheckVolume &&
		ind.MinimumThreshold != nil && out.CurrentValue < *ind.MinimumThreshold
	var dev float64
	devBreach := false
	if out.BaselineValue != nil && ind.DeviationPercent != nil {
		dev = deviation(out.CurrentValue, *out.BaselineValue)
		out.DeviationPercent = &dev
		devBreach = dev > *ind.DeviationPercent
	}
	if !devBreach && !belowMinimum {
		if out.BaselineValue == nil && ind.DeviationPercent != nil {
			out.Message = fmt.Sprintf("%s: no baseline available, value %.2f", ind.Name, out.CurrentValue)
			return
		}
		out.Message = fmt.Sprintf("%s: value %.2f within expected range", ind.Name, out.CurrentValue)
		return
	}
	out.ShouldAlert = true
	escalated := ind.DeviationPercent != nil && devBreach && dev >= e.escalationFactor*(*ind.DeviationPercent)
	if ind.CheckType == indicator.CheckTrend {
		// gradual drift over a long lookback: one level below a spike
		// alert of the same magnitude
		out.Severity = SeverityInfo
		if escalated {
			out.Severity = SeverityMedium
		}
	} else {
		out.Severity = SeverityMedium
		if escalated || belowMinimum {
			out.Severity = SeverityHigh
		}
	}
	out.Message = e.deviationMessage(ind, out, belowMinimum)
}

func (e *Engine) deviationMessage(ind indicator.Indicator, out *Outcome, belowMinimum bool) string {
	if out.DeviationPercent != nil && out.BaselineValue != nil {
		msg := fmt.Sprintf("%s: value %.2f deviates %.1f%% from baseline %.2f", ind.Name, out.CurrentValue, *out.DeviationPercent, *out.BaselineValue)
		if belowMinimum {
			msg += fmt.Sprintf(" and is below minimum %.2f", *ind.MinimumThreshold)
		}
		return msg
	}
	return fmt.Sprintf("%s: value %.2f below minimum %.2f", ind.Name, out.CurrentValue, *ind.MinimumThreshold)
}

// deviation is the percentage distance of current from baseline, with the
// baseline as denominator. A near-zero baseline saturates: any non-trivial
// current value counts as maximal deviation rather than dividing by zero.
func deviation(current, baseline float64) float64 {
	if math.Abs(baseline) < epsilon {
		if math.Abs(current) < epsilon {
			return 0
		}
		return saturatedDeviation
	}
	return math.Abs(current-baseline) / math.Abs(baseline) * 100
}

func compare(value, target float64, op indicator.Operator) bool {
	switch op {
	case indicator.OpGT:
		return value > target
	case indicator.OpGTE:
		return value >= target
	case indicator.OpLT:
		return value < target
	case indicator.OpLTE:
		return value <= target
	case indicator.OpEQ:
		return value == target
	}
	return false
}
