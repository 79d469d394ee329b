package indicator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kpiwatch/internal/schedule"
)

type CheckType string

const (
	CheckSuccessRate CheckType = "success_rate"
	CheckVolume      CheckType = "volume"
	CheckThreshold   CheckType = "threshold"
	CheckTrend       CheckType = "trend"
)

type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
)

// ProbeRef identifies the external query backing an indicator: a stored
// procedure on a named connection, with one free-form parameter.
type ProbeRef struct {
	Connection string
	Procedure  string
	Parameter  string
}

// Indicator is a monitored business metric. The engine only ever mutates
// LastRun (through storage); everything else is owned by the management side.
type Indicator struct {
	ID               uuid.UUID
	Name             string
	Owner            string
	Schedule         schedule.Schedule
	CheckType        CheckType
	DeviationPercent *float64
	MinimumThreshold *float64
	ThresholdValue   *float64
	Operator         Operator
	LookbackMinutes  int
	CooldownMinutes  int
	Active           bool
	LastRun          *time.Time
	Probe            ProbeRef
}

var ErrConfig = errors.New("indicator configuration invalid")

// Validate is the engine's fail-closed gate. Configuration is validated by
// the management side before it reaches us, but a row missing the fields its
// check type needs is skipped rather than executed with garbage.
func (ind Indicator) Validate() error {
	if ind.Probe.Procedure == "" {
		return fmt.Errorf("%w: probe procedure not set", ErrConfig)
	}
	if ind.LookbackMinutes <= 0 {
		return fmt.Errorf("%w: lookback minutes must be positive", ErrConfig)
	}
	if ind.CooldownMinutes < 0 {
		return fmt.Errorf("%w: cooldown minutes must not be negative", ErrConfig)
	}
	switch ind.CheckType {
	case CheckSuccessRate, CheckTrend:
		if ind.DeviationPercent == nil {
			return fmt.Errorf("%w: %s check requires deviation percent", ErrConfig, ind.CheckType)
		}
	case CheckVolume:
		if ind.DeviationPercent == nil && ind.MinimumThreshold == nil {
			return fmt.Errorf("%w: volume check requires deviation percent or minimum threshold", ErrConfig)
		}
	case CheckThreshold:
		if ind.ThresholdValue == nil {
			return fmt.Errorf("%w: threshold check requires threshold value", ErrConfig)
		}
		switch ind.Operator {
		case OpGT, OpGTE, OpLT, OpLTE, OpEQ:
		default:
			return fmt.Errorf("%w: unknown comparison operator %q", ErrConfig, ind.Operator)
		}
	default:
		return fmt.Errorf("%w: unknown check type %q", ErrConfig, ind.CheckType)
	}
	if err := ind.Schedule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}
