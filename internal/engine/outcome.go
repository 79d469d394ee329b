package engine

import (
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Outcome is the result of one indicator execution. It is ephemeral: the
// dispatcher consumes it and the orchestrator writes a history row from it.
type Outcome struct {
	IndicatorID      uuid.UUID
	CurrentValue     float64
	BaselineValue    *float64
	DeviationPercent *float64
	ShouldAlert      bool
	Severity         Severity
	Message          string
	Successful       bool
	ErrorMessage     string
	Elapsed          time.Duration
}
