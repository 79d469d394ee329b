package probe

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"kpiwatch/internal/indicator"
)

// Result is what a probe reports for one execution: the current metric value
// and, when the backing query computes one, a historical baseline.
type Result struct {
	Current  float64
	Baseline *float64
}

type Runner interface {
	Run(ctx context.Context, ref indicator.ProbeRef, lookbackMinutes int) (Result, error)
}

type FailureKind string

const (
	FailureTimeout    FailureKind = "timeout"
	FailureConnection FailureKind = "connection"
	FailureMalformed  FailureKind = "malformed"
)

// Error wraps any probe failure. The engine treats every kind as "no data",
// never as an alert condition.
type Error struct {
	Kind FailureKind
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("probe %s: %s: %v", e.Ref, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func failure(ref indicator.ProbeRef, err error) *Error {
	kind := FailureConnection
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = FailureTimeout
	}
	return &Error{Kind: kind, Ref: ref.Procedure, Err: err}
}

func malformed(ref indicator.ProbeRef, err error) *Error {
	return &Error{Kind: FailureMalformed, Ref: ref.Procedure, Err: err}
}

var identRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

func isSafeIdentifier(value string) bool {
	return identRegex.MatchString(value)
}
