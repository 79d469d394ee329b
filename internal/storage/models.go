package storage

import (
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Recipient is one notification target for an indicator's alerts. SMS
// addresses are carrier gateway mailboxes.
type Recipient struct {
	Channel Channel
	Address string
}

// AlertRecord is the audit row written once per dispatched alert, including
// total-failure dispatches.
type AlertRecord struct {
	ID                uuid.UUID
	IndicatorID       uuid.UUID
	TriggerTime       time.Time
	Severity          string
	Message           string
	ChannelsAttempted int
	ChannelsSucceeded int
	Recipients        []string
	Resolved          bool
}

// ExecutionRecord is one row of run history per execution attempt.
type ExecutionRecord struct {
	IndicatorID      uuid.UUID
	RunAt            time.Time
	Successful       bool
	CurrentValue     float64
	BaselineValue    *float64
	DeviationPercent *float64
	Alerted          bool
	ErrorMessage     string
	ElapsedMs        int64
}

// Heartbeat is the single-row liveness record health checks read.
type Heartbeat struct {
	TickAt     time.Time
	Processed  int64
	AlertsSent int64
}
