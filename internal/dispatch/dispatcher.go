package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"kpiwatch/internal/engine"
	"kpiwatch/internal/indicator"
	"kpiwatch/internal/storage"
)

type RecipientSource interface {
	Recipients(ctx context.Context, indicatorID uuid.UUID) ([]storage.Recipient, error)
}

type AuditStore interface {
	LastAlertTime(ctx context.Context, indicatorID uuid.UUID) (time.Time, error)
	SaveAlertRecord(ctx context.Context, rec storage.AlertRecord) error
}

type EmailSender interface {
	SendEmail(ctx context.Context, address, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, address, message string) error
}

// Result summarizes one Dispatch call. A suppressed dispatch attempted
// nothing and wrote no record.
type Result struct {
	Suppressed bool
	Attempted  int
	Succeeded  int
}

type Dispatcher struct {
	recipients RecipientSource
	audit      AuditStore
	email      EmailSender
	sms        SMSSender
	recent     *recentDispatches
	log        *slog.Logger
}

func New(recipients RecipientSource, audit AuditStore, email EmailSender, sms SMSSender, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		recipients: recipients,
		audit:      audit,
		email:      email,
		sms:        sms,
		recent:     newRecentDispatches(),
		log:        log,
	}
}

// Dispatch fans an alert-worthy outcome out to the indicator's recipients.
// The cooldown gate comes first: within the window nothing is sent and no
// record is written. Channel failures are independent; the audit record is
// written even when every channel failed, and a failed dispatch still starts
// the cooldown so a broken channel is not hammered every tick. Cancellation
// is checked before each send; recipients not yet attempted are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, ind indicator.Indicator, outcome engine.Outcome, now time.Time) (Result, error) {
	if last, ok := d.recent.lastDispatch(ind.ID); ok && WithinCooldown(last, now, ind.CooldownMinutes) {
		return Result{Suppressed: true}, nil
	}
	last, err := d.audit.LastAlertTime(ctx, ind.ID)
	switch {
	case err == nil:
		if WithinCooldown(last, now, ind.CooldownMinutes) {
			return Result{Suppressed: true}, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		// cooldown state unreadable: a duplicate alert beats a missed one
		d.log.Warn("last alert lookup failed",
			slog.String("indicator", ind.Name),
			slog.String("error", err.Error()))
	}

	recipients, err := d.recipients.Recipients(ctx, ind.ID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve recipients for %s: %w", ind.Name, err)
	}

	d.recent.mark(ind.ID, now)
	subject := fmt.Sprintf("[%s] %s alert: %s", strings.ToUpper(string(outcome.Severity)), ind.CheckType, ind.Name)
	body := renderBody(ind, outcome, now)

	res := Result{}
	addresses := make([]string, 0, len(recipients))
	for _, rec := range recipients {
		if ctxErr := ctx.Err(); ctxErr != nil {
			d.log.Warn("dispatch interrupted by shutdown",
				slog.String("indicator", ind.Name),
				slog.String("error", ctxErr.Error()))
			break
		}
		addresses = append(addresses, rec.Address)
		res.Attempted++
		var sendErr error
		switch rec.Channel {
		case storage.ChannelSMS:
			sendErr = d.sms.SendSMS(ctx, rec.Address, outcome.Message)
		default:
			sendErr = d.email.SendEmail(ctx, rec.Address, subject, body)
		}
		if sendErr != nil {
			d.log.Warn("notification send failed",
				slog.String("indicator", ind.Name),
				slog.String("channel", string(rec.Channel)),
				slog.String("address", rec.Address),
				slog.String("error", sendErr.Error()))
			continue
		}
		res.Succeeded++
	}

	record := storage.AlertRecord{
		ID:                uuid.New(),
		IndicatorID:       ind.ID,
		TriggerTime:       now,
		Severity:          string(outcome.Severity),
		Message:           outcome.Message,
		ChannelsAttempted: res.Attempted,
		ChannelsSucceeded: res.Succeeded,
		Recipients:        addresses,
	}
	// the audit row must land even when dispatch is cut short by shutdown,
	// otherwise the cooldown restarts from nothing after a restart
	if err := d.audit.SaveAlertRecord(context.WithoutCancel(ctx), record); err != nil {
		return res, fmt.Errorf("save alert record for %s: %w", ind.Name, err)
	}
	return res, nil
}

func renderBody(ind indicator.Indicator, outcome engine.Outcome, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", outcome.Message)
	fmt.Fprintf(&b, "Indicator: %s (owner %s)\n", ind.Name, ind.Owner)
	fmt.Fprintf(&b, "Check type: %s\n", ind.CheckType)
	fmt.Fprintf(&b, "Current value: %.2f\n", outcome.CurrentValue)
	if outcome.BaselineValue != nil {
		fmt.Fprintf(&b, "Baseline: %.2f\n", *outcome.BaselineValue)
	}
	if outcome.DeviationPercent != nil {
		fmt.Fprintf(&b, "Deviation: %.1f%%\n", *outcome.DeviationPercent)
	}
	fmt.Fprintf(&b, "Triggered at: %s\n", now.UTC().Format(time.RFC3339))
	return b.String()
}
