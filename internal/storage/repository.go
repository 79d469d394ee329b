package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kpiwatch/internal/indicator"
	"kpiwatch/internal/schedule"
)

type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

func (r *Repository) LoadActiveIndicators(ctx context.Context) ([]indicator.Indicator, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT i.id, i.name, i.owner, i.check_type, i.deviation_percent, i.minimum_threshold,
		       i.threshold_value, i.comparison_operator, i.lookback_minutes, i.cooldown_minutes,
		       i.last_run, i.probe_connection, i.probe_procedure, i.probe_parameter,
		       s.kind, s.interval_minutes, s.cron_expression, s.fire_at, s.enabled,
		       s.valid_from, s.valid_until, s.timezone, s.consumed, s.created_at
		FROM indicators i
		JOIN schedules s ON s.indicator_id = i.id
		WHERE i.is_active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []indicator.Indicator{}
	for rows.Next() {
		var ind indicator.Indicator
		var operator *string
		var intervalMinutes *int
		var cronExpression, timezone *string
		var fireAt *time.Time
		ind.Active = true
		if err := rows.Scan(
			&ind.ID, &ind.Name, &ind.Owner, &ind.CheckType, &ind.DeviationPercent, &ind.MinimumThreshold,
			&ind.ThresholdValue, &operator, &ind.LookbackMinutes, &ind.CooldownMinutes,
			&ind.LastRun, &ind.Probe.Connection, &ind.Probe.Procedure, &ind.Probe.Parameter,
			&ind.Schedule.Kind, &intervalMinutes, &cronExpression, &fireAt, &ind.Schedule.Enabled,
			&ind.Schedule.ValidFrom, &ind.Schedule.ValidUntil, &timezone, &ind.Schedule.Consumed, &ind.Schedule.CreatedAt,
		); err != nil {
			return nil, err
		}
		if operator != nil {
			ind.Operator = indicator.Operator(*operator)
		}
		if intervalMinutes != nil {
			ind.Schedule.IntervalMinutes = *intervalMinutes
		}
		if cronExpression != nil {
			ind.Schedule.CronExpression = *cronExpression
		}
		if fireAt != nil {
			ind.Schedule.FireAt = *fireAt
		}
		if timezone != nil {
			ind.Schedule.Timezone = *timezone
		}
		results = append(results, ind)
	}
	return results, rows.Err()
}

// SaveLastRun advances the single field the engine owns. One-time schedules
// are additionally marked consumed so they never fire again.
func (r *Repository) SaveLastRun(ctx context.Context, id uuid.UUID, ts time.Time, consumedOneTime bool) error {
	if _, err := r.Store.Pool.Exec(ctx, `UPDATE indicators SET last_run=$1 WHERE id=$2`, ts, id); err != nil {
		return err
	}
	if !consumedOneTime {
		return nil
	}
	_, err := r.Store.Pool.Exec(ctx, `
		UPDATE schedules SET consumed=true WHERE indicator_id=$1 AND kind=$2`, id, schedule.KindOneTime)
	return err
}

func (r *Repository) SaveAlertRecord(ctx context.Context, rec AlertRecord) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO alert_records (id, indicator_id, trigger_time, severity, message,
			channels_attempted, channels_succeeded, recipients, resolved)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.IndicatorID, rec.TriggerTime, rec.Severity, rec.Message,
		rec.ChannelsAttempted, rec.ChannelsSucceeded, rec.Recipients, rec.Resolved)
	return err
}

func (r *Repository) LastAlertTime(ctx context.Context, indicatorID uuid.UUID) (time.Time, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT trigger_time FROM alert_records WHERE indicator_id=$1 ORDER BY trigger_time DESC LIMIT 1`, indicatorID)
	var ts time.Time
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("load last alert time: %w", err)
	}
	return ts, nil
}

func (r *Repository) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO execution_history (indicator_id, run_at, successful, current_value,
			baseline_value, deviation_percent, alerted, error_message, elapsed_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.IndicatorID, rec.RunAt, rec.Successful, rec.CurrentValue,
		rec.BaselineValue, rec.DeviationPercent, rec.Alerted, rec.ErrorMessage, rec.ElapsedMs)
	return err
}

func (r *Repository) Recipients(ctx context.Context, indicatorID uuid.UUID) ([]Recipient, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT channel, address FROM indicator_recipients WHERE indicator_id=$1`, indicatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []Recipient{}
	for rows.Next() {
		var rec Recipient
		if err := rows.Scan(&rec.Channel, &rec.Address); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// PurgeAlertsOlderThan deletes resolved alert rows older than cutoff, at most
// limit per call to keep delete transactions short.
func (r *Repository) PurgeAlertsOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := r.Store.Pool.Exec(ctx, `
		DELETE FROM alert_records WHERE id IN (
			SELECT id FROM alert_records WHERE resolved = true AND trigger_time < $1 LIMIT $2)`,
		cutoff, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) PurgeExecutionsOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := r.Store.Pool.Exec(ctx, `
		DELETE FROM execution_history WHERE ctid IN (
			SELECT ctid FROM execution_history WHERE run_at < $1 LIMIT $2)`,
		cutoff, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) SaveHeartbeat(ctx context.Context, hb Heartbeat) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO worker_heartbeat (id, tick_at, processed, alerts_sent)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET tick_at=$1, processed=$2, alerts_sent=$3`,
		hb.TickAt, hb.Processed, hb.AlertsSent)
	return err
}
