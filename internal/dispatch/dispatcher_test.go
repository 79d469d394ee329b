package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"kpiwatch/internal/engine"
	"kpiwatch/internal/indicator"
	"kpiwatch/internal/storage"
)

type fakeStore struct {
	lastAlert    time.Time
	hasAlert     bool
	lastAlertErr error
	recipients   []storage.Recipient
	recipErr     error
	saved        []storage.AlertRecord
	saveErr      error
}

func (f *fakeStore) LastAlertTime(ctx context.Context, id uuid.UUID) (time.Time, error) {
	if f.lastAlertErr != nil {
		return time.Time{}, f.lastAlertErr
	}
	if !f.hasAlert {
		return time.Time{}, storage.ErrNotFound
	}
	return f.lastAlert, nil
}

func (f *fakeStore) SaveAlertRecord(ctx context.Context, rec storage.AlertRecord) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeStore) Recipients(ctx context.Context, id uuid.UUID) ([]storage.Recipient, error) {
	return f.recipients, f.recipErr
}

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) SendEmail(ctx context.Context, address, subject, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, address)
	return nil
}

func (f *fakeSender) SendSMS(ctx context.Context, address, message string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, address)
	return nil
}

func testOutcome(id uuid.UUID) engine.Outcome {
	return engine.Outcome{
		IndicatorID:  id,
		CurrentValue: 40,
		ShouldAlert:  true,
		Severity:     engine.SeverityHigh,
		Message:      "payments: value 40.00 deviates 80.0% from baseline 200.00",
		Successful:   true,
	}
}

func testIndicator() indicator.Indicator {
	return indicator.Indicator{
		ID:              uuid.New(),
		Name:            "payments",
		CheckType:       indicator.CheckVolume,
		CooldownMinutes: 30,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCooldownSuppression(t *testing.T) {
	ind := testIndicator()
	dispatchedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{hasAlert: true, lastAlert: dispatchedAt, recipients: []storage.Recipient{{Channel: storage.ChannelEmail, Address: "ops@example.com"}}}
	email := &fakeSender{}
	d := New(store, store, email, &fakeSender{}, discard())

	res, err := d.Dispatch(context.Background(), ind, testOutcome(ind.ID), dispatchedAt.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Suppressed {
		t.Fatalf("expected suppression inside cooldown window")
	}
	if len(store.saved) != 0 || len(email.sent) != 0 {
		t.Fatalf("suppressed dispatch must not send or record")
	}

	res, err = d.Dispatch(context.Background(), ind, testOutcome(ind.ID), dispatchedAt.Add(31*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Suppressed {
		t.Fatalf("expected dispatch after cooldown elapsed")
	}
	if len(store.saved) != 1 || len(email.sent) != 1 {
		t.Fatalf("expected one send and one record, got %d/%d", len(email.sent), len(store.saved))
	}
}

func TestPartialChannelFailure(t *testing.T) {
	ind := testIndicator()
	store := &fakeStore{recipients: []storage.Recipient{
		{Channel: storage.ChannelEmail, Address: "ops@example.com"},
		{Channel: storage.ChannelSMS, Address: "5551234567@sms.example.net"},
	}}
	email := &fakeSender{}
	sms := &fakeSender{err: errors.New("gateway refused")}
	d := New(store, store, email, sms, discard())

	res, err := d.Dispatch(context.Background(), ind, testOutcome(ind.ID), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Suppressed {
		t.Fatalf("unexpected suppression")
	}
	if res.Attempted != 2 || res.Succeeded != 1 {
		t.Fatalf("expected 2 attempted / 1 succeeded, got %d/%d", res.Attempted, res.Succeeded)
	}
	rec := store.saved[0]
	if rec.ChannelsAttempted != 2 || rec.ChannelsSucceeded != 1 {
		t.Fatalf("audit record mismatch: %+v", rec)
	}
	if len(rec.Recipients) != 2 {
		t.Fatalf("expected both recipients recorded")
	}
}

func TestAuditWrittenWhenAllChannelsFail(t *testing.T) {
	ind := testIndicator()
	store := &fakeStore{recipients: []storage.Recipient{{Channel: storage.ChannelEmail, Address: "ops@example.com"}}}
	d := New(store, store, &fakeSender{err: errors.New("smtp down")}, &fakeSender{}, discard())

	res, err := d.Dispatch(context.Background(), ind, testOutcome(ind.ID), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Succeeded != 0 || len(store.saved) != 1 {
		t.Fatalf("total failure must still write the audit record")
	}
	if store.saved[0].ChannelsSucceeded != 0 {
		t.Fatalf("record should show zero succeeded channels")
	}
}

func TestFailedDispatchStillStartsCooldown(t *testing.T) {
	ind := testIndicator()
	store := &fakeStore{recipients: []storage.Recipient{{Channel: storage.ChannelEmail, Address: "ops@example.com"}}, saveErr: errors.New("db down")}
	d := New(store, store, &fakeSender{err: errors.New("smtp down")}, &fakeSender{}, discard())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := d.Dispatch(context.Background(), ind, testOutcome(ind.ID), now); err == nil {
		t.Fatalf("expected save error")
	}
	res, err := d.Dispatch(context.Background(), ind, testOutcome(ind.ID), now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Suppressed {
		t.Fatalf("cooldown should hold even though the first record write failed")
	}
}

func TestShutdownHaltsRemainingSends(t *testing.T) {
	ind := testIndicator()
	store := &fakeStore{recipients: []storage.Recipient{
		{Channel: storage.ChannelEmail, Address: "ops@example.com"},
		{Channel: storage.ChannelSMS, Address: "5551234567@sms.example.net"},
	}}
	email := &fakeSender{}
	sms := &fakeSender{}
	d := New(store, store, email, sms, discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := d.Dispatch(ctx, ind, testOutcome(ind.ID), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempted != 0 || len(email.sent) != 0 || len(sms.sent) != 0 {
		t.Fatalf("no sends should start under a cancelled context, got %d attempted", res.Attempted)
	}
	if len(store.saved) != 1 {
		t.Fatalf("audit record should still be written, got %d", len(store.saved))
	}
}

func TestCooldownLookupFailureDoesNotSuppress(t *testing.T) {
	ind := testIndicator()
	store := &fakeStore{
		lastAlertErr: errors.New("connection refused"),
		recipients:   []storage.Recipient{{Channel: storage.ChannelEmail, Address: "ops@example.com"}},
	}
	email := &fakeSender{}
	d := New(store, store, email, &fakeSender{}, discard())

	res, err := d.Dispatch(context.Background(), ind, testOutcome(ind.ID), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Suppressed {
		t.Fatalf("an unreadable cooldown state must not swallow the alert")
	}
	if len(email.sent) != 1 || len(store.saved) != 1 {
		t.Fatalf("expected one send and one record, got %d/%d", len(email.sent), len(store.saved))
	}
}

func TestRecipientResolutionFailure(t *testing.T) {
	ind := testIndicator()
	store := &fakeStore{recipErr: errors.New("query failed")}
	d := New(store, store, &fakeSender{}, &fakeSender{}, discard())
	if _, err := d.Dispatch(context.Background(), ind, testOutcome(ind.ID), time.Now()); err == nil {
		t.Fatalf("expected error")
	}
}
