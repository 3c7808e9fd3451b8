package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/LaneJS/aiaca/internal/clock"
	"github.com/LaneJS/aiaca/internal/webhook/domain"
	"github.com/LaneJS/aiaca/internal/webhook/repository"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubVerifier struct {
	event *domain.ProviderEvent
	err   error
}

func (v *stubVerifier) Verify(payload []byte, signatureHeader string) (*domain.ProviderEvent, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.event, nil
}

type stubDispatcher struct {
	calls int
	err   error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, event *domain.InboundEvent) error {
	d.calls++
	return d.err
}

func setupService(t *testing.T, verifier domain.Verifier, dispatcher domain.Dispatcher) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&domain.InboundEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	svc := &Service{
		db:          db,
		log:         zap.NewNop(),
		genID:       node,
		clk:         clock.FixedClock{Instant: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		verifier:    verifier,
		repo:        repository.Provide(),
		dispatcher:  dispatcher,
		maxAttempts: 3,
		baseBackoff: time.Minute,
	}
	return svc, db
}

func TestIngestRecordsAndProcesses(t *testing.T) {
	verifier := &stubVerifier{event: &domain.ProviderEvent{ID: "evt_1", Type: "invoice.payment_succeeded"}}
	dispatcher := &stubDispatcher{}
	svc, db := setupService(t, verifier, dispatcher)

	event, err := svc.Ingest(context.Background(), []byte(`{"data":{"object":{}}}`), "t=1,v1=sig")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if event.Status != domain.StatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", event.Status)
	}
	if dispatcher.calls != 1 {
		t.Fatalf("expected one dispatch, got %d", dispatcher.calls)
	}

	var stored domain.InboundEvent
	if err := db.First(&stored, "provider_event_id = ?", "evt_1").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.ProcessedAt == nil {
		t.Fatalf("expected processed_at to be stamped")
	}
}

func TestIngestDuplicateDeliveryIsIdempotent(t *testing.T) {
	verifier := &stubVerifier{event: &domain.ProviderEvent{ID: "evt_dup", Type: "invoice.payment_succeeded"}}
	dispatcher := &stubDispatcher{}
	svc, db := setupService(t, verifier, dispatcher)

	if _, err := svc.Ingest(context.Background(), []byte(`{}`), "sig"); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := svc.Ingest(context.Background(), []byte(`{}`), "sig")
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Status != domain.StatusProcessed {
		t.Fatalf("expected stored record, got %+v", second)
	}
	if dispatcher.calls != 1 {
		t.Fatalf("duplicate delivery must not re-dispatch, calls=%d", dispatcher.calls)
	}

	var count int64
	db.Model(&domain.InboundEvent{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one row, got %d", count)
	}
}

func TestIngestInvalidSignatureWritesForensicRecord(t *testing.T) {
	verifier := &stubVerifier{err: domain.ErrInvalidSignature}
	dispatcher := &stubDispatcher{}
	svc, db := setupService(t, verifier, dispatcher)

	_, err := svc.Ingest(context.Background(), []byte(`tampered`), "t=1,v1=bad")
	if !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if dispatcher.calls != 0 {
		t.Fatalf("rejected delivery must not dispatch")
	}

	var record domain.InboundEvent
	if err := db.First(&record, "event_type = ?", domain.EventTypeInvalidSignature).Error; err != nil {
		t.Fatalf("forensic record missing: %v", err)
	}
	if record.Status != domain.StatusFailed || record.LastError == nil {
		t.Fatalf("unexpected forensic record %+v", record)
	}
}

func TestIngestMissingSecretPropagates(t *testing.T) {
	verifier := &stubVerifier{err: domain.ErrSecretNotConfigured}
	svc, db := setupService(t, verifier, &stubDispatcher{})

	_, err := svc.Ingest(context.Background(), []byte(`{}`), "sig")
	if !errors.Is(err, domain.ErrSecretNotConfigured) {
		t.Fatalf("expected secret error, got %v", err)
	}
	var count int64
	db.Model(&domain.InboundEvent{}).Count(&count)
	if count != 0 {
		t.Fatalf("misconfiguration must not write records, got %d", count)
	}
}

func TestProcessFailureSchedulesRetryThenDeadLetters(t *testing.T) {
	verifier := &stubVerifier{event: &domain.ProviderEvent{ID: "evt_fail", Type: "invoice.payment_failed"}}
	dispatcher := &stubDispatcher{err: errors.New("downstream unavailable")}
	svc, db := setupService(t, verifier, dispatcher)

	event, err := svc.Ingest(context.Background(), []byte(`{}`), "sig")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if event.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED after dispatch error, got %s", event.Status)
	}

	// Reread into a fresh struct each time. First leaves fields untouched
	// when the column is NULL, so reusing one struct would carry stale
	// values across reads.
	var first domain.InboundEvent
	db.First(&first, "provider_event_id = ?", "evt_fail")
	if first.AttemptCount != 1 || first.NextRetryAt == nil {
		t.Fatalf("expected attempt 1 with retry scheduled, got %+v", first)
	}
	firstRetry := *first.NextRetryAt

	// Second attempt doubles the backoff.
	if err := svc.Process(context.Background(), &first); err == nil {
		t.Fatalf("expected dispatch error")
	}
	var second domain.InboundEvent
	db.First(&second, "provider_event_id = ?", "evt_fail")
	if second.AttemptCount != 2 || second.NextRetryAt == nil {
		t.Fatalf("expected attempt 2, got %+v", second)
	}
	if !second.NextRetryAt.After(firstRetry) {
		t.Fatalf("backoff should grow: %v then %v", firstRetry, second.NextRetryAt)
	}

	// Third attempt hits the cap and dead-letters.
	if err := svc.Process(context.Background(), &second); err == nil {
		t.Fatalf("expected dispatch error")
	}
	var final domain.InboundEvent
	db.First(&final, "provider_event_id = ?", "evt_fail")
	if final.Status != domain.StatusDeadLetter {
		t.Fatalf("expected DEAD_LETTER, got %s", final.Status)
	}
	if final.NextRetryAt != nil {
		t.Fatalf("dead-lettered event must not be rescheduled")
	}
}

func TestRequeueDeadLetteredEvent(t *testing.T) {
	verifier := &stubVerifier{event: &domain.ProviderEvent{ID: "evt_requeue", Type: "invoice.payment_failed"}}
	dispatcher := &stubDispatcher{err: errors.New("downstream unavailable")}
	svc, db := setupService(t, verifier, dispatcher)

	lastError := "downstream unavailable"
	dead := &domain.InboundEvent{
		ID:              "local-requeue",
		ProviderEventID: "evt_requeue",
		EventType:       "invoice.payment_failed",
		Status:          domain.StatusDeadLetter,
		LastError:       &lastError,
		AttemptCount:    3,
		ReceivedAt:      svc.clk.Now().Add(-time.Hour),
	}
	if err := db.Create(dead).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	requeued, err := svc.Requeue(context.Background(), "evt_requeue")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !requeued {
		t.Fatalf("expected requeue to succeed")
	}

	var stored domain.InboundEvent
	db.First(&stored, "provider_event_id = ?", "evt_requeue")
	if stored.Status != domain.StatusFailed || stored.AttemptCount != 0 {
		t.Fatalf("expected fresh FAILED record, got %+v", stored)
	}
	if stored.NextRetryAt == nil || !stored.NextRetryAt.Equal(svc.clk.Now()) {
		t.Fatalf("expected next_retry_at now, got %v", stored.NextRetryAt)
	}
}

func TestRequeueSkipsForensicAndProcessed(t *testing.T) {
	svc, db := setupService(t, &stubVerifier{}, &stubDispatcher{})

	forensic := &domain.InboundEvent{
		ID:              "forensic-1",
		ProviderEventID: "forensic-1",
		EventType:       domain.EventTypeInvalidSignature,
		Status:          domain.StatusFailed,
		ReceivedAt:      svc.clk.Now(),
	}
	processedAt := svc.clk.Now()
	processed := &domain.InboundEvent{
		ID:              "local-done",
		ProviderEventID: "evt_done",
		EventType:       "invoice.payment_succeeded",
		Status:          domain.StatusProcessed,
		ReceivedAt:      svc.clk.Now(),
		ProcessedAt:     &processedAt,
	}
	if err := db.Create(forensic).Error; err != nil {
		t.Fatalf("seed forensic: %v", err)
	}
	if err := db.Create(processed).Error; err != nil {
		t.Fatalf("seed processed: %v", err)
	}

	if ok, err := svc.Requeue(context.Background(), "forensic-1"); err != nil || ok {
		t.Fatalf("forensic record must not requeue: ok=%v err=%v", ok, err)
	}
	if ok, err := svc.Requeue(context.Background(), "evt_done"); err != nil || ok {
		t.Fatalf("processed record must not requeue: ok=%v err=%v", ok, err)
	}
	if ok, err := svc.Requeue(context.Background(), "evt_unknown"); err != nil || ok {
		t.Fatalf("unknown record must not requeue: ok=%v err=%v", ok, err)
	}
}
