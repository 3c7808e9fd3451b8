package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	auditdomain "github.com/LaneJS/aiaca/internal/audit/domain"
	auditrepo "github.com/LaneJS/aiaca/internal/audit/repository"
	auditsvc "github.com/LaneJS/aiaca/internal/audit/service"
	"github.com/LaneJS/aiaca/internal/authorization"
	"github.com/LaneJS/aiaca/internal/clock"
	"github.com/LaneJS/aiaca/internal/config"
	"github.com/LaneJS/aiaca/internal/dunning"
	"github.com/LaneJS/aiaca/internal/events"
	idempotencydomain "github.com/LaneJS/aiaca/internal/idempotency/domain"
	idempotencyrepo "github.com/LaneJS/aiaca/internal/idempotency/repository"
	idempotencysvc "github.com/LaneJS/aiaca/internal/idempotency/service"
	"github.com/LaneJS/aiaca/internal/invoice"
	recondomain "github.com/LaneJS/aiaca/internal/reconciliation/domain"
	reconrepo "github.com/LaneJS/aiaca/internal/reconciliation/repository"
	reconsvc "github.com/LaneJS/aiaca/internal/reconciliation/service"
	"github.com/LaneJS/aiaca/internal/subscription"
	webhookdomain "github.com/LaneJS/aiaca/internal/webhook/domain"
	webhookrepo "github.com/LaneJS/aiaca/internal/webhook/repository"
	webhooksvc "github.com/LaneJS/aiaca/internal/webhook/service"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubVerifier struct {
	err error
}

func (v *stubVerifier) Verify(payload []byte, signatureHeader string) (*webhookdomain.ProviderEvent, error) {
	if v.err != nil {
		return nil, v.err
	}
	var envelope struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, webhookdomain.ErrMalformedPayload
	}
	return &webhookdomain.ProviderEvent{ID: envelope.ID, Type: envelope.Type, Data: envelope.Data}, nil
}

type stubDispatcher struct {
	calls int
	err   error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, event *webhookdomain.InboundEvent) error {
	d.calls++
	return d.err
}

type emptyProvider struct{}

func (emptyProvider) ListSubscriptions(ctx context.Context) ([]recondomain.SubscriptionSnapshot, error) {
	return nil, nil
}

func (emptyProvider) ListInvoices(ctx context.Context) ([]recondomain.InvoiceSnapshot, error) {
	return nil, nil
}

type serverFixture struct {
	server     *Server
	db         *gorm.DB
	verifier   *stubVerifier
	dispatcher *stubDispatcher
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&webhookdomain.InboundEvent{},
		&idempotencydomain.Record{},
		&recondomain.Drift{},
		&dunning.Event{},
		&auditdomain.AuditLog{},
		&invoice.Invoice{},
		&subscription.Subscription{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Exec(
		`CREATE TABLE IF NOT EXISTS billing_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			dedupe_key TEXT UNIQUE,
			payload TEXT,
			created_at TIMESTAMP NOT NULL,
			published_at TIMESTAMP
		)`,
	).Error; err != nil {
		t.Fatalf("create billing_events: %v", err)
	}
	if err := db.Exec(
		`CREATE TABLE IF NOT EXISTS casbin_rule (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ptype VARCHAR(100) NOT NULL,
			v0 VARCHAR(100),
			v1 VARCHAR(100),
			v2 VARCHAR(100),
			v3 VARCHAR(100),
			v4 VARCHAR(100),
			v5 VARCHAR(100)
		)`,
	).Error; err != nil {
		t.Fatalf("create casbin_rule: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	log := zap.NewNop()
	clk := clock.FixedClock{Instant: testNow}
	cfg := config.Config{
		Environment: "test",
		Sweep: config.Sweep{
			RetryMaxAttempts: 3,
			RetryBaseBackoff: time.Minute,
		},
		RateLimit: config.RateLimit{
			WebhookLimit:  100,
			WebhookWindow: time.Minute,
		},
		Tracing: config.Tracing{ServiceName: "aiaca-test"},
	}

	verifier := &stubVerifier{}
	dispatcher := &stubDispatcher{}
	webhookService := webhooksvc.NewService(webhooksvc.ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Config:     cfg,
		Verifier:   verifier,
		Repo:       webhookrepo.Provide(),
		Dispatcher: dispatcher,
	})

	idemService := idempotencysvc.NewService(idempotencysvc.ServiceParam{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  idempotencyrepo.New(),
	})

	auditService := auditsvc.NewService(auditsvc.ServiceParam{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  auditrepo.Provide(),
	})

	reconService := reconsvc.NewService(reconsvc.ServiceParam{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Provider: emptyProvider{},
		Drifts:   reconrepo.Provide(),
		Subs:     subscription.NewRepository(),
		Invoices: invoice.NewRepository(),
		Outbox:   events.NewOutbox(db, node),
	})

	enforcer, err := authorization.NewEnforcer(db)
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	if _, err := enforcer.AddGroupingPolicy("operator:alice", "role:operator"); err != nil {
		t.Fatalf("bind operator: %v", err)
	}
	if _, err := enforcer.AddGroupingPolicy("operator:root", "role:admin"); err != nil {
		t.Fatalf("bind admin: %v", err)
	}
	authzService := authorization.NewService(authorization.ServiceParam{
		DB:       db,
		Log:      log,
		Enforcer: enforcer,
	})

	srv := &Server{
		cfg:   cfg,
		log:   log,
		db:    db,
		genID: node,
		clk:   clk,

		webhookSvc:  webhookService,
		dunningRepo: dunning.NewRepository(),
		reconSvc:    reconService,
		auditSvc:    auditService,
		idemSvc:     idemService,
		authzSvc:    authzService,

		webhookLimiter: newDeliveryLimiter(cfg.RateLimit.WebhookLimit, cfg.RateLimit.WebhookWindow),
	}

	return &serverFixture{
		server:     srv,
		db:         db,
		verifier:   verifier,
		dispatcher: dispatcher,
	}
}

func (f *serverFixture) do(t *testing.T, method, path, operatorID string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if operatorID != "" {
		req.Header.Set(operatorIDHeader, operatorID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestWebhookEndpointAccepted(t *testing.T) {
	f := setupServer(t)

	payload := `{"id":"evt_http_1","type":"unhandled.event","data":{}}`
	rec := f.do(t, http.MethodPost, "/webhooks/stripe", "", payload, map[string]string{
		signatureHeader: "t=1,v1=sig",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.dispatcher.calls != 1 {
		t.Fatalf("expected one dispatch, got %d", f.dispatcher.calls)
	}

	var count int64
	if err := f.db.Model(&webhookdomain.InboundEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one stored event, got %d", count)
	}
}

func TestWebhookEndpointInvalidSignature(t *testing.T) {
	f := setupServer(t)
	f.verifier.err = webhookdomain.ErrInvalidSignature

	rec := f.do(t, http.MethodPost, "/webhooks/stripe", "", `{"id":"evt_x"}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var events []webhookdomain.InboundEvent
	if err := f.db.Find(&events).Error; err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(events) != 1 || events[0].EventType != webhookdomain.EventTypeInvalidSignature {
		t.Fatalf("expected one forensic record, got %+v", events)
	}
}

func TestWebhookEndpointMissingSecret(t *testing.T) {
	f := setupServer(t)
	f.verifier.err = webhookdomain.ErrSecretNotConfigured

	rec := f.do(t, http.MethodPost, "/webhooks/stripe", "", `{"id":"evt_x"}`, nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestWebhookEndpointProcessingFailureStillAccepted(t *testing.T) {
	f := setupServer(t)
	f.dispatcher.err = fmt.Errorf("downstream unavailable")

	payload := `{"id":"evt_fail_1","type":"customer.subscription.updated","data":{}}`
	rec := f.do(t, http.MethodPost, "/webhooks/stripe", "", payload, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite processing failure, got %d", rec.Code)
	}

	stored, err := f.server.webhookSvc.Find(context.Background(), "evt_fail_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored == nil || stored.Status != webhookdomain.StatusFailed {
		t.Fatalf("expected FAILED record, got %+v", stored)
	}
}

func TestListBillingEventsRequiresOperator(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodGet, "/billing/events", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without operator header, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/billing/events", "alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for operator, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListBillingEventsUnknownOperatorForbidden(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodGet, "/billing/events", "mallory", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unbound operator, got %d", rec.Code)
	}
}

func TestResolveDriftFlow(t *testing.T) {
	f := setupServer(t)

	drift := &recondomain.Drift{
		ID:           snowflake.ID(1001),
		DriftType:    recondomain.DriftStatusMismatch,
		ResourceType: recondomain.ResourceSubscription,
		ExternalID:   "sub_ext_1",
		DetectedAt:   testNow,
	}
	if err := f.db.Create(drift).Error; err != nil {
		t.Fatalf("seed drift: %v", err)
	}

	path := "/billing/drifts/" + drift.ID.String() + "/resolve"

	// Operator role lacks resolve.
	rec := f.do(t, http.MethodPost, path, "alice", "", map[string]string{
		idempotencyKeyHeader: "key-1",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator, got %d", rec.Code)
	}

	// Missing idempotency key.
	rec = f.do(t, http.MethodPost, path, "root", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key, got %d", rec.Code)
	}

	// Admin resolves.
	rec = f.do(t, http.MethodPost, path, "root", "", map[string]string{
		idempotencyKeyHeader: "key-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var stored recondomain.Drift
	if err := f.db.First(&stored, "id = ?", drift.ID).Error; err != nil {
		t.Fatalf("load drift: %v", err)
	}
	if !stored.Resolved {
		t.Fatalf("expected drift resolved")
	}

	// Same key replayed conflicts.
	rec = f.do(t, http.MethodPost, path, "root", "", map[string]string{
		idempotencyKeyHeader: "key-1",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d", rec.Code)
	}

	// The mutation left an audit trail.
	var logs []auditdomain.AuditLog
	if err := f.db.Find(&logs).Error; err != nil {
		t.Fatalf("find audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "drift.resolve" {
		t.Fatalf("expected one drift.resolve audit entry, got %+v", logs)
	}
}

func TestListDriftsFilterResolved(t *testing.T) {
	f := setupServer(t)

	open := &recondomain.Drift{
		ID:           snowflake.ID(2001),
		DriftType:    recondomain.DriftAmountMismatch,
		ResourceType: recondomain.ResourceInvoice,
		ExternalID:   "in_ext_1",
		DetectedAt:   testNow,
	}
	resolvedAt := testNow
	closed := &recondomain.Drift{
		ID:           snowflake.ID(2002),
		DriftType:    recondomain.DriftMissingLocally,
		ResourceType: recondomain.ResourceInvoice,
		ExternalID:   "in_ext_2",
		Resolved:     true,
		DetectedAt:   testNow,
		ResolvedAt:   &resolvedAt,
	}
	if err := f.db.Create(open).Error; err != nil {
		t.Fatalf("seed open: %v", err)
	}
	if err := f.db.Create(closed).Error; err != nil {
		t.Fatalf("seed closed: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/billing/drifts?resolved=false", "alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Drifts []driftResponse `json:"drifts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Drifts) != 1 || resp.Drifts[0].ExternalID != "in_ext_1" {
		t.Fatalf("expected only the open drift, got %+v", resp.Drifts)
	}
}

func TestRedriveBillingEvent(t *testing.T) {
	f := setupServer(t)

	lastError := "downstream unavailable"
	dead := &webhookdomain.InboundEvent{
		ID:              "evt-local-1",
		ProviderEventID: "evt_dead_1",
		EventType:       "invoice.payment_failed",
		Status:          webhookdomain.StatusDeadLetter,
		LastError:       &lastError,
		AttemptCount:    3,
		ReceivedAt:      testNow.Add(-time.Hour),
	}
	if err := f.db.Create(dead).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}

	path := "/billing/events/evt_dead_1/status"
	body := `{"status":"RETRYING"}`

	rec := f.do(t, http.MethodPost, path, "alice", body, map[string]string{
		idempotencyKeyHeader: "redrive-1",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, path, "root", body, map[string]string{
		idempotencyKeyHeader: "redrive-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var stored webhookdomain.InboundEvent
	if err := f.db.First(&stored, "id = ?", dead.ID).Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if stored.Status != webhookdomain.StatusFailed {
		t.Fatalf("expected FAILED after redrive, got %s", stored.Status)
	}
	if stored.AttemptCount != 0 {
		t.Fatalf("expected attempt budget reset, got %d", stored.AttemptCount)
	}
	if stored.NextRetryAt == nil || !stored.NextRetryAt.Equal(testNow) {
		t.Fatalf("expected next_retry_at %v, got %v", testNow, stored.NextRetryAt)
	}
}

func TestRedriveUnknownEventNotFound(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodPost, "/billing/events/evt_missing/status", "root",
		`{"status":"RETRYING"}`, map[string]string{idempotencyKeyHeader: "redrive-x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateDunningEvent(t *testing.T) {
	f := setupServer(t)

	body := `{"account_id":"42","step_name":"call-customer","channel":"phone","detail":"left voicemail"}`

	rec := f.do(t, http.MethodPost, "/billing/dunning/events", "alice", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/billing/dunning/events", "alice", body, map[string]string{
		idempotencyKeyHeader: "dunning-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var events []dunning.Event
	if err := f.db.Find(&events).Error; err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(events) != 1 || events[0].StepName != "call-customer" || events[0].Status != dunning.StatusPending {
		t.Fatalf("expected one pending manual event, got %+v", events)
	}
	if events[0].AttemptNumber != 1 {
		t.Fatalf("expected attempt 1 on manual event, got %d", events[0].AttemptNumber)
	}
	if events[0].OccurredAt == nil || !events[0].OccurredAt.Equal(testNow) {
		t.Fatalf("expected occurred_at defaulted to now, got %v", events[0].OccurredAt)
	}

	rec = f.do(t, http.MethodPost, "/billing/dunning/events", "alice", body, map[string]string{
		idempotencyKeyHeader: "dunning-1",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on key replay, got %d", rec.Code)
	}
}

func TestCreateDunningEventHonorsOccurredAt(t *testing.T) {
	f := setupServer(t)

	body := `{"account_id":"42","step_name":"call-customer","channel":"phone","occurred_at":"2026-02-20T09:30:00Z"}`
	rec := f.do(t, http.MethodPost, "/billing/dunning/events", "alice", body, map[string]string{
		idempotencyKeyHeader: "dunning-occurred-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var event dunning.Event
	if err := f.db.First(&event).Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	want := time.Date(2026, 2, 20, 9, 30, 0, 0, time.UTC)
	if event.OccurredAt == nil || !event.OccurredAt.Equal(want) {
		t.Fatalf("expected occurred_at %v, got %v", want, event.OccurredAt)
	}
}

func TestRequestFingerprintCoversBody(t *testing.T) {
	f := setupServer(t)

	first := `{"account_id":"42","step_name":"call-customer","channel":"phone"}`
	second := `{"account_id":"42","step_name":"send-email","channel":"email"}`

	rec := f.do(t, http.MethodPost, "/billing/dunning/events", "alice", first, map[string]string{
		idempotencyKeyHeader: "fp-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/billing/dunning/events", "alice", second, map[string]string{
		idempotencyKeyHeader: "fp-2",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var records []idempotencydomain.Record
	if err := f.db.Order("idempotency_key").Find(&records).Error; err != nil {
		t.Fatalf("find records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two records, got %d", len(records))
	}
	// Same route, different payloads. The fingerprint must tell them apart.
	if records[0].RequestHash == records[1].RequestHash {
		t.Fatalf("request hash ignores the body: %s", records[0].RequestHash)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	f := setupServer(t)
	f.server.webhookLimiter = newDeliveryLimiter(2, time.Minute)

	payload := `{"id":"evt_rl_%d","type":"unhandled.event","data":{}}`
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/webhooks/stripe", "", fmt.Sprintf(payload, i), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 within limit, got %d", rec.Code)
		}
	}

	rec := f.do(t, http.MethodPost, "/webhooks/stripe", "", fmt.Sprintf(payload, 99), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past limit, got %d", rec.Code)
	}
}
