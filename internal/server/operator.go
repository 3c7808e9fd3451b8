package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	auditdomain "github.com/LaneJS/aiaca/internal/audit/domain"
	auditsvc "github.com/LaneJS/aiaca/internal/audit/service"
	"github.com/LaneJS/aiaca/internal/authorization"
	"github.com/LaneJS/aiaca/internal/dunning"
	idempotencysvc "github.com/LaneJS/aiaca/internal/idempotency/service"
	recondomain "github.com/LaneJS/aiaca/internal/reconciliation/domain"
	webhookdomain "github.com/LaneJS/aiaca/internal/webhook/domain"
	"github.com/LaneJS/aiaca/pkg/db/pagination"
)

const idempotencyKeyHeader = "Idempotency-Key"

type billingEventResponse struct {
	ID              string     `json:"id"`
	ProviderEventID string     `json:"provider_event_id"`
	EventType       string     `json:"event_type"`
	Status          string     `json:"status"`
	LastError       *string    `json:"last_error,omitempty"`
	AttemptCount    int        `json:"attempt_count"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	ReceivedAt      time.Time  `json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

func toBillingEventResponse(event *webhookdomain.InboundEvent) billingEventResponse {
	return billingEventResponse{
		ID:              event.ID,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.EventType,
		Status:          event.Status,
		LastError:       event.LastError,
		AttemptCount:    event.AttemptCount,
		NextRetryAt:     event.NextRetryAt,
		ReceivedAt:      event.ReceivedAt,
		ProcessedAt:     event.ProcessedAt,
	}
}

func (s *Server) ListBillingEvents(c *gin.Context) {
	if s.webhookSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.authorize(c, authorization.ObjectBillingEvent, authorization.ActionRead); err != nil {
		AbortWithError(c, err)
		return
	}

	var pg pagination.Pagination
	if err := c.ShouldBindQuery(&pg); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	limit, offset := pg.Limit(), pg.Offset()

	events, err := s.webhookSvc.List(c.Request.Context(), webhookdomain.ListFilter{
		Status:    strings.TrimSpace(c.Query("status")),
		EventType: strings.TrimSpace(c.Query("event_type")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]billingEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, toBillingEventResponse(event))
	}
	c.JSON(http.StatusOK, gin.H{
		"events": out,
		"page_info": pagination.PageInfo{
			NextPageToken: pagination.NextToken(offset, limit, len(events)),
			PageSize:      limit,
		},
	})
}

func (s *Server) GetBillingEvent(c *gin.Context) {
	if s.webhookSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.authorize(c, authorization.ObjectBillingEvent, authorization.ActionRead); err != nil {
		AbortWithError(c, err)
		return
	}

	event, err := s.webhookSvc.Find(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if event == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": toBillingEventResponse(event)})
}

type redriveRequest struct {
	Status string `json:"status" binding:"required"`
}

// RedriveBillingEvent moves a dead-lettered or failed delivery back into
// the retry population. RETRYING is the only status an operator may set.
func (s *Server) RedriveBillingEvent(c *gin.Context) {
	if s.webhookSvc == nil || s.idemSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.authorize(c, authorization.ObjectBillingEvent, authorization.ActionRedrive); err != nil {
		AbortWithError(c, err)
		return
	}

	body, err := bufferBody(c)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	var req redriveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Status != webhookdomain.StatusRetrying {
		AbortWithError(c, newValidationError("status", "invalid", "status must be RETRYING"))
		return
	}

	providerEventID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := s.idemSvc.Admit(ctx, idempotencysvc.AdmitCommand{
		Scope:        "billing_event.redrive",
		Key:          c.GetHeader(idempotencyKeyHeader),
		RequestHash:  requestHash(c, body),
		ResourceType: "billing_event",
		ResourceID:   providerEventID,
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	requeued, err := s.webhookSvc.Requeue(ctx, providerEventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !requeued {
		AbortWithError(c, ErrNotFound)
		return
	}

	if s.auditSvc != nil {
		s.auditSvc.Record(ctx, auditsvc.Entry{
			Action:       "billing_event.redrive",
			ResourceType: "billing_event",
			ResourceID:   providerEventID,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"id":       providerEventID,
		"requeued": true,
	})
}

type dunningEventResponse struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id"`
	InvoiceID     *string    `json:"invoice_id,omitempty"`
	StepName      string     `json:"step_name"`
	Channel       string     `json:"channel"`
	Status        string     `json:"status"`
	AttemptNumber int        `json:"attempt_number"`
	Detail        *string    `json:"detail,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	OccurredAt    *time.Time `json:"occurred_at,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toDunningEventResponse(event *dunning.Event) dunningEventResponse {
	resp := dunningEventResponse{
		ID:            event.ID.String(),
		AccountID:     event.AccountID.String(),
		StepName:      event.StepName,
		Channel:       event.Channel,
		Status:        event.Status,
		AttemptNumber: event.AttemptNumber,
		Detail:        event.Detail,
		ScheduledAt:   event.ScheduledAt,
		OccurredAt:    event.OccurredAt,
		SentAt:        event.SentAt,
		CreatedAt:     event.CreatedAt,
	}
	if event.InvoiceID != nil {
		id := event.InvoiceID.String()
		resp.InvoiceID = &id
	}
	return resp
}

func (s *Server) ListDunningEvents(c *gin.Context) {
	if s.dunningRepo == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.authorize(c, authorization.ObjectDunningEvent, authorization.ActionRead); err != nil {
		AbortWithError(c, err)
		return
	}

	var pg pagination.Pagination
	if err := c.ShouldBindQuery(&pg); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	limit, offset := pg.Limit(), pg.Offset()

	filter := dunning.ListFilter{
		Status: strings.TrimSpace(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	}
	if raw := strings.TrimSpace(c.Query("invoice_id")); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("invoice_id", "invalid", "invoice_id is not a valid id"))
			return
		}
		filter.InvoiceID = id
	}

	events, err := s.dunningRepo.List(c.Request.Context(), s.db, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]dunningEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, toDunningEventResponse(event))
	}
	c.JSON(http.StatusOK, gin.H{
		"dunning_events": out,
		"page_info": pagination.PageInfo{
			NextPageToken: pagination.NextToken(offset, limit, len(events)),
			PageSize:      limit,
		},
	})
}

type createDunningRequest struct {
	AccountID   string  `json:"account_id" binding:"required"`
	InvoiceID   string  `json:"invoice_id"`
	StepName    string  `json:"step_name" binding:"required"`
	Channel     string  `json:"channel" binding:"required"`
	Detail      *string `json:"detail"`
	ScheduledAt *string `json:"scheduled_at"`
	OccurredAt  *string `json:"occurred_at"`
}

// CreateDunningEvent records a manual recovery step taken outside the
// automated sweep, for example a phone call or a payment plan.
func (s *Server) CreateDunningEvent(c *gin.Context) {
	if s.dunningRepo == nil || s.idemSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.authorize(c, authorization.ObjectDunningEvent, authorization.ActionCreate); err != nil {
		AbortWithError(c, err)
		return
	}

	body, err := bufferBody(c)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	var req createDunningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	accountID, err := snowflake.ParseString(req.AccountID)
	if err != nil {
		AbortWithError(c, newValidationError("account_id", "invalid", "account_id is not a valid id"))
		return
	}

	now := s.clk.Now()
	occurredAt := now
	event := &dunning.Event{
		ID:            s.genID.Generate(),
		AccountID:     accountID,
		StepName:      strings.TrimSpace(req.StepName),
		Channel:       strings.TrimSpace(req.Channel),
		Status:        dunning.StatusPending,
		AttemptNumber: 1,
		Detail:        req.Detail,
		OccurredAt:    &occurredAt,
	}
	if req.InvoiceID != "" {
		invoiceID, err := snowflake.ParseString(req.InvoiceID)
		if err != nil {
			AbortWithError(c, newValidationError("invoice_id", "invalid", "invoice_id is not a valid id"))
			return
		}
		event.InvoiceID = &invoiceID
	}
	if req.ScheduledAt != nil {
		at, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			AbortWithError(c, newValidationError("scheduled_at", "invalid", "scheduled_at must be RFC 3339"))
			return
		}
		event.ScheduledAt = &at
	}
	if req.OccurredAt != nil {
		at, err := time.Parse(time.RFC3339, *req.OccurredAt)
		if err != nil {
			AbortWithError(c, newValidationError("occurred_at", "invalid", "occurred_at must be RFC 3339"))
			return
		}
		event.OccurredAt = &at
	}

	ctx := c.Request.Context()
	if event.InvoiceID != nil {
		attempt, err := s.dunningRepo.NextAttemptNumber(ctx, s.db, *event.InvoiceID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		event.AttemptNumber = attempt
	}

	if _, err := s.idemSvc.Admit(ctx, idempotencysvc.AdmitCommand{
		Scope:        "dunning_event.create",
		Key:          c.GetHeader(idempotencyKeyHeader),
		RequestHash:  requestHash(c, body),
		ResourceType: "dunning_event",
		ResourceID:   event.ID.String(),
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.dunningRepo.Insert(ctx, s.db, event); err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		s.auditSvc.Record(ctx, auditsvc.Entry{
			Action:       "dunning_event.create",
			ResourceType: "dunning_event",
			ResourceID:   event.ID.String(),
			Metadata:     map[string]interface{}{"step_name": event.StepName, "channel": event.Channel},
		})
	}

	c.JSON(http.StatusCreated, gin.H{"dunning_event": toDunningEventResponse(event)})
}

type driftResponse struct {
	ID            string     `json:"id"`
	DriftType     string     `json:"drift_type"`
	ResourceType  string     `json:"resource_type"`
	ExternalID    string     `json:"external_id"`
	LocalValue    *string    `json:"local_value,omitempty"`
	ExternalValue *string    `json:"external_value,omitempty"`
	Resolved      bool       `json:"resolved"`
	DetectedAt    time.Time  `json:"detected_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

func toDriftResponse(drift *recondomain.Drift) driftResponse {
	return driftResponse{
		ID:            drift.ID.String(),
		DriftType:     drift.DriftType,
		ResourceType:  drift.ResourceType,
		ExternalID:    drift.ExternalID,
		LocalValue:    drift.LocalValue,
		ExternalValue: drift.ExternalValue,
		Resolved:      drift.Resolved,
		DetectedAt:    drift.DetectedAt,
		ResolvedAt:    drift.ResolvedAt,
	}
}

func (s *Server) ListDrifts(c *gin.Context) {
	if s.reconSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.authorize(c, authorization.ObjectDrift, authorization.ActionRead); err != nil {
		AbortWithError(c, err)
		return
	}

	var pg pagination.Pagination
	if err := c.ShouldBindQuery(&pg); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	limit, offset := pg.Limit(), pg.Offset()

	filter := recondomain.ListFilter{
		DriftType:    strings.TrimSpace(c.Query("drift_type")),
		ResourceType: strings.TrimSpace(c.Query("resource_type")),
		Limit:        limit,
		Offset:       offset,
	}
	if raw := strings.TrimSpace(c.Query("resolved")); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			AbortWithError(c, newValidationError("resolved", "invalid", "resolved must be a boolean"))
			return
		}
		filter.Resolved = &resolved
	}

	drifts, err := s.reconSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]driftResponse, 0, len(drifts))
	for _, drift := range drifts {
		out = append(out, toDriftResponse(drift))
	}
	c.JSON(http.StatusOK, gin.H{
		"drifts": out,
		"page_info": pagination.PageInfo{
			NextPageToken: pagination.NextToken(offset, limit, len(drifts)),
			PageSize:      limit,
		},
	})
}

// ResolveDrift marks a drift handled. The mutation is idempotency-keyed so
// an operator retrying a timed-out call cannot resolve twice under two
// different audit entries.
func (s *Server) ResolveDrift(c *gin.Context) {
	if s.reconSvc == nil || s.idemSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.authorize(c, authorization.ObjectDrift, authorization.ActionResolve); err != nil {
		AbortWithError(c, err)
		return
	}

	driftID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid", "drift id is not a valid id"))
		return
	}
	body, err := bufferBody(c)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	if _, err := s.idemSvc.Admit(ctx, idempotencysvc.AdmitCommand{
		Scope:        "drift.resolve",
		Key:          c.GetHeader(idempotencyKeyHeader),
		RequestHash:  requestHash(c, body),
		ResourceType: "drift",
		ResourceID:   driftID.String(),
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	resolved, err := s.reconSvc.Resolve(ctx, driftID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		s.auditSvc.Record(ctx, auditsvc.Entry{
			Action:       "drift.resolve",
			ResourceType: "drift",
			ResourceID:   driftID.String(),
			Metadata:     map[string]interface{}{"resolved": resolved},
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"id":       driftID.String(),
		"resolved": resolved,
	})
}

type auditLogResponse struct {
	ID           string                 `json:"id"`
	ActorType    string                 `json:"actor_type"`
	ActorID      *string                `json:"actor_id,omitempty"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   *string                `json:"resource_id,omitempty"`
	RequestID    *string                `json:"request_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	if s.auditSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.authorize(c, authorization.ObjectAuditLog, authorization.ActionRead); err != nil {
		AbortWithError(c, err)
		return
	}

	var pg pagination.Pagination
	if err := c.ShouldBindQuery(&pg); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	logs, err := s.auditSvc.List(c.Request.Context(), auditListFilter(c, pg.Limit()))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]auditLogResponse, 0, len(logs))
	for _, entry := range logs {
		out = append(out, auditLogResponse{
			ID:           entry.ID.String(),
			ActorType:    entry.ActorType,
			ActorID:      entry.ActorID,
			Action:       entry.Action,
			ResourceType: entry.ResourceType,
			ResourceID:   entry.ResourceID,
			RequestID:    entry.RequestID,
			Metadata:     entry.Metadata,
			CreatedAt:    entry.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"audit_logs": out})
}

func auditListFilter(c *gin.Context, limit int) auditdomain.ListFilter {
	return auditdomain.ListFilter{
		Action:       strings.TrimSpace(c.Query("action")),
		ResourceType: strings.TrimSpace(c.Query("resource_type")),
		ResourceID:   strings.TrimSpace(c.Query("resource_id")),
		ActorType:    strings.TrimSpace(c.Query("actor_type")),
		Limit:        limit,
	}
}

// bufferBody drains the request body and puts a replayable copy back so the
// handler can still bind it.
func bufferBody(c *gin.Context) ([]byte, error) {
	body, err := c.GetRawData()
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// requestHash fingerprints the mutation, body included, so a reused
// idempotency key is traceable to the exact call that first claimed it and a
// key replayed with a different payload is rejected.
func requestHash(c *gin.Context, body []byte) string {
	h := sha256.New()
	h.Write([]byte(c.Request.Method))
	h.Write([]byte(" "))
	h.Write([]byte(c.Request.URL.Path))
	h.Write([]byte("\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
