package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/LaneJS/aiaca/internal/audit/domain"
	"github.com/LaneJS/aiaca/internal/auditcontext"
	"github.com/LaneJS/aiaca/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry is what callers describe; actor and request attribution come from
// the request context.
type Entry struct {
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     map[string]interface{}
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clk   clock.Clock
	repo  domain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("audit.service"),

		genID: p.GenID,
		clk:   p.Clock,
		repo:  p.Repo,
	}
}

// Record writes an audit row. Failures are logged, never propagated, so an
// audit outage cannot block billing flows.
func (s *Service) Record(ctx context.Context, entry Entry) {
	actorType, actorID := auditcontext.ActorFromContext(ctx)
	if actorType == "" {
		actorType = string(domain.ActorTypeSystem)
	}

	row := &domain.AuditLog{
		ID:           s.genID.Generate(),
		ActorType:    actorType,
		ActorID:      optional(actorID),
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   optional(entry.ResourceID),
		RequestID:    optional(auditcontext.RequestIDFromContext(ctx)),
		IPAddress:    optional(auditcontext.IPAddressFromContext(ctx)),
		UserAgent:    optional(auditcontext.UserAgentFromContext(ctx)),
		CreatedAt:    s.clk.Now(),
	}
	if len(entry.Metadata) > 0 {
		row.Metadata = datatypes.JSONMap(entry.Metadata)
	}

	if err := s.repo.Insert(ctx, s.db, row); err != nil {
		s.log.Error("audit insert failed",
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}

// List returns audit rows matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	return s.repo.List(ctx, s.db, filter)
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
