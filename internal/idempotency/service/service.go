package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/LaneJS/aiaca/internal/auditcontext"
	"github.com/LaneJS/aiaca/internal/clock"
	"github.com/LaneJS/aiaca/internal/idempotency/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrMissingKey = errors.New("idempotency_key_missing")
	ErrConflict   = errors.New("idempotency_conflict")
)

// AdmitCommand describes the mutating command being fingerprinted.
type AdmitCommand struct {
	Scope        string
	Key          string
	RequestHash  string
	ResourceType string
	ResourceID   string
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
		log: p.Log.Named("idempotency.service"),

		genID: p.GenID,
		clk:   p.Clock,
		repo:  p.Repo,
	}
}

// Admit records the command fingerprint exactly once. The first caller for a
// (scope, key) pair wins; every later caller gets ErrConflict, whatever its
// request hash. The check and insert ride on a unique constraint so two
// concurrent admissions cannot both win.
func (s *Service) Admit(ctx context.Context, cmd AdmitCommand) (*domain.Record, error) {
	key := strings.TrimSpace(cmd.Key)
	if key == "" {
		return nil, ErrMissingKey
	}

	record := &domain.Record{
		ID:             s.genID.Generate(),
		Scope:          cmd.Scope,
		IdempotencyKey: key,
		RequestHash:    cmd.RequestHash,
		RequestID:      auditcontext.RequestIDFromContext(ctx),
		ResourceType:   cmd.ResourceType,
		ResourceID:     cmd.ResourceID,
		CreatedAt:      s.clk.Now(),
	}

	inserted, err := s.repo.InsertIfAbsent(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		s.log.Warn("duplicate command rejected",
			zap.String("scope", cmd.Scope),
			zap.String("key", key),
		)
		return nil, ErrConflict
	}
	return record, nil
}

// Compact removes records older than the cutoff. Called by the retention
// sweep.
func (s *Service) Compact(ctx context.Context, horizon time.Duration) (int64, error) {
	cutoff := s.clk.Now().Add(-horizon)
	removed, err := s.repo.DeleteOlderThan(ctx, s.db, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("idempotency records compacted",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff),
		)
	}
	return removed, nil
}
