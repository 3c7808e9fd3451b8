package authorization

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/casbin/casbin/v2"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupAuthzTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
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
	return db
}

func newTestService(t *testing.T, db *gorm.DB) (*ServiceImpl, *casbin.Enforcer) {
	t.Helper()
	enforcer, err := NewEnforcer(db)
	if err != nil {
		t.Fatalf("new enforcer: %v", err)
	}
	return &ServiceImpl{
		db:       db,
		log:      zap.NewNop(),
		enforcer: enforcer,
	}, enforcer
}

func bindRole(t *testing.T, enforcer *casbin.Enforcer, actor, role string) {
	t.Helper()
	if _, err := enforcer.AddGroupingPolicy(actor, role); err != nil {
		t.Fatalf("bind %s to %s: %v", actor, role, err)
	}
}

func TestAuthorizeAllowsOperatorRead(t *testing.T) {
	db := setupAuthzTestDB(t)
	svc, enforcer := newTestService(t, db)
	bindRole(t, enforcer, "operator:alice", "role:operator")

	if err := svc.Authorize(context.Background(), "operator:alice", ObjectBillingEvent, ActionRead); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestAuthorizeDeniesOperatorResolve(t *testing.T) {
	db := setupAuthzTestDB(t)
	svc, enforcer := newTestService(t, db)
	bindRole(t, enforcer, "operator:bob", "role:operator")

	err := svc.Authorize(context.Background(), "operator:bob", ObjectDrift, ActionResolve)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestAuthorizeAdminInheritsOperator(t *testing.T) {
	db := setupAuthzTestDB(t)
	svc, enforcer := newTestService(t, db)
	bindRole(t, enforcer, "operator:carol", "role:admin")

	if err := svc.Authorize(context.Background(), "operator:carol", ObjectDrift, ActionResolve); err != nil {
		t.Fatalf("expected resolve allow, got %v", err)
	}
	if err := svc.Authorize(context.Background(), "operator:carol", ObjectBillingEvent, ActionRead); err != nil {
		t.Fatalf("expected inherited read allow, got %v", err)
	}
}

func TestAuthorizeUnknownActorDenied(t *testing.T) {
	db := setupAuthzTestDB(t)
	svc, _ := newTestService(t, db)

	err := svc.Authorize(context.Background(), "operator:nobody", ObjectBillingEvent, ActionRead)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestAuthorizeSystemBypass(t *testing.T) {
	db := setupAuthzTestDB(t)
	svc, _ := newTestService(t, db)

	if err := svc.Authorize(context.Background(), "system", ObjectDrift, ActionResolve); err != nil {
		t.Fatalf("expected system bypass, got %v", err)
	}
}

func TestAuthorizeRejectsEmptyActor(t *testing.T) {
	db := setupAuthzTestDB(t)
	svc, _ := newTestService(t, db)

	err := svc.Authorize(context.Background(), "  ", ObjectDrift, ActionRead)
	if !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected invalid actor, got %v", err)
	}
}
