package authorization

import (
	"context"
	"strings"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// defaultPolicies give operators read access to the whole operator surface
// plus manual dunning entry; drift resolution and event re-drive stay with
// admins. Role bindings (g rules) are managed operationally through the
// casbin_rule table.
var defaultPolicies = [][]string{
	{"role:operator", ObjectBillingEvent, ActionRead},
	{"role:operator", ObjectDunningEvent, ActionRead},
	{"role:operator", ObjectDrift, ActionRead},
	{"role:operator", ObjectAuditLog, ActionRead},
	{"role:operator", ObjectDunningEvent, ActionCreate},
	{"role:admin", ObjectDrift, ActionResolve},
	{"role:admin", ObjectBillingEvent, ActionRedrive},
}

// NewEnforcer builds a casbin enforcer backed by the casbin_rule table and
// seeds the default role policies.
func NewEnforcer(db *gorm.DB) (*casbin.Enforcer, error) {
	adapter, err := gormadapter.NewAdapterByDBUseTableName(db, "", "casbin_rule")
	if err != nil {
		return nil, err
	}
	m, err := casbinmodel.NewModelFromString(rbacModel)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}

	for _, policy := range defaultPolicies {
		if _, err := enforcer.AddPolicy(policy[0], policy[1], policy[2]); err != nil {
			return nil, err
		}
	}
	if _, err := enforcer.AddGroupingPolicy("role:admin", "role:operator"); err != nil {
		return nil, err
	}
	return enforcer, nil
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.Enforcer
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.Enforcer
}

func NewService(p ServiceParam) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

// Authorize checks whether the actor may perform action on object. The
// "system" actor bypasses policy; it is only assigned to internal sweeps.
func (s *ServiceImpl) Authorize(ctx context.Context, actor, object, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	if strings.TrimSpace(object) == "" {
		return ErrInvalidObject
	}
	if strings.TrimSpace(action) == "" {
		return ErrInvalidAction
	}
	if actor == "system" {
		return nil
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor", actor),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

var Module = fx.Module("authorization.service",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)
