package authorization

import "context"

// Objects the operator surface guards.
const (
	ObjectBillingEvent = "billing_event"
	ObjectDunningEvent = "dunning_event"
	ObjectDrift        = "drift"
	ObjectAuditLog     = "audit_log"
)

// Actions on those objects.
const (
	ActionRead    = "read"
	ActionResolve = "resolve"
	ActionRedrive = "redrive"
	ActionCreate  = "create"
)

type Service interface {
	Authorize(ctx context.Context, actor string, object string, action string) error
}
