package events

// Billing event types emitted by the webhook pipeline and the sweeps.
const (
	EventWebhookProcessed      = "webhook.processed"
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionUpdated   = "subscription.updated"
	EventSubscriptionCanceled  = "subscription.canceled"
	EventInvoicePaid           = "invoice.paid"
	EventInvoicePastDue        = "invoice.past_due"
	EventDunningQueued         = "dunning.queued"
	EventDriftDetected         = "reconciliation.drift_detected"
)
