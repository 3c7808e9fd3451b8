package subscription

// Status is the local subscription lifecycle state. NONE is the baseline for
// provider states the mapping table does not know.
type Status string

const (
	StatusNone              Status = "NONE"
	StatusIncomplete        Status = "INCOMPLETE"
	StatusIncompleteExpired Status = "INCOMPLETE_EXPIRED"
	StatusTrialing          Status = "TRIALING"
	StatusActive            Status = "ACTIVE"
	StatusPastDue           Status = "PAST_DUE"
	StatusCanceled          Status = "CANCELED"
	StatusUnpaid            Status = "UNPAID"
	StatusPaused            Status = "PAUSED"
)

var providerStatuses = map[string]Status{
	"incomplete":         StatusIncomplete,
	"incomplete_expired": StatusIncompleteExpired,
	"trialing":           StatusTrialing,
	"active":             StatusActive,
	"past_due":           StatusPastDue,
	"canceled":           StatusCanceled,
	"unpaid":             StatusUnpaid,
	"paused":             StatusPaused,
}

// MapProviderStatus translates a provider lifecycle string. The second
// return reports whether the provider state was recognized; unknown states
// map to NONE.
func MapProviderStatus(provider string) (Status, bool) {
	if s, ok := providerStatuses[provider]; ok {
		return s, true
	}
	return StatusNone, false
}
