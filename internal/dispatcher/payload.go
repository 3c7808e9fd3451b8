package dispatcher

import (
	"encoding/json"
	"time"
)

// envelope is the outer webhook delivery shape; handlers only care about
// data.object.
type envelope struct {
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func unwrap(payload []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return env.Data.Object, nil
}

// customerRef accepts both the expanded object form and the bare id string
// the provider uses interchangeably.
type customerRef string

func (c *customerRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*c = customerRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*c = customerRef(obj.ID)
	return nil
}

func (c customerRef) String() string { return string(c) }

type checkoutSession struct {
	ID                string            `json:"id"`
	Customer          customerRef       `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      string            `json:"subscription"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionItemPayload struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
	Price    struct {
		ID         string `json:"id"`
		Currency   string `json:"currency"`
		UnitAmount int64  `json:"unit_amount"`
		Recurring  struct {
			Interval string `json:"interval"`
		} `json:"recurring"`
	} `json:"price"`
}

type subscriptionPayload struct {
	ID                 string      `json:"id"`
	Customer           customerRef `json:"customer"`
	Status             string      `json:"status"`
	CancelAtPeriodEnd  bool        `json:"cancel_at_period_end"`
	CurrentPeriodStart int64       `json:"current_period_start"`
	CurrentPeriodEnd   int64       `json:"current_period_end"`
	TrialEnd           int64       `json:"trial_end"`
	CancelAt           int64       `json:"cancel_at"`
	CanceledAt         int64       `json:"canceled_at"`
	EndedAt            int64       `json:"ended_at"`
	Items              struct {
		Data []subscriptionItemPayload `json:"data"`
	} `json:"items"`
}

type invoicePayload struct {
	ID            string      `json:"id"`
	Customer      customerRef `json:"customer"`
	CustomerEmail string      `json:"customer_email"`
	Subscription  string      `json:"subscription"`
	Status        string      `json:"status"`
	Currency      string      `json:"currency"`
	AmountDue     int64       `json:"amount_due"`
	AmountPaid    int64       `json:"amount_paid"`
	DueDate       int64       `json:"due_date"`
}

func unixTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}
