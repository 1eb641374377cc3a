package models

import "time"

// IdempotencyRecord stores the first successful charge response for a key.
type IdempotencyRecord struct {
	Key          string    `json:"idempotency_key"`
	RequestHash  string    `json:"request_hash"`
	PaymentID    string    `json:"payment_id,omitempty"`
	ResponseBody []byte    `json:"response_body"`
	StatusCode   int       `json:"status_code"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
