package model

import "time"

// SettledEvent is published on the bus after a settlement transaction commits.
type SettledEvent struct {
	TransactionReference string        `json:"transaction_reference"`
	ReferenceID          string        `json:"reference_id"`
	SubjectID            string        `json:"subject_id"`
	Status               PaymentStatus `json:"status"`
	Amount               int64         `json:"amount"`
	Source               string        `json:"source"`
	SettledAt            time.Time     `json:"settled_at"`
}

// Counter is an aggregate keyed total split into buckets.
type Counter struct {
	Key     string           `json:"key"`
	Buckets map[string]int64 `json:"buckets"`
}
