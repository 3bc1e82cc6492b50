package model

import "time"

type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
	// PaymentPending is only ever reported by the processor; it is never persisted.
	PaymentPending PaymentStatus = "pending"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentSuccess, PaymentFailed, PaymentPending:
		return true
	}
	return false
}

// Payment is the append-only record of a processed payment event. At most one
// exists per TransactionReference. Status and Amount never change after insert.
type Payment struct {
	TransactionReference string            `json:"transaction_reference"`
	ReferenceID          string            `json:"reference_id"`
	SubjectID            string            `json:"subject_id"`
	OwnerID              string            `json:"owner_id"`
	Status               PaymentStatus     `json:"status"`
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency,omitempty"`
	Channel              string            `json:"channel,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	FirstSeenAt          time.Time         `json:"first_seen_at"`
}

// Vote is the tallied effect of a successful payment, one per transaction.
// Applied flips once the aggregate counter has absorbed it.
type Vote struct {
	SubjectID            string     `json:"subject_id"`
	TransactionReference string     `json:"transaction_reference"`
	ReferenceID          string     `json:"reference_id"`
	OwnerID              string     `json:"owner_id"`
	Amount               int64      `json:"amount"`
	CreatedAt            time.Time  `json:"created_at"`
	Applied              bool       `json:"applied"`
	AppliedAt            *time.Time `json:"applied_at,omitempty"`
}

// VerifyRequest is the pull ingress payload sent by an authenticated client.
type VerifyRequest struct {
	TransactionReference string `json:"transactionReference"`
	ReferenceID          string `json:"referenceId"`
}

// VerifyResult is what the pull ingress hands back so the client can react.
type VerifyResult struct {
	TransactionReference string        `json:"transactionReference"`
	ReferenceID          string        `json:"referenceId"`
	Status               PaymentStatus `json:"status,omitempty"`
	IntentStatus         IntentStatus  `json:"intentStatus,omitempty"`
	AlreadySettled       bool          `json:"alreadySettled"`
	Retry                bool          `json:"retry"`
	Error                string        `json:"error,omitempty"`
}
