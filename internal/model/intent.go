package model

import "time"

type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentCounted IntentStatus = "counted"
	IntentFailed  IntentStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s IntentStatus) IsTerminal() bool {
	return s == IntentCounted || s == IntentFailed
}

// CanTransition reports whether an intent in status s may move to next.
// Only pending -> counted and pending -> failed are allowed.
func (s IntentStatus) CanTransition(next IntentStatus) bool {
	return s == IntentPending && next.IsTerminal()
}

// Intent is a pending action awaiting payment confirmation. ReferenceID is
// chosen by the initiating client and must be unique per attempt.
type Intent struct {
	ReferenceID string       `json:"reference_id"`
	SubjectID   string       `json:"subject_id"`
	OwnerID     string       `json:"owner_id"`
	Amount      int64        `json:"amount"`
	Status      IntentStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	SettledAt   *time.Time   `json:"settled_at,omitempty"`
}

type CreateIntentRequest struct {
	ReferenceID string `json:"reference_id"`
	SubjectID   string `json:"subject_id"`
	OwnerID     string `json:"owner_id"`
	Amount      int64  `json:"amount"`
}
