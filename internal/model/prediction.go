package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Score is a final or predicted scoreline, e.g. "2-1".
type Score struct {
	Home int `json:"home"`
	Away int `json:"away"`
}

func (s Score) String() string {
	return fmt.Sprintf("%d-%d", s.Home, s.Away)
}

// ParseScore parses "home-away" into a Score.
func ParseScore(raw string) (Score, error) {
	home, away, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return Score{}, fmt.Errorf("invalid score %q: want home-away", raw)
	}
	h, err := strconv.Atoi(strings.TrimSpace(home))
	if err != nil || h < 0 {
		return Score{}, fmt.Errorf("invalid home score in %q", raw)
	}
	a, err := strconv.Atoi(strings.TrimSpace(away))
	if err != nil || a < 0 {
		return Score{}, fmt.Errorf("invalid away score in %q", raw)
	}
	return Score{Home: h, Away: a}, nil
}

type PredictionOutcome string

const (
	PredictionOpen PredictionOutcome = "pending"
	PredictionWon  PredictionOutcome = "won"
	PredictionLost PredictionOutcome = "lost"
)

type Prediction struct {
	ID        string            `json:"id"`
	MatchID   string            `json:"match_id"`
	OwnerID   string            `json:"owner_id"`
	Score     Score             `json:"score"`
	Outcome   PredictionOutcome `json:"outcome"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Match holds the aggregate trend histogram (scoreline -> predictions) and
// the total prediction count, plus the final result once posted.
type Match struct {
	ID          string           `json:"id"`
	Total       int64            `json:"total"`
	Trends      map[string]int64 `json:"trends"`
	Final       *Score           `json:"final,omitempty"`
	FinalizedAt *time.Time       `json:"finalized_at,omitempty"`
}

type PredictionRequest struct {
	ID      string `json:"id,omitempty"`
	MatchID string `json:"match_id"`
	OwnerID string `json:"owner_id"`
	Score   string `json:"score"`
}

type ScoreRequest struct {
	Score string `json:"score"`
}
