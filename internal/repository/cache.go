package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tallyd/internal/model"
)

//go:embed outcome.lua
var outcomeLuaScript string

var ErrCacheMiss = errors.New("outcome not found in cache")

// CachedOutcome is the committed result of a settlement, cached so replays
// can be answered without touching the database.
type CachedOutcome struct {
	TransactionReference string              `json:"transaction_reference"`
	ReferenceID          string              `json:"reference_id"`
	SubjectID            string              `json:"subject_id"`
	Status               model.PaymentStatus `json:"status"`
	IntentStatus         model.IntentStatus  `json:"intent_status"`
}

// OutcomeCache is a read-through cache in front of the payments table. Only
// outcomes that have already committed are ever written to it.
type OutcomeCache struct {
	redisClient *redis.Client
	script      *redis.Script
	ttl         time.Duration
}

func NewOutcomeCache(rdb *redis.Client, ttl time.Duration) *OutcomeCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &OutcomeCache{
		redisClient: rdb,
		script:      redis.NewScript(outcomeLuaScript),
		ttl:         ttl,
	}
}

func outcomeKey(transactionReference string) string {
	return fmt.Sprintf("payment:%s", transactionReference)
}

func (c *OutcomeCache) Get(ctx context.Context, transactionReference string) (*CachedOutcome, error) {
	raw, err := c.redisClient.Get(ctx, outcomeKey(transactionReference)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var out CachedOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode cached outcome: %w", err)
	}
	return &out, nil
}

// Remember stores o unless an outcome is already cached for the same
// transaction, and returns the outcome that ends up in the cache.
func (c *OutcomeCache) Remember(ctx context.Context, o CachedOutcome) (*CachedOutcome, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	keys := []string{outcomeKey(o.TransactionReference)}
	res, err := c.script.Run(ctx, c.redisClient, keys, string(data), int64(c.ttl/time.Second)).Text()
	if err != nil {
		return nil, fmt.Errorf("error executing Lua script: %w", err)
	}
	var stored CachedOutcome
	if err := json.Unmarshal([]byte(res), &stored); err != nil {
		return nil, fmt.Errorf("decode cached outcome: %w", err)
	}
	return &stored, nil
}
