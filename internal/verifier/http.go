package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tallyd/internal/model"
)

const (
	SandboxBaseURL = "https://sandbox.api.paystack.co"
	LiveBaseURL    = "https://api.paystack.co"
)

// HTTPVerifier queries the processor's transaction verification endpoint:
//
//	GET {BaseURL}/transaction/verify/{reference}
//	Authorization: Bearer {SecretKey}
type HTTPVerifier struct {
	BaseURL   string
	SecretKey string
	Client    *http.Client
	Timeout   time.Duration
}

func NewHTTPVerifier(baseURL, secretKey string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		Client:    &http.Client{Timeout: timeout},
		Timeout:   timeout,
	}
}

// BaseURLForMode picks the processor endpoint for sandbox or live mode.
func BaseURLForMode(mode string) string {
	if mode == "live" {
		return LiveBaseURL
	}
	return SandboxBaseURL
}

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Reference string         `json:"reference"`
		Status    string         `json:"status"`
		Amount    *int64         `json:"amount"`
		Currency  string         `json:"currency"`
		Channel   string         `json:"channel"`
		PaidAt    *time.Time     `json:"paid_at"`
		Metadata  map[string]any `json:"metadata"`
	} `json:"data"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, transactionReference string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/transaction/verify/%s", v.BaseURL, url.PathEscape(transactionReference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Verdict{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.SecretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := v.Client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// The processor has never seen this reference: nothing was paid.
		return Verdict{TransactionReference: transactionReference, Status: model.PaymentFailed}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Verdict{}, fmt.Errorf("%w: processor returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, fmt.Errorf("verify %s: unexpected status %d: %s", transactionReference, resp.StatusCode, body)
	}

	var payload verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Verdict{}, fmt.Errorf("decode verify response: %w", err)
	}
	if !payload.Status {
		return Verdict{}, fmt.Errorf("verify %s: %s", transactionReference, payload.Message)
	}
	if payload.Data.Amount == nil {
		return Verdict{}, fmt.Errorf("verify %s: response has no amount", transactionReference)
	}

	return Verdict{
		TransactionReference: transactionReference,
		Status:               mapStatus(payload.Data.Status),
		Amount:               *payload.Data.Amount,
		Currency:             payload.Data.Currency,
		Channel:              payload.Data.Channel,
		ReferenceID:          stringField(payload.Data.Metadata, "reference_id"),
		PaidAt:               payload.Data.PaidAt,
		Metadata:             flatten(payload.Data.Metadata),
	}, nil
}

// mapStatus folds the processor's status vocabulary into ours. Anything not
// clearly final stays pending.
func mapStatus(raw string) model.PaymentStatus {
	switch strings.ToLower(raw) {
	case "success":
		return model.PaymentSuccess
	case "failed", "abandoned", "reversed":
		return model.PaymentFailed
	default:
		return model.PaymentPending
	}
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func flatten(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			b, err := json.Marshal(t)
			if err == nil {
				out[k] = string(b)
			}
		}
	}
	return out
}
