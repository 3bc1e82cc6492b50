package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallyd/internal/model"
	"tallyd/internal/service"
)

type mockService struct {
	events    []service.Event
	reconcile error
	verify    func(owner string, req model.VerifyRequest) (model.VerifyResult, error)
	counters  map[string]*model.Counter
	finalized string
}

func (m *mockService) CreateIntent(ctx context.Context, req model.CreateIntentRequest) (*model.Intent, error) {
	if req.ReferenceID == "taken" {
		return nil, fmt.Errorf("%w: intent taken", service.ErrAlreadyExists)
	}
	return &model.Intent{ReferenceID: req.ReferenceID, SubjectID: req.SubjectID, Amount: req.Amount, Status: model.IntentPending}, nil
}

func (m *mockService) GetIntent(ctx context.Context, referenceID string) (*model.Intent, error) {
	return nil, fmt.Errorf("%w: intent %s", service.ErrNotFound, referenceID)
}

func (m *mockService) GetOwnedIntent(ctx context.Context, ownerID, referenceID string) (*model.Intent, error) {
	switch {
	case ownerID == "":
		return nil, service.ErrUnauthenticated
	case ownerID == "owner-1" && referenceID == "intent-1":
		return &model.Intent{ReferenceID: referenceID, OwnerID: ownerID, Status: model.IntentPending}, nil
	default:
		return nil, fmt.Errorf("%w: intent %s", service.ErrNotFound, referenceID)
	}
}

func (m *mockService) Reconcile(ctx context.Context, ev service.Event) (service.Outcome, error) {
	m.events = append(m.events, ev)
	return service.Outcome{TransactionReference: ev.TransactionReference}, m.reconcile
}

func (m *mockService) VerifyPayment(ctx context.Context, ownerID string, req model.VerifyRequest, source string) (model.VerifyResult, error) {
	return m.verify(ownerID, req)
}

func (m *mockService) GetCounter(ctx context.Context, key string) (*model.Counter, error) {
	if c, ok := m.counters[key]; ok {
		return c, nil
	}
	return &model.Counter{Key: key, Buckets: map[string]int64{}}, nil
}

func (m *mockService) ApplyVote(ctx context.Context, subjectID, transactionReference string) (bool, error) {
	return true, nil
}

func (m *mockService) CreatePrediction(ctx context.Context, req model.PredictionRequest) (*model.Prediction, error) {
	return &model.Prediction{ID: "p1", MatchID: req.MatchID, OwnerID: req.OwnerID}, nil
}

func (m *mockService) UpdatePrediction(ctx context.Context, predictionID, score string) (*model.Prediction, error) {
	return nil, fmt.Errorf("%w: m1", service.ErrMatchFinalized)
}

func (m *mockService) FinalizeMatch(ctx context.Context, matchID, score string) (*service.FinalizeResult, error) {
	m.finalized = matchID + " " + score
	return &service.FinalizeResult{Match: &model.Match{ID: matchID}, Won: 1}, nil
}

func (m *mockService) GetMatch(ctx context.Context, matchID string) (*model.Match, error) {
	return &model.Match{ID: matchID, Total: 2, Trends: map[string]int64{"2-1": 2}}, nil
}

const testSecret = "whsec_test"

func newTestMux(svc service.LedgerService) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(svc, testSecret, nil, nil).Register(mux)
	return mux
}

func do(t *testing.T, mux *http.ServeMux, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

const validWebhook = `{"transactionReference":"tx-1","referenceId":"intent-1","amount":3000,"status":"success"}`

func TestPaymentWebhook(t *testing.T) {
	svc := &mockService{}
	rec := do(t, newTestMux(svc), http.MethodPost, "/webhooks/payments", validWebhook,
		map[string]string{headerWebhookSecret: testSecret})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, svc.events, 1)
	assert.Equal(t, service.Event{
		TransactionReference: "tx-1",
		ReferenceID:          "intent-1",
		ReportedAmount:       3000,
		ReportedStatus:       model.PaymentSuccess,
		Source:               service.SourcePush,
	}, svc.events[0])
}

func TestPaymentWebhookRejectsBadSecretFirst(t *testing.T) {
	svc := &mockService{}
	mux := newTestMux(svc)

	rec := do(t, mux, http.MethodPost, "/webhooks/payments", "not json", map[string]string{headerWebhookSecret: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, mux, http.MethodPost, "/webhooks/payments", validWebhook, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, svc.events)
}

func TestPaymentWebhookValidatesPayload(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"missing amount": `{"transactionReference":"tx-1","referenceId":"intent-1","status":"success"}`,
		"string amount":  `{"transactionReference":"tx-1","referenceId":"intent-1","amount":"3000","status":"success"}`,
		"zero amount":    `{"transactionReference":"tx-1","referenceId":"intent-1","amount":0,"status":"success"}`,
		"empty ref":      `{"transactionReference":" ","referenceId":"intent-1","amount":1,"status":"success"}`,
		"bad status":     `{"transactionReference":"tx-1","referenceId":"intent-1","amount":1,"status":"paid"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &mockService{}
			rec := do(t, newTestMux(svc), http.MethodPost, "/webhooks/payments", body,
				map[string]string{headerWebhookSecret: testSecret})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, svc.events)
		})
	}
}

func TestPaymentWebhookOutcomes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusNoContent},
		{fmt.Errorf("%w: intent-1", service.ErrNotFound), http.StatusNoContent},
		{fmt.Errorf("%w: 100 != 3000", service.ErrAmountMismatch), http.StatusNoContent},
		{fmt.Errorf("%w: timeout", service.ErrRetriable), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: settle", service.ErrConflict), http.StatusServiceUnavailable},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &mockService{reconcile: tc.err}
		rec := do(t, newTestMux(svc), http.MethodPost, "/webhooks/payments", validWebhook,
			map[string]string{headerWebhookSecret: testSecret})
		assert.Equal(t, tc.want, rec.Code, "err=%v", tc.err)
	}
}

func TestVerifyPayment(t *testing.T) {
	var gotOwner string
	svc := &mockService{verify: func(owner string, req model.VerifyRequest) (model.VerifyResult, error) {
		gotOwner = owner
		return model.VerifyResult{
			TransactionReference: req.TransactionReference,
			ReferenceID:          req.ReferenceID,
			Status:               model.PaymentSuccess,
			IntentStatus:         model.IntentCounted,
			AlreadySettled:       true,
		}, nil
	}}

	rec := do(t, newTestMux(svc), http.MethodPost, "/payments/verify",
		`{"transactionReference":"tx-1","referenceId":"intent-1"}`, map[string]string{headerOwnerID: "owner-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "owner-1", gotOwner)

	var res model.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, model.IntentCounted, res.IntentStatus)
	assert.True(t, res.AlreadySettled)
}

func TestVerifyPaymentErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("%w: missing", service.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("%w: timeout", service.ErrRetriable), http.StatusOK},
	}
	for _, tc := range cases {
		svc := &mockService{verify: func(string, model.VerifyRequest) (model.VerifyResult, error) {
			return model.VerifyResult{Error: service.ErrorCode(tc.err), Retry: service.IsTransient(tc.err)}, tc.err
		}}
		rec := do(t, newTestMux(svc), http.MethodPost, "/payments/verify", `{}`, nil)
		assert.Equal(t, tc.want, rec.Code, "err=%v", tc.err)

		var res model.VerifyResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, service.ErrorCode(tc.err), res.Error)
	}
}

func TestIntentRoutes(t *testing.T) {
	mux := newTestMux(&mockService{})

	rec := do(t, mux, http.MethodPost, "/intents", `{"reference_id":"intent-1","subject_id":"candidate-9","owner_id":"o","amount":3000}`, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, mux, http.MethodPost, "/intents", `{"reference_id":"taken"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"already_exists"}`, rec.Body.String())

	rec = do(t, mux, http.MethodGet, "/intents/intent-1", "", map[string]string{"X-Owner-ID": "owner-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var intent model.Intent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intent))
	assert.Equal(t, "owner-1", intent.OwnerID)

	rec = do(t, mux, http.MethodGet, "/intents/intent-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, mux, http.MethodGet, "/intents/intent-1", "", map[string]string{"X-Owner-ID": "owner-2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCounterWithSlashedKey(t *testing.T) {
	svc := &mockService{counters: map[string]*model.Counter{
		"contests/candidate-9": {Key: "contests/candidate-9", Buckets: map[string]int64{"votes": 7}},
	}}
	rec := do(t, newTestMux(svc), http.MethodGet, "/counters/contests/candidate-9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":"contests/candidate-9","buckets":{"votes":7}}`, rec.Body.String())
}

func TestPredictionRoutes(t *testing.T) {
	svc := &mockService{}
	mux := newTestMux(svc)

	rec := do(t, mux, http.MethodPost, "/predictions", `{"match_id":"m1","score":"2-1"}`, map[string]string{headerOwnerID: "owner-7"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var p model.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "owner-7", p.OwnerID)

	rec = do(t, mux, http.MethodPut, "/predictions/p1", `{"score":"1-1"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, mux, http.MethodPost, "/matches/m1/result", `{"score":"2-1"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m1 2-1", svc.finalized)

	rec = do(t, mux, http.MethodGet, "/matches/m1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
