package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"tallyd/internal/model"
	"tallyd/internal/service"
)

const (
	headerWebhookSecret = "X-Webhook-Secret"
	headerOwnerID       = "X-Owner-ID"
	maxBodyBytes        = 64 << 10
)

type Handler struct {
	svc           service.LedgerService
	webhookSecret []byte
	metrics       http.Handler
	logger        *slog.Logger
}

func NewHandler(svc service.LedgerService, webhookSecret string, metrics http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, webhookSecret: []byte(webhookSecret), metrics: metrics, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	mux.HandleFunc("POST /webhooks/payments", h.PaymentWebhook)
	mux.HandleFunc("POST /payments/verify", h.VerifyPayment)
	mux.HandleFunc("POST /intents", h.CreateIntent)
	mux.HandleFunc("GET /intents/{referenceId}", h.GetIntent)
	mux.HandleFunc("GET /counters/{key...}", h.GetCounter)
	mux.HandleFunc("POST /predictions", h.CreatePrediction)
	mux.HandleFunc("PUT /predictions/{id}", h.UpdatePrediction)
	mux.HandleFunc("POST /matches/{id}/result", h.FinalizeMatch)
	mux.HandleFunc("GET /matches/{id}", h.GetMatch)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// webhookPayload uses pointers so a missing field can be told apart from a
// zero value.
type webhookPayload struct {
	TransactionReference *string `json:"transactionReference"`
	ReferenceID          *string `json:"referenceId"`
	Amount               *int64  `json:"amount"`
	Status               *string `json:"status"`
}

func (p webhookPayload) event() (service.Event, bool) {
	if p.TransactionReference == nil || p.ReferenceID == nil || p.Amount == nil || p.Status == nil {
		return service.Event{}, false
	}
	ev := service.Event{
		TransactionReference: strings.TrimSpace(*p.TransactionReference),
		ReferenceID:          strings.TrimSpace(*p.ReferenceID),
		ReportedAmount:       *p.Amount,
		ReportedStatus:       model.PaymentStatus(strings.TrimSpace(*p.Status)),
		Source:               service.SourcePush,
	}
	if ev.TransactionReference == "" || ev.ReferenceID == "" || ev.ReportedAmount <= 0 || !ev.ReportedStatus.Valid() {
		return service.Event{}, false
	}
	return ev, true
}

// PaymentWebhook is the push ingress called by the payment processor. Any
// outcome that needs no action from the processor answers 204; transient
// failures answer 503 so the processor redelivers.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	secret := []byte(r.Header.Get(headerWebhookSecret))
	if len(h.webhookSecret) == 0 || subtle.ConstantTimeCompare(secret, h.webhookSecret) != 1 {
		h.respondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	ev, ok := payload.event()
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	_, err := h.svc.Reconcile(r.Context(), ev)
	switch {
	case err == nil:
	case service.IsTransient(err):
		h.respondError(w, http.StatusServiceUnavailable, service.ErrorCode(err))
		return
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrAmountMismatch):
		// Permanent anomaly, already logged by the engine. Redelivery cannot fix it.
	default:
		h.logger.Error("webhook reconcile failed",
			"transaction_reference", ev.TransactionReference,
			"error", err,
		)
		h.respondError(w, http.StatusInternalServerError, "internal")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifyPayment is the pull ingress. Domain outcomes, including transient
// ones, come back as a 200 with a structured result.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := h.svc.VerifyPayment(r.Context(), r.Header.Get(headerOwnerID), req, service.SourcePull)
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		h.respondJSON(w, http.StatusUnauthorized, res)
	case errors.Is(err, service.ErrInvalidArgument):
		h.respondJSON(w, http.StatusBadRequest, res)
	default:
		h.respondJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	intent, err := h.svc.CreateIntent(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, intent)
}

func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.svc.GetOwnedIntent(r.Context(), r.Header.Get(headerOwnerID), r.PathValue("referenceId"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, intent)
}

func (h *Handler) GetCounter(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		h.respondError(w, http.StatusBadRequest, "missing_key")
		return
	}
	counter, err := h.svc.GetCounter(r.Context(), key)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, counter)
}

func (h *Handler) CreatePrediction(w http.ResponseWriter, r *http.Request) {
	var req model.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if owner := r.Header.Get(headerOwnerID); owner != "" {
		req.OwnerID = owner
	}
	p, err := h.svc.CreatePrediction(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, p)
}

func (h *Handler) UpdatePrediction(w http.ResponseWriter, r *http.Request) {
	var req model.ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	p, err := h.svc.UpdatePrediction(r.Context(), r.PathValue("id"), req.Score)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

func (h *Handler) FinalizeMatch(w http.ResponseWriter, r *http.Request) {
	var req model.ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := h.svc.FinalizeMatch(r.Context(), r.PathValue("id"), req.Score)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) GetMatch(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMatch(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, m)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyExists), errors.Is(err, service.ErrMatchFinalized):
		return http.StatusConflict
	case errors.Is(err, service.ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	case service.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.respondError(w, status, service.ErrorCode(err))
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
