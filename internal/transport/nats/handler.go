package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"tallyd/internal/model"
	"tallyd/internal/service"
)

const (
	SubjectVerify       = "commands.verify"
	SubjectCreateIntent = "commands.intent.create"
	queueGroup          = "tallyd"
)

// verifyCommand is the pull ingress request for backend clients. The owner
// travels in the payload because NATS carries no caller identity of its own.
type verifyCommand struct {
	OwnerID string `json:"ownerId"`
	model.VerifyRequest
}

type intentReply struct {
	Intent *model.Intent `json:"intent,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Handler answers request/reply commands and delegates to the ledger service.
type Handler struct {
	svc  service.LedgerService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command subjects and blocks until ctx is cancelled (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	routes := map[string]func(context.Context, []byte) []byte{
		SubjectVerify:       h.handleVerify,
		SubjectCreateIntent: h.handleCreateIntent,
	}
	for subject, handle := range routes {
		sub, err := h.nc.QueueSubscribe(subject, queueGroup, h.onMessage(ctx, handle))
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}

	slog.Info("NATS command handler is running")

	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

// onMessage adapts handle to a NATS callback. Messages still in flight
// during Drain must finish, so the callback context outlives ctx.
func (h *Handler) onMessage(ctx context.Context, handle func(context.Context, []byte) []byte) nats.MsgHandler {
	msgCtx := context.WithoutCancel(ctx)
	return func(m *nats.Msg) {
		reply := handle(msgCtx, m.Data)
		if m.Reply == "" {
			return
		}
		if err := m.Respond(reply); err != nil {
			slog.Error("nats: respond failed", "subject", m.Subject, "error", err)
		}
	}
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (h *Handler) handleVerify(ctx context.Context, data []byte) []byte {
	var cmd verifyCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		slog.Error("nats: failed to unmarshal verify command", "error", err)
		return encodeReply(model.VerifyResult{Error: "invalid_json"})
	}
	res, err := h.svc.VerifyPayment(ctx, cmd.OwnerID, cmd.VerifyRequest, service.SourceNATS)
	if err != nil {
		slog.Warn("nats: verify failed",
			"transaction_reference", cmd.TransactionReference,
			"error", err,
		)
	}
	return encodeReply(res)
}

func (h *Handler) handleCreateIntent(ctx context.Context, data []byte) []byte {
	var req model.CreateIntentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Error("nats: failed to unmarshal create intent command", "error", err)
		return encodeReply(intentReply{Error: "invalid_json"})
	}
	intent, err := h.svc.CreateIntent(ctx, req)
	if err != nil {
		slog.Warn("nats: create intent failed", "reference_id", req.ReferenceID, "error", err)
		return encodeReply(intentReply{Error: service.ErrorCode(err)})
	}
	return encodeReply(intentReply{Intent: intent})
}

func encodeReply(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal"}`)
	}
	return data
}
