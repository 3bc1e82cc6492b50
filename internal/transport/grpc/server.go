package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tallyd/internal/model"
	"tallyd/internal/service"
)

// MetadataOwnerID carries the authenticated caller, set by the gateway in
// front of the service.
const MetadataOwnerID = "x-owner-id"

type Server struct {
	svc  service.LedgerService
	srv  *grpc.Server
	addr string
}

func NewServer(addr string, svc service.LedgerService) *Server {
	s := &Server{svc: svc, addr: addr, srv: grpc.NewServer()}
	RegisterLedgerServer(s.srv, s)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	slog.Info("grpc server listening", "addr", s.addr)
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

// VerifyPayment is the pull ingress for gRPC clients. Domain outcomes are
// returned in the result; only caller mistakes become status errors.
func (s *Server) VerifyPayment(ctx context.Context, req *model.VerifyRequest) (*model.VerifyResult, error) {
	res, err := s.svc.VerifyPayment(ctx, ownerFrom(ctx), *req, service.SourceGRPC)
	if errors.Is(err, service.ErrUnauthenticated) || errors.Is(err, service.ErrInvalidArgument) {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) CreateIntent(ctx context.Context, req *model.CreateIntentRequest) (*model.Intent, error) {
	if owner := ownerFrom(ctx); owner != "" {
		req.OwnerID = owner
	}
	intent, err := s.svc.CreateIntent(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return intent, nil
}

func (s *Server) GetIntent(ctx context.Context, req *GetIntentRequest) (*model.Intent, error) {
	intent, err := s.svc.GetOwnedIntent(ctx, ownerFrom(ctx), req.ReferenceID)
	if err != nil {
		return nil, toStatus(err)
	}
	return intent, nil
}

func ownerFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(MetadataOwnerID); len(v) > 0 {
		return v[0]
	}
	return ""
}

func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, service.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, service.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, service.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, service.ErrAmountMismatch), errors.Is(err, service.ErrMatchFinalized):
		code = codes.FailedPrecondition
	case errors.Is(err, service.ErrConflict):
		code = codes.Aborted
	case errors.Is(err, service.ErrRetriable):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}
