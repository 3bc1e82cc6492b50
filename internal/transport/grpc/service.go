package grpc

import (
	"context"

	"google.golang.org/grpc"

	"tallyd/internal/model"
)

const serviceName = "tallyd.Ledger"

// Full method names, for clients calling conn.Invoke.
const (
	MethodVerifyPayment = "/" + serviceName + "/VerifyPayment"
	MethodCreateIntent  = "/" + serviceName + "/CreateIntent"
	MethodGetIntent     = "/" + serviceName + "/GetIntent"
)

type GetIntentRequest struct {
	ReferenceID string `json:"referenceId"`
}

// LedgerServer is the server API for the tallyd.Ledger service.
type LedgerServer interface {
	VerifyPayment(ctx context.Context, req *model.VerifyRequest) (*model.VerifyResult, error)
	CreateIntent(ctx context.Context, req *model.CreateIntentRequest) (*model.Intent, error)
	GetIntent(ctx context.Context, req *GetIntentRequest) (*model.Intent, error)
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "VerifyPayment",
			Handler: unaryHandler(MethodVerifyPayment, func(srv LedgerServer, ctx context.Context, req *model.VerifyRequest) (any, error) {
				return srv.VerifyPayment(ctx, req)
			}),
		},
		{
			MethodName: "CreateIntent",
			Handler: unaryHandler(MethodCreateIntent, func(srv LedgerServer, ctx context.Context, req *model.CreateIntentRequest) (any, error) {
				return srv.CreateIntent(ctx, req)
			}),
		},
		{
			MethodName: "GetIntent",
			Handler: unaryHandler(MethodGetIntent, func(srv LedgerServer, ctx context.Context, req *GetIntentRequest) (any, error) {
				return srv.GetIntent(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tallyd/ledger",
}

// unaryHandler builds the decode-then-intercept glue protoc would generate.
func unaryHandler[Req any](fullMethod string, call func(LedgerServer, context.Context, *Req) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
