package remote

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/sputnik/pkg/gate"
)

// Full method names of the gate service.
const (
	serviceName    = "sputnik.gate.v1.Gate"
	methodEvaluate = "/" + serviceName + "/Evaluate"
	methodEncode   = "/" + serviceName + "/Encode"

	tokenHeader = "x-token"
)

// gateService is the handler set registered with grpc.Server.
type gateService interface {
	evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error)
	encode(ctx context.Context, req *EncodeRequest) (*EncodeResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*gateService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "Encode", Handler: encodeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sputnik/gate/v1/gate.proto",
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(EvaluateRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(gateService).evaluate(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEvaluate}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(gateService).evaluate(ctx, r.(*EvaluateRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func encodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(EncodeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(gateService).encode(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEncode}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(gateService).encode(ctx, r.(*EncodeRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// Server exposes a gate.Evaluator over gRPC.
type Server struct {
	eval   gate.Evaluator
	codec  ValueCodec
	logger *slog.Logger
	grpc   *grpc.Server
}

// NewServer creates a server for eval. A nil codec selects PlainCodec and a
// nil logger discards.
func NewServer(eval gate.Evaluator, codec ValueCodec, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if codec == nil {
		codec = PlainCodec{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		eval:   eval,
		codec:  codec,
		logger: logger,
		grpc:   grpc.NewServer(opts...),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gate server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error) {
	g, err := gate.ParseGate(req.Gate)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Left == nil {
		return nil, status.Error(codes.InvalidArgument, "missing left operand")
	}

	key, err := s.codec.UnmarshalValue(req.Key)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "key: %v", err)
	}
	left, err := s.codec.UnmarshalValue(req.Left)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "left: %v", err)
	}
	right, err := s.codec.UnmarshalValue(req.Right)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "right: %v", err)
	}

	result, err := s.eval.Evaluate(ctx, g, key, left, right)
	if err != nil {
		s.logger.Debug("evaluate failed", "gate", g.String(), "error", err)
		return nil, toStatus(err)
	}

	w, err := s.codec.MarshalValue(result)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "result: %v", err)
	}
	return &EvaluateResponse{Result: w}, nil
}

func (s *Server) encode(_ context.Context, req *EncodeRequest) (*EncodeResponse, error) {
	v, err := s.codec.UnmarshalValue(req.Value)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "value: %v", err)
	}
	data, err := s.eval.Encode(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EncodeResponse{Data: data}, nil
}

// toStatus maps evaluator errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, gate.ErrUnsupportedValue),
		errors.Is(err, gate.ErrShapeMismatch),
		errors.Is(err, gate.ErrMissingOperand),
		errors.Is(err, gate.ErrUnknownGate):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

var _ gateService = (*Server)(nil)

// TokenAuth returns a server option that rejects calls whose x-token
// metadata does not match token.
func TokenAuth(token string) grpc.ServerOption {
	return grpc.UnaryInterceptor(func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		got := md.Get(tokenHeader)
		if len(got) != 1 || subtle.ConstantTimeCompare([]byte(got[0]), []byte(token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(ctx, req)
	})
}
