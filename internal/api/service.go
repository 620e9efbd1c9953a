// Package api is the daemon's control surface on the session socket. The UI
// and airctl use it to submit chat operations, report queue responses and
// drive connection handshakes.
//
// Like the delivery service client it uses the protobuf well-known types as
// messages, so the service is described by hand instead of generated stubs.
package api

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/phnx-im/air-sub001/internal/dsclient"
	"github.com/phnx-im/air-sub001/internal/handshake"
	"github.com/phnx-im/air-sub001/internal/logging"
	"github.com/phnx-im/air-sub001/internal/pending"
	"github.com/phnx-im/air-sub001/internal/store"
)

// ServiceName is the gRPC service the daemon registers.
const ServiceName = "air.sync.v1.SyncService"

// Full method names.
const (
	MethodSubmitOperation   = "/" + ServiceName + "/SubmitOperation"
	MethodAckQueueResponse  = "/" + ServiceName + "/AckQueueResponse"
	MethodReceiveInvitation = "/" + ServiceName + "/ReceiveInvitation"
	MethodReviewConnection  = "/" + ServiceName + "/ReviewConnection"
	MethodAcceptConnection  = "/" + ServiceName + "/AcceptConnection"
	MethodRejectConnection  = "/" + ServiceName + "/RejectConnection"
	MethodCancelConnection  = "/" + ServiceName + "/CancelConnection"
	MethodConnectionState   = "/" + ServiceName + "/ConnectionState"
)

// Metadata keys.
const (
	MDGroupID       = dsclient.MDGroupID
	MDOperationType = "air-operation-type"
)

// Service serves the control API from the daemon's queue and handshake
// service.
type Service struct {
	queue     *pending.Queue
	handshake *handshake.Service
	logger    *zap.Logger
}

// NewService creates the control service.
func NewService(q *pending.Queue, hs *handshake.Service, logger *zap.Logger) *Service {
	return &Service{queue: q, handshake: hs, logger: logging.OrNop(logger)}
}

// Register adds the service to s.
func (s *Service) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitOperation", (*Service).submitOperation),
		unary("AckQueueResponse", (*Service).ackQueueResponse),
		unary("ReceiveInvitation", (*Service).receiveInvitation),
		unary("ReviewConnection", (*Service).reviewConnection),
		unary("AcceptConnection", (*Service).acceptConnection),
		unary("RejectConnection", (*Service).rejectConnection),
		unary("CancelConnection", (*Service).cancelConnection),
		unary("ConnectionState", (*Service).connectionState),
	},
}

// unary builds a method handler that decodes Req and runs fn through the
// server's interceptor chain.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}](name string, fn func(*Service, context.Context, PReq) (proto.Message, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := PReq(new(Req))
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return fn(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return fn(s, ctx, r.(PReq))
			})
		},
	}
}

func incoming(ctx context.Context, key string) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (s *Service) submitOperation(ctx context.Context, req *wrapperspb.BytesValue) (proto.Message, error) {
	groupID := incoming(ctx, MDGroupID)
	if groupID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "missing group id")
	}
	typ, err := ParseOperationType(incoming(ctx, MDOperationType))
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.queue.Submit(ctx, groupID, typ, req.GetValue())
	var (
		opErr     *pending.OperationError
		exhausted *pending.RetryExhaustedError
	)
	// Outcomes of the attempt itself are part of the answer. Only a failure
	// to queue the operation is an RPC error.
	outcome := map[string]any{"result": res.String()}
	switch {
	case err == nil:
	case errors.As(err, &opErr), errors.As(err, &exhausted):
		outcome["error"] = err.Error()
	default:
		return nil, toStatus(err)
	}
	s.logger.Info("operation submitted",
		zap.String("group_id", groupID), zap.String("operation_type", string(typ)), zap.Stringer("result", res))
	out, err := structpb.NewStruct(outcome)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Service) ackQueueResponse(ctx context.Context, req *wrapperspb.BoolValue) (proto.Message, error) {
	groupID := incoming(ctx, MDGroupID)
	if groupID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "missing group id")
	}
	found, err := s.queue.AckQueueResponse(ctx, groupID, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(found), nil
}

func (s *Service) receiveInvitation(ctx context.Context, req *structpb.Struct) (proto.Message, error) {
	inv, err := decodeInvitation(req)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	var chat *store.Chat
	if inv.Targeted != nil {
		chat, err = s.handshake.ReceiveTargetedInvitation(ctx, *inv.Targeted)
	} else {
		chat, err = s.handshake.ReceiveHandleInvitation(ctx, *inv.Handle)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(chat.ChatID), nil
}

func (s *Service) reviewConnection(ctx context.Context, req *wrapperspb.StringValue) (proto.Message, error) {
	return empty(s.handshake.Review(ctx, req.GetValue()))
}

func (s *Service) acceptConnection(ctx context.Context, req *structpb.Struct) (proto.Message, error) {
	chatID, members, err := decodeAccept(req)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return empty(s.handshake.Accept(ctx, chatID, members))
}

func (s *Service) rejectConnection(ctx context.Context, req *wrapperspb.StringValue) (proto.Message, error) {
	return empty(s.handshake.Reject(ctx, req.GetValue()))
}

func (s *Service) cancelConnection(ctx context.Context, req *wrapperspb.StringValue) (proto.Message, error) {
	return empty(s.handshake.Cancel(ctx, req.GetValue()))
}

func (s *Service) connectionState(ctx context.Context, req *wrapperspb.StringValue) (proto.Message, error) {
	st, err := s.handshake.Current(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(string(st)), nil
}

func empty(err error) (proto.Message, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// toStatus maps domain errors onto gRPC codes. The message keeps the
// original text.
func toStatus(err error) error {
	var (
		stateErr     *handshake.StateError
		integrityErr *handshake.IntegrityError
		dupErr       *handshake.DuplicateInvitationError
	)
	code := codes.Internal
	kind, isDS := dsclient.KindOf(err)
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, store.ErrOperationPending), errors.As(err, &dupErr):
		code = codes.AlreadyExists
	case errors.As(err, &stateErr), errors.Is(err, store.ErrStateChanged):
		code = codes.FailedPrecondition
	case errors.Is(err, handshake.ErrInvalidInvitation):
		code = codes.InvalidArgument
	case errors.As(err, &integrityErr):
		code = codes.Aborted
	case isDS && kind == dsclient.KindNetwork:
		code = codes.Unavailable
	case isDS:
		code = codes.FailedPrecondition
	}
	return grpcstatus.Error(code, err.Error())
}
