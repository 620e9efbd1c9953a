// Package dstest runs an in-memory delivery and queue service for tests.
package dstest

import (
	"context"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/phnx-im/air-sub001/internal/dsclient"
)

// Call is one request the server received.
type Call struct {
	Method   string
	GroupID  string
	Operator string
	Body     []byte
	Text     string
}

// Server records calls and answers with configured errors or payloads.
type Server struct {
	mu       sync.Mutex
	calls    []Call
	errs     map[string][]error
	payloads map[string]*dsclient.Payload
	hang     map[string]bool

	lis  *bufconn.Listener
	srv  *grpc.Server
	conn *grpc.ClientConn
}

// NewServer starts a server and registers cleanup on t.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		errs:     make(map[string][]error),
		payloads: make(map[string]*dsclient.Payload),
		hang:     make(map[string]bool),
		lis:      bufconn.Listen(1 << 20),
		srv:      grpc.NewServer(),
	}
	s.srv.RegisterService(&deliveryDesc, s)
	s.srv.RegisterService(&queueDesc, s)
	go func() { _ = s.srv.Serve(s.lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	s.conn = conn
	t.Cleanup(func() {
		_ = conn.Close()
		s.srv.Stop()
	})
	return s
}

// Conn returns a client connection to the server.
func (s *Server) Conn() *grpc.ClientConn { return s.conn }

// Stop shuts the server down so further calls fail with Unavailable.
func (s *Server) Stop() {
	s.srv.Stop()
	_ = s.lis.Close()
}

// FailNext queues errors returned by the next calls to method, one per call.
func (s *Server) FailNext(method string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[method] = append(s.errs[method], errs...)
}

// Hang makes method block until the caller gives up.
func (s *Server) Hang(method string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang[method] = on
}

// Publish sets the connection payload served for handle.
func (s *Server) Publish(handle string, p *dsclient.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[handle] = p
}

// Calls returns a copy of the recorded calls.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded calls for one method.
func (s *Server) CallsTo(method string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) record(ctx context.Context, c Call) (error, bool) {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(dsclient.MDGroupID); len(v) > 0 {
		c.GroupID = v[0]
	}
	if v := md.Get(dsclient.MDPushOperator); len(v) > 0 {
		c.Operator = v[0]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if q := s.errs[c.Method]; len(q) > 0 {
		s.errs[c.Method] = q[1:]
		return q[0], s.hang[c.Method]
	}
	return nil, s.hang[c.Method]
}

func (s *Server) respond(ctx context.Context, c Call, resp any) (any, error) {
	err, hang := s.record(ctx, c)
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func bytesMethod(name, full string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			var req wrapperspb.BytesValue
			if err := dec(&req); err != nil {
				return nil, err
			}
			return srv.(*Server).respond(ctx, Call{Method: full, Body: req.GetValue()}, &emptypb.Empty{})
		},
	}
}

var deliveryDesc = grpc.ServiceDesc{
	ServiceName: "air.ds.v1.DeliveryService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		bytesMethod("SendCommit", dsclient.MethodSendCommit),
		bytesMethod("SelfRemove", dsclient.MethodSelfRemove),
		bytesMethod("DeleteGroup", dsclient.MethodDeleteGroup),
		{
			MethodName: "ConnectionPayload",
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				var req wrapperspb.StringValue
				if err := dec(&req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				s.mu.Lock()
				p := s.payloads[req.GetValue()]
				s.mu.Unlock()
				var body []byte
				if p != nil {
					body = p.Encode()
				}
				return s.respond(ctx, Call{Method: dsclient.MethodConnectionPayload, Text: req.GetValue()}, wrapperspb.Bytes(body))
			},
		},
	},
}

var queueDesc = grpc.ServiceDesc{
	ServiceName: "air.qs.v1.QueueService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "UpdatePushToken",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			var req wrapperspb.StringValue
			if err := dec(&req); err != nil {
				return nil, err
			}
			return srv.(*Server).respond(ctx, Call{Method: dsclient.MethodUpdatePushToken, Text: req.GetValue()}, &emptypb.Empty{})
		},
	}},
}
