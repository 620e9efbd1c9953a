// Package dsclient talks to the delivery service and queue service.
//
// The services use the protobuf well-known wrapper types as request and
// response messages, so no generated stubs are needed: every call is a
// unary conn.Invoke on a fixed method name.
package dsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/phnx-im/air-sub001/internal/logging"
	"github.com/phnx-im/air-sub001/internal/store"
)

// Full method names.
const (
	MethodSendCommit        = "/air.ds.v1.DeliveryService/SendCommit"
	MethodSelfRemove        = "/air.ds.v1.DeliveryService/SelfRemove"
	MethodDeleteGroup       = "/air.ds.v1.DeliveryService/DeleteGroup"
	MethodConnectionPayload = "/air.ds.v1.DeliveryService/ConnectionPayload"
	MethodUpdatePushToken   = "/air.qs.v1.QueueService/UpdatePushToken"
)

// Metadata keys carried alongside the request body.
const (
	MDGroupID      = "air-group-id"
	MDPushOperator = "air-push-operator"
	DefaultTimeout = 10 * time.Second
)

// Client is a thin wrapper over a gRPC connection.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
	logger  *zap.Logger
}

// New wraps an existing connection. timeout bounds each call; zero uses
// DefaultTimeout.
func New(conn grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: conn, timeout: timeout, logger: logging.OrNop(logger)}
}

// Dial connects to address. The connection is lazy: no I/O happens until
// the first call.
func Dial(address string, plaintext bool, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if plaintext {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	c := New(conn, timeout, logger)
	c.closer = conn.Close
	return c, nil
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	err := c.conn.Invoke(ctx, method, req, resp)
	if err != nil {
		c.logger.Debug("rpc failed", zap.String("method", method), zap.Duration("took", time.Since(start)), zap.Error(err))
		return classify(method, err)
	}
	return nil
}

func (c *Client) groupCall(ctx context.Context, method, groupID string, data []byte) error {
	ctx = metadata.AppendToOutgoingContext(ctx, MDGroupID, groupID)
	return c.invoke(ctx, method, wrapperspb.Bytes(data), &emptypb.Empty{})
}

// SendCommit hands an MLS commit for groupID to the delivery service.
func (c *Client) SendCommit(ctx context.Context, groupID string, commit []byte) error {
	return c.groupCall(ctx, MethodSendCommit, groupID, commit)
}

// SelfRemove sends the proposal that removes the own client from groupID.
func (c *Client) SelfRemove(ctx context.Context, groupID string, proposal []byte) error {
	return c.groupCall(ctx, MethodSelfRemove, groupID, proposal)
}

// DeleteGroup sends the commit that deletes groupID.
func (c *Client) DeleteGroup(ctx context.Context, groupID string, commit []byte) error {
	return c.groupCall(ctx, MethodDeleteGroup, groupID, commit)
}

// Submit sends a pending chat operation with the call matching its type.
func (c *Client) Submit(ctx context.Context, op *store.PendingChatOperation) error {
	switch op.OperationType {
	case store.OperationLeave:
		return c.SelfRemove(ctx, op.GroupID, op.OperationData)
	case store.OperationDelete:
		return c.DeleteGroup(ctx, op.GroupID, op.OperationData)
	default:
		return c.SendCommit(ctx, op.GroupID, op.OperationData)
	}
}

// ConnectionPayload fetches the published connection offer and key package
// for a handle.
func (c *Client) ConnectionPayload(ctx context.Context, handle string) (*Payload, error) {
	var resp wrapperspb.BytesValue
	if err := c.invoke(ctx, MethodConnectionPayload, wrapperspb.String(handle), &resp); err != nil {
		return nil, err
	}
	p, err := DecodePayload(resp.GetValue())
	if err != nil {
		return nil, &Error{Method: MethodConnectionPayload, Kind: KindRejected, Err: err}
	}
	return p, nil
}

// UpdatePushToken registers token with the queue service. An empty token
// removes the registration.
func (c *Client) UpdatePushToken(ctx context.Context, operator store.PushTokenOperator, token string) error {
	ctx = metadata.AppendToOutgoingContext(ctx, MDPushOperator, operator.String())
	return c.invoke(ctx, MethodUpdatePushToken, wrapperspb.String(token), &emptypb.Empty{})
}
