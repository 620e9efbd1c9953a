package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/phnx-im/air-sub001/internal/handshake"
	"github.com/phnx-im/air-sub001/internal/store"
)

// SubmitResult is the daemon's answer to SubmitOperation. Error is set when
// the first attempt failed in a way the queue already handled.
type SubmitResult struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Client calls the control API of a running daemon.
type Client struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, closer: conn.Close}, nil
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// SubmitOperation queues an operation for groupID and makes the first
// attempt.
func (c *Client) SubmitOperation(ctx context.Context, groupID string, typ store.OperationType, data []byte) (*SubmitResult, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, MDGroupID, groupID, MDOperationType, string(typ))
	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, MethodSubmitOperation, wrapperspb.Bytes(data), &resp); err != nil {
		return nil, err
	}
	f := resp.GetFields()
	return &SubmitResult{Result: f["result"].GetStringValue(), Error: f["error"].GetStringValue()}, nil
}

// AckQueueResponse reports the server's queue response for groupID. Returns
// false if no operation was waiting.
func (c *Client) AckQueueResponse(ctx context.Context, groupID string, accepted bool) (bool, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, MDGroupID, groupID)
	var resp wrapperspb.BoolValue
	if err := c.conn.Invoke(ctx, MethodAckQueueResponse, wrapperspb.Bool(accepted), &resp); err != nil {
		return false, err
	}
	return resp.GetValue(), nil
}

// ReceiveInvitation records an incoming invitation and returns its chat id.
func (c *Client) ReceiveInvitation(ctx context.Context, inv Invitation) (string, error) {
	req, err := encodeInvitation(inv)
	if err != nil {
		return "", err
	}
	var resp wrapperspb.StringValue
	if err := c.conn.Invoke(ctx, MethodReceiveInvitation, req, &resp); err != nil {
		return "", err
	}
	return resp.GetValue(), nil
}

// ReviewConnection moves an invitation to pending acceptance.
func (c *Client) ReviewConnection(ctx context.Context, chatID string) error {
	return c.chatCall(ctx, MethodReviewConnection, chatID)
}

// AcceptConnection connects a chat with the given extra members.
func (c *Client) AcceptConnection(ctx context.Context, chatID string, members []store.UserID) error {
	req, err := encodeAccept(chatID, members)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, MethodAcceptConnection, req, &emptypb.Empty{})
}

// RejectConnection declines an invitation.
func (c *Client) RejectConnection(ctx context.Context, chatID string) error {
	return c.chatCall(ctx, MethodRejectConnection, chatID)
}

// CancelConnection deletes a pending connection together with its chat.
func (c *Client) CancelConnection(ctx context.Context, chatID string) error {
	return c.chatCall(ctx, MethodCancelConnection, chatID)
}

// ConnectionState returns the handshake state of a chat.
func (c *Client) ConnectionState(ctx context.Context, chatID string) (handshake.State, error) {
	var resp wrapperspb.StringValue
	if err := c.conn.Invoke(ctx, MethodConnectionState, wrapperspb.String(chatID), &resp); err != nil {
		return "", err
	}
	return handshake.State(resp.GetValue()), nil
}

func (c *Client) chatCall(ctx context.Context, method, chatID string) error {
	return c.conn.Invoke(ctx, method, wrapperspb.String(chatID), &emptypb.Empty{})
}
