package backend

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// CompleteMethod is the full gRPC method name served by model gateways.
const CompleteMethod = "/cells.backend.v1.Backend/Complete"

// #region client-struct
// GRPCClient calls a remote model gateway. Requests and responses travel as
// google.protobuf.Struct so no generated stubs are needed on either side.
type GRPCClient struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// #endregion client-struct

// #region constructor
// NewGRPCClient connects to the model gateway at addr.
func NewGRPCClient(addr string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, cc: conn}, nil
}

// NewGRPCClientWithConn wraps an existing connection, e.g. a bufconn dial in tests.
func NewGRPCClientWithConn(cc grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{cc: cc}
}

// #endregion constructor

// #region close
// Close shuts down the owned connection, if any.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region complete
// Complete sends the conversation to the gateway and returns its text.
func (c *GRPCClient) Complete(ctx context.Context, msgs []Message, temperature float64, maxTokens int) (string, error) {
	req, err := EncodeRequest(msgs, temperature, maxTokens)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %w", ErrBackend, err)
	}
	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, CompleteMethod, req, resp); err != nil {
		return "", fmt.Errorf("%w: complete rpc: %w", ErrBackend, err)
	}
	text, ok := resp.GetFields()["text"]
	if !ok {
		return "", fmt.Errorf("%w: response missing text", ErrBackend)
	}
	return strings.TrimSpace(text.GetStringValue()), nil
}

// #endregion complete

// #region codec
// EncodeRequest builds the Struct payload for a completion call.
func EncodeRequest(msgs []Message, temperature float64, maxTokens int) (*structpb.Struct, error) {
	list := make([]any, len(msgs))
	for i, m := range msgs {
		list[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return structpb.NewStruct(map[string]any{
		"messages":    list,
		"temperature": temperature,
		"max_tokens":  float64(maxTokens),
	})
}

// DecodeRequest is the inverse of EncodeRequest, used by gateway servers.
func DecodeRequest(s *structpb.Struct) ([]Message, float64, int) {
	f := s.GetFields()
	var msgs []Message
	for _, v := range f["messages"].GetListValue().GetValues() {
		mf := v.GetStructValue().GetFields()
		msgs = append(msgs, Message{
			Role:    mf["role"].GetStringValue(),
			Content: mf["content"].GetStringValue(),
		})
	}
	return msgs, f["temperature"].GetNumberValue(), int(f["max_tokens"].GetNumberValue())
}

// #endregion codec

// #region server
// Server is implemented by model gateways exposed over gRPC.
type Server interface {
	Complete(ctx context.Context, msgs []Message, temperature float64, maxTokens int) (string, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "cells.backend.v1.Backend",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Complete", Handler: completeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cells/backend/v1/backend.proto",
}

// RegisterServer exposes srv on s under CompleteMethod.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

func completeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		msgs, temp, maxTokens := DecodeRequest(req.(*structpb.Struct))
		text, err := srv.(Server).Complete(ctx, msgs, temp, maxTokens)
		if err != nil {
			return nil, err
		}
		return structpb.NewStruct(map[string]any{"text": text})
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CompleteMethod}
	return interceptor(ctx, in, info, handle)
}

// #endregion server
