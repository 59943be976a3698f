package backend

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// #region fake-gateway
type echoGateway struct {
	lastMsgs []Message
	lastTemp float64
	lastMax  int
	fail     bool
}

func (g *echoGateway) Complete(_ context.Context, msgs []Message, temperature float64, maxTokens int) (string, error) {
	if g.fail {
		return "", status.Error(codes.Unavailable, "model offline")
	}
	g.lastMsgs = msgs
	g.lastTemp = temperature
	g.lastMax = maxTokens
	return "  echo: " + msgs[len(msgs)-1].Content + "  ", nil
}

func startGateway(t *testing.T, gw Server) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, gw)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
	})
	return NewGRPCClientWithConn(conn)
}

// #endregion fake-gateway

func TestGRPCClient_RoundTrip(t *testing.T) {
	gw := &echoGateway{}
	client := startGateway(t, gw)

	msgs := []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}
	text, err := client.Complete(context.Background(), msgs, 0.35, 300)
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", text)
	assert.Equal(t, msgs, gw.lastMsgs)
	assert.InDelta(t, 0.35, gw.lastTemp, 1e-9)
	assert.Equal(t, 300, gw.lastMax)
}

func TestGRPCClient_ErrorWrapsErrBackend(t *testing.T) {
	client := startGateway(t, &echoGateway{fail: true})
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "x"}}, 0.5, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackend)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unavailable, st.Code())
}

func TestNewGRPCClient_LazyConnect(t *testing.T) {
	c, err := NewGRPCClient("localhost:0")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.NoError(t, NewGRPCClientWithConn(nil).Close())
}

func TestEncodeDecodeRequest(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}}
	s, err := EncodeRequest(msgs, 0.1, 42)
	require.NoError(t, err)
	got, temp, maxTokens := DecodeRequest(s)
	assert.Equal(t, msgs, got)
	assert.Equal(t, 0.1, temp)
	assert.Equal(t, 42, maxTokens)
}

// #region timeout-tests
func TestWithTimeout_BoundsSlowBackend(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := Func(func(ctx context.Context, _ []Message, _ float64, _ int) (string, error) {
		<-release
		return "late", nil
	})

	start := time.Now()
	_, err := WithTimeout(slow, 30*time.Millisecond).Complete(context.Background(), nil, 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWithTimeout_PassesThrough(t *testing.T) {
	fast := Func(func(context.Context, []Message, float64, int) (string, error) { return "ok", nil })
	text, err := WithTimeout(fast, time.Second).Complete(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)

	failing := Func(func(context.Context, []Message, float64, int) (string, error) {
		return "", errors.New("boom")
	})
	_, err = WithTimeout(failing, time.Second).Complete(context.Background(), nil, 0, 0)
	assert.ErrorIs(t, err, ErrBackend)

	assert.Nil(t, WithTimeout(nil, time.Second))
}

// #endregion timeout-tests

func TestStubText(t *testing.T) {
	assert.Equal(t, "STUB(cell-base): hi", StubText("cell-base", "hi"))
}
