package llmprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("llmprovider: connection shutdown")
	errConnectionStateUnchanged = errors.New("llmprovider: connection state did not change")
)

const (
	serviceCompleteStructured = "/kazicore.llm.LLMService/CompleteStructured"
	serviceCompleteStream     = "/kazicore.llm.LLMService/CompleteStream"
)

// GRPCClientConfig mirrors the teacher's GrpcClientConfig shape.
type GRPCClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCClientConfig returns default configuration.
func DefaultGRPCClientConfig(addr string) GRPCClientConfig {
	return GRPCClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCProvider is the gRPC-backed Provider implementation, grounded on
// the teacher's internal/agent/grpc_client.go connection-setup and
// iter.Seq2 streaming idiom, addressed at a swappable reasoning service
// instead of the teacher's Python Agent Service.
type GRPCProvider struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPCProvider dials addr and blocks (up to ConnectTimeout) until the
// connection is ready, failing fast on bad endpoints exactly as the
// teacher's NewGrpcClient does.
func NewGRPCProvider(addr string, logger *slog.Logger) (*GRPCProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultGRPCClientConfig(addr)

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to llm provider at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close grpc connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("llm provider at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to llm provider", "address", cfg.Address)
	return &GRPCProvider{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the underlying gRPC connection.
func (p *GRPCProvider) Close() {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("failed to close grpc connection", "error", err)
		}
	}
}

// CompleteStructured performs one unary reasoning round-trip.
func (p *GRPCProvider) CompleteStructured(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := p.conn.Invoke(ctx, serviceCompleteStructured, &req, &resp)
	if err != nil {
		return Response{}, fmt.Errorf("complete_structured: %w", err)
	}
	return resp, nil
}

// CompleteStream performs a server-streaming reasoning call.
func (p *GRPCProvider) CompleteStream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		desc := &grpc.StreamDesc{ServerStreams: true}
		stream, err := p.conn.NewStream(ctx, desc, serviceCompleteStream)
		if err != nil {
			yield(StreamChunk{}, fmt.Errorf("complete_stream: %w", err))
			return
		}
		if err := stream.SendMsg(&req); err != nil {
			yield(StreamChunk{}, fmt.Errorf("complete_stream send: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(StreamChunk{}, fmt.Errorf("complete_stream close send: %w", err))
			return
		}

		for {
			var chunk StreamChunk
			err := stream.RecvMsg(&chunk)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(StreamChunk{}, fmt.Errorf("complete_stream recv: %w", err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
			if chunk.Done {
				return
			}
		}
	}
}
