// Package verifier submits proof receipts to the receipt verifier service
// and hosts a compatible server for development and tests.
package verifier

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sells-group/pcf-provenance/internal/config"
	"github.com/sells-group/pcf-provenance/internal/resilience"
	"github.com/sells-group/pcf-provenance/pkg/streamrpc"
)

// DefaultChunkSize is the request chunk size used by the verifier protocol.
const DefaultChunkSize = 1024

// Request is the payload streamed to the verifier.
type Request struct {
	Receipt string `json:"receipt"`
	ImageID string `json:"image_id"`
}

// Result is the verifier's verdict.
type Result struct {
	Valid        bool
	Message      string
	JournalValue *float64
}

// Options tunes a Client.
type Options struct {
	ChunkSize  int
	RatePerSec float64
	Retry      resilience.RetryConfig
	Breaker    resilience.CircuitBreakerConfig
}

// Client calls the verifier service.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  io.Closer
	opts    Options
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// New creates a Client over an existing connection. A non-positive
// RatePerSec leaves calls unthrottled.
func New(conn grpc.ClientConnInterface, opts Options) *Client {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	opts.Retry.OnRetry = resilience.RetryLogger("verifier", "verify")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	return &Client{
		conn:    conn,
		opts:    opts,
		limiter: limiter,
		breaker: resilience.NewCircuitBreaker("verifier", opts.Breaker),
	}
}

// Dial connects to the verifier at cfg.Address.
func Dial(cfg config.VerifierConfig, rc config.ResilienceConfig) (*Client, error) {
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(streamrpc.CallOption()),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "verifier: dial %s", cfg.Address)
	}
	retry, breaker := resilience.FromConfig(rc)
	c := New(conn, Options{
		ChunkSize:  cfg.ChunkSize,
		RatePerSec: cfg.RatePerSec,
		Retry:      retry,
		Breaker:    breaker,
	})
	c.closer = conn
	return c, nil
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Verify streams the receipt and image id to the verifier and returns its
// verdict. An error means no verdict was obtained.
func (c *Client) Verify(ctx context.Context, receipt, imageID string) (*Result, error) {
	payload, err := json.Marshal(Request{Receipt: receipt, ImageID: imageID})
	if err != nil {
		return nil, eris.Wrap(err, "verifier: marshal request")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "verifier: rate limit")
	}

	resp, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (*streamrpc.VerifyResponse, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*streamrpc.VerifyResponse, error) {
			return c.verifyOnce(ctx, payload)
		})
	})
	if err != nil {
		zap.L().Error("verifier: verify failed", zap.Error(err))
		return nil, err
	}

	zap.L().Info("verifier: verdict received",
		zap.Bool("valid", resp.Valid),
		zap.String("message", resp.Message),
	)
	return &Result{Valid: resp.Valid, Message: resp.Message, JournalValue: resp.JournalValue}, nil
}

func (c *Client) verifyOnce(ctx context.Context, payload []byte) (*streamrpc.VerifyResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &streamrpc.VerifyStream, streamrpc.VerifyMethod, streamrpc.CallOption())
	if err != nil {
		return nil, eris.Wrap(err, "verifier: open stream")
	}
	n, err := streamrpc.SendChunks(ctx, stream, payload, c.opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, eris.Wrap(err, "verifier: close stream")
	}

	resp := new(streamrpc.VerifyResponse)
	if err := stream.RecvMsg(resp); err != nil {
		return nil, eris.Wrap(err, "verifier: receive verdict")
	}
	zap.L().Debug("verifier: request streamed", zap.Int("bytes", len(payload)), zap.Int("chunks", n))
	return resp, nil
}
