// Package registry moves proofing documents and proof records to and from
// the PCF registry over its chunked gRPC streaming service, and hosts a
// compatible registry server backed by the object store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/sells-group/pcf-provenance/internal/config"
	"github.com/sells-group/pcf-provenance/internal/resilience"
	"github.com/sells-group/pcf-provenance/pkg/streamrpc"
)

// DefaultChunkSize is the upload chunk size expected by the registry.
const DefaultChunkSize = 4096

// DefaultSpoolThreshold is the in-memory reassembly limit for downloads.
const DefaultSpoolThreshold = 8 << 20

// ErrNotFound is returned by Fetch when the registry holds nothing under
// the requested key.
var ErrNotFound = eris.New("registry: object not found")

// TransferError describes a failed upload or download.
type TransferError struct {
	Op     string
	Object string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("registry: %s %s: %v", e.Op, e.Object, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Options tunes a Client.
type Options struct {
	ChunkSize      int
	SpoolDir       string
	SpoolThreshold int
	Retry          resilience.RetryConfig
	Breaker        resilience.CircuitBreakerConfig
}

// Client talks to the registry service.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  io.Closer
	opts    Options
	breaker *resilience.CircuitBreaker
}

// New creates a Client over an existing connection.
func New(conn grpc.ClientConnInterface, opts Options) *Client {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.SpoolThreshold <= 0 {
		opts.SpoolThreshold = DefaultSpoolThreshold
	}
	opts.Retry.OnRetry = resilience.RetryLogger("registry", "transfer")
	return &Client{
		conn:    conn,
		opts:    opts,
		breaker: resilience.NewCircuitBreaker("registry", opts.Breaker),
	}
}

// Dial connects to the registry at cfg.Address. The connection is
// established lazily on the first call.
func Dial(cfg config.RegistryConfig, rc config.ResilienceConfig) (*Client, error) {
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(streamrpc.CallOption()),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: dial %s", cfg.Address)
	}
	retry, breaker := resilience.FromConfig(rc)
	c := New(conn, Options{
		ChunkSize:      cfg.ChunkSize,
		SpoolDir:       cfg.SpoolDir,
		SpoolThreshold: cfg.SpoolThresholdBytes,
		Retry:          retry,
		Breaker:        breaker,
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

// Upload stores content under objectName. It reports the registry's
// success flag; any transport failure yields false.
func (c *Client) Upload(ctx context.Context, objectName string, content []byte) bool {
	log := zap.L().With(zap.String("object", objectName), zap.Int("bytes", len(content)))

	ack, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (*streamrpc.UploadStatus, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*streamrpc.UploadStatus, error) {
			return c.uploadOnce(ctx, objectName, content)
		})
	})
	if err != nil {
		log.Error("registry: upload failed", zap.Error(err))
		return false
	}

	if ack.Success {
		log.Info("registry: upload acknowledged", zap.String("message", ack.Message))
	} else {
		log.Warn("registry: upload rejected", zap.String("message", ack.Message))
	}
	return ack.Success
}

// UploadJSON marshals v with two-space indentation and uploads it.
func (c *Client) UploadJSON(ctx context.Context, objectName string, v any) bool {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		zap.L().Error("registry: marshal upload", zap.String("object", objectName), zap.Error(err))
		return false
	}
	return c.Upload(ctx, objectName, data)
}

func (c *Client) uploadOnce(ctx context.Context, objectName string, content []byte) (*streamrpc.UploadStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx = metadata.AppendToOutgoingContext(ctx, streamrpc.FilenameKey, objectName)
	stream, err := c.conn.NewStream(ctx, &streamrpc.UploadStream, streamrpc.UploadMethod, streamrpc.CallOption())
	if err != nil {
		return nil, eris.Wrap(err, "registry: open upload stream")
	}

	n, err := streamrpc.SendChunks(ctx, stream, content, c.opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, eris.Wrap(err, "registry: close upload stream")
	}

	ack := new(streamrpc.UploadStatus)
	if err := stream.RecvMsg(ack); err != nil {
		return nil, eris.Wrap(err, "registry: receive upload status")
	}
	zap.L().Debug("registry: upload streamed", zap.String("object", objectName), zap.Int("chunks", n))
	return ack, nil
}

// Download returns the content stored under objectID. Content is only
// returned once the stream completed normally; any failure yields ("", false).
func (c *Client) Download(ctx context.Context, objectID string) (string, bool) {
	content, err := c.Fetch(ctx, objectID)
	if err != nil {
		return "", false
	}
	return content, true
}

// Fetch is Download with the failure reason kept. A registry miss is
// reported as ErrNotFound; other failures as *TransferError.
func (c *Client) Fetch(ctx context.Context, objectID string) (string, error) {
	content, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (string, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (string, error) {
			return c.downloadOnce(ctx, objectID)
		})
	})
	if err == nil {
		return content, nil
	}

	if status.Code(err) == codes.NotFound {
		zap.L().Info("registry: object not found", zap.String("object", objectID))
		return "", eris.Wrapf(ErrNotFound, "object %s", objectID)
	}
	zap.L().Error("registry: download failed", zap.String("object", objectID), zap.Error(err))
	return "", &TransferError{Op: "download", Object: objectID, Err: err}
}

func (c *Client) downloadOnce(ctx context.Context, objectID string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &streamrpc.DownloadStream, streamrpc.DownloadMethod, streamrpc.CallOption())
	if err != nil {
		return "", eris.Wrap(err, "registry: open download stream")
	}
	if err := stream.SendMsg(&streamrpc.GetRequest{Message: objectID}); err != nil {
		return "", eris.Wrap(err, "registry: send get request")
	}
	if err := stream.CloseSend(); err != nil {
		return "", eris.Wrap(err, "registry: close get request")
	}

	sp := newSpool(c.opts.SpoolDir, c.opts.SpoolThreshold)
	defer func() {
		if err := sp.Close(); err != nil {
			zap.L().Warn("registry: release spool", zap.Error(err))
		}
	}()

	for {
		chunk := new(streamrpc.Chunk)
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", eris.Wrap(err, "registry: receive chunk")
		}
		if _, err := sp.Write(chunk.Data); err != nil {
			return "", err
		}
	}
	return sp.String()
}
