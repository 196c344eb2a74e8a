package registry

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/sells-group/pcf-provenance/internal/store"
	"github.com/sells-group/pcf-provenance/pkg/streamrpc"
)

// ObjectStore is the persistence the registry server needs.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, content []byte, digest string) error
	GetObject(ctx context.Context, key string) (*store.Object, error)
}

// Server implements the registry streaming service. Uploads replace any
// existing object with the same name.
type Server struct {
	objects   ObjectStore
	chunkSize int
}

// NewServer creates a registry server that answers downloads in chunks of
// chunkSize bytes.
func NewServer(objects ObjectStore, chunkSize int) *Server {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Server{objects: objects, chunkSize: chunkSize}
}

// Register attaches the server to a gRPC server.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	streamrpc.RegisterRegistryServer(gs, s)
}

// Digest returns the hex BLAKE3-256 digest recorded for stored content.
func Digest(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (s *Server) Upload(stream grpc.ServerStream) error {
	ctx := stream.Context()

	md, _ := metadata.FromIncomingContext(ctx)
	names := md.Get(streamrpc.FilenameKey)
	if len(names) == 0 || names[0] == "" {
		return stream.SendMsg(&streamrpc.UploadStatus{
			Success: false,
			Message: "missing " + streamrpc.FilenameKey + " metadata",
		})
	}
	name := names[0]

	var buf bytes.Buffer
	for {
		chunk := new(streamrpc.Chunk)
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		buf.Write(chunk.Data)
	}

	content := buf.Bytes()
	digest := Digest(content)
	if err := s.objects.PutObject(ctx, name, content, digest); err != nil {
		zap.L().Error("registry: store upload", zap.String("object", name), zap.Error(err))
		return stream.SendMsg(&streamrpc.UploadStatus{
			Success: false,
			Message: fmt.Sprintf("failed to store %s", name),
		})
	}

	zap.L().Info("registry: stored object",
		zap.String("object", name),
		zap.Int("bytes", len(content)),
		zap.String("blake3", digest),
	)
	return stream.SendMsg(&streamrpc.UploadStatus{
		Success: true,
		Message: fmt.Sprintf("stored %s (%d bytes, blake3 %s)", name, len(content), digest),
	})
}

func (s *Server) Download(req *streamrpc.GetRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()

	obj, err := s.objects.GetObject(ctx, req.Message)
	if err != nil {
		zap.L().Error("registry: load object", zap.String("object", req.Message), zap.Error(err))
		return status.Errorf(codes.Internal, "load %s", req.Message)
	}
	if obj == nil {
		return status.Errorf(codes.NotFound, "object %q not found", req.Message)
	}

	n, err := streamrpc.SendChunks(ctx, stream, obj.Content, s.chunkSize)
	if err != nil {
		return err
	}
	zap.L().Debug("registry: served object", zap.String("object", req.Message), zap.Int("chunks", n))
	return nil
}

var _ streamrpc.RegistryServer = (*Server)(nil)
