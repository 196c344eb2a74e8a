package verifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sells-group/pcf-provenance/pkg/streamrpc"
)

// Checker decides whether a receipt proves execution of the image.
type Checker interface {
	Check(ctx context.Context, req Request) (Result, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, req Request) (Result, error)

func (f CheckerFunc) Check(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// InputError marks a request the checker refuses to evaluate. The server
// answers it with InvalidArgument.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return e.Reason
}

// Server implements the verifier streaming service around a Checker.
type Server struct {
	checker Checker
}

// NewServer creates a verifier server.
func NewServer(checker Checker) *Server {
	return &Server{checker: checker}
}

// Register attaches the server to a gRPC server.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	streamrpc.RegisterVerifierServer(gs, s)
}

func (s *Server) Verify(stream grpc.ServerStream) error {
	var buf bytes.Buffer
	for {
		chunk := new(streamrpc.Chunk)
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return status.Errorf(codes.Internal, "stream error: %v", err)
		}
		buf.Write(chunk.Data)
	}

	var req Request
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid JSON payload: %v", err)
	}

	res, err := s.checker.Check(stream.Context(), req)
	if err != nil {
		var ie *InputError
		if errors.As(err, &ie) {
			return status.Error(codes.InvalidArgument, ie.Reason)
		}
		zap.L().Error("verifier: check failed", zap.Error(err))
		return status.Errorf(codes.Internal, "verification failed: %v", err)
	}

	return stream.SendMsg(&streamrpc.VerifyResponse{
		Valid:        res.Valid,
		Message:      res.Message,
		JournalValue: res.JournalValue,
	})
}

// DevChecker validates request structure only: a 32-byte hex image id and
// a base64 receipt. It never checks a proof and must not be used where
// verdicts matter.
func DevChecker() Checker {
	return CheckerFunc(func(_ context.Context, req Request) (Result, error) {
		id, err := hex.DecodeString(req.ImageID)
		if err != nil {
			return Result{}, &InputError{Reason: fmt.Sprintf("image id is not hex: %v", err)}
		}
		if len(id) != 32 {
			return Result{}, &InputError{Reason: fmt.Sprintf("image id has %d bytes, want 32", len(id))}
		}
		if _, err := base64.StdEncoding.DecodeString(req.Receipt); err != nil {
			return Result{}, &InputError{Reason: fmt.Sprintf("receipt is not base64: %v", err)}
		}
		return Result{Valid: true, Message: "dev mode: receipt structure accepted, proof not checked"}, nil
	})
}

var _ streamrpc.VerifierServer = (*Server)(nil)
