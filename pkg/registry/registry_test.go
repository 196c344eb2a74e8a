package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sells-group/pcf-provenance/internal/resilience"
	"github.com/sells-group/pcf-provenance/internal/store"
	"github.com/sells-group/pcf-provenance/pkg/streamrpc"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string]store.Object
	putErr  error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string]store.Object)}
}

func (m *memObjects) PutObject(_ context.Context, key string, content []byte, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = store.Object{Key: key, Content: append([]byte{}, content...), Digest: digest}
	return nil
}

func (m *memObjects) GetObject(_ context.Context, key string) (*store.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	return &obj, nil
}

// startServer serves srv over an in-memory listener and returns a client
// connection to it.
func startServer(t *testing.T, srv streamrpc.RegistryServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(streamrpc.ServerOption())
	streamrpc.RegisterRegistryServer(gs, srv)
	go gs.Serve(lis) //nolint:errcheck
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck
	return conn
}

func testOptions(t *testing.T) Options {
	return Options{
		SpoolDir: t.TempDir(),
		Retry:    resilience.RetryConfig{MaxAttempts: 1},
	}
}

func TestRoundTrip_ContentLengths(t *testing.T) {
	objects := newMemObjects()
	client := New(startServer(t, NewServer(objects, DefaultChunkSize)), testOptions(t))
	ctx := context.Background()

	for _, n := range []int{0, 1, 4095, 4096, 4097, 10000} {
		t.Run(fmt.Sprintf("len_%d", n), func(t *testing.T) {
			content := strings.Repeat("x", n)
			if n > 2 {
				content = "{" + strings.Repeat("a", n-2) + "}"
			}
			name := fmt.Sprintf("doc-%d", n)

			require.True(t, client.Upload(ctx, name, []byte(content)))

			got, ok := client.Download(ctx, name)
			require.True(t, ok)
			assert.Equal(t, content, got)
		})
	}
}

func TestRoundTrip_SpillsToDisk(t *testing.T) {
	objects := newMemObjects()
	opts := testOptions(t)
	opts.SpoolThreshold = 1024
	client := New(startServer(t, NewServer(objects, 512)), opts)
	ctx := context.Background()

	content := strings.Repeat("0123456789", 1000)
	require.True(t, client.Upload(ctx, "big", []byte(content)))

	got, ok := client.Download(ctx, "big")
	require.True(t, ok)
	assert.Equal(t, content, got)

	entries, err := os.ReadDir(opts.SpoolDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spool file must be removed after download")
}

func TestUpload_LastWriteWins(t *testing.T) {
	objects := newMemObjects()
	client := New(startServer(t, NewServer(objects, DefaultChunkSize)), testOptions(t))
	ctx := context.Background()

	require.True(t, client.Upload(ctx, "k", []byte("first")))
	require.True(t, client.Upload(ctx, "k", []byte("second")))

	got, ok := client.Download(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "second", got)
	assert.Equal(t, Digest([]byte("second")), objects.objects["k"].Digest)
}

func TestUploadJSON_Indented(t *testing.T) {
	objects := newMemObjects()
	client := New(startServer(t, NewServer(objects, DefaultChunkSize)), testOptions(t))

	require.True(t, client.UploadJSON(context.Background(), "doc", map[string]int{"pcf": 1}))
	assert.Equal(t, "{\n  \"pcf\": 1\n}", string(objects.objects["doc"].Content))
}

func TestUpload_StoreFailureReturnsFalse(t *testing.T) {
	objects := newMemObjects()
	objects.putErr = errors.New("disk full")
	client := New(startServer(t, NewServer(objects, DefaultChunkSize)), testOptions(t))

	assert.False(t, client.Upload(context.Background(), "doc", []byte("{}")))
}

func TestUpload_CancelledContextReturnsFalse(t *testing.T) {
	client := New(startServer(t, NewServer(newMemObjects(), DefaultChunkSize)), testOptions(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, client.Upload(ctx, "doc", []byte("{}")))
}

func TestDownload_NotFound(t *testing.T) {
	client := New(startServer(t, NewServer(newMemObjects(), DefaultChunkSize)), testOptions(t))
	ctx := context.Background()

	got, ok := client.Download(ctx, "missing")
	assert.False(t, ok)
	assert.Empty(t, got)

	_, err := client.Fetch(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpload_ServerUnreachable(t *testing.T) {
	lis := bufconn.Listen(1024)
	require.NoError(t, lis.Close())

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	client := New(conn, testOptions(t))
	assert.False(t, client.Upload(context.Background(), "doc", []byte("{}")))

	_, err = client.Fetch(context.Background(), "doc")
	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "download", te.Op)
}

// chunkRecorder counts upload chunks and fails downloads midway.
type chunkRecorder struct {
	mu     sync.Mutex
	sizes  []int
	name   string
	failAt int
}

func (r *chunkRecorder) Upload(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	r.mu.Lock()
	if v := md.Get(streamrpc.FilenameKey); len(v) > 0 {
		r.name = v[0]
	}
	r.mu.Unlock()
	for {
		chunk := new(streamrpc.Chunk)
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.sizes = append(r.sizes, len(chunk.Data))
		r.mu.Unlock()
	}
	return stream.SendMsg(&streamrpc.UploadStatus{Success: true, Message: "ok"})
}

func (r *chunkRecorder) Download(_ *streamrpc.GetRequest, stream grpc.ServerStream) error {
	for i := 0; i < r.failAt; i++ {
		if err := stream.SendMsg(&streamrpc.Chunk{Data: []byte(strings.Repeat("z", 600))}); err != nil {
			return err
		}
	}
	return status.Error(codes.Internal, "registry crashed")
}

func TestUpload_ChunksAndFilename(t *testing.T) {
	rec := &chunkRecorder{}
	client := New(startServer(t, rec), testOptions(t))

	require.True(t, client.Upload(context.Background(), "intern_pcf_registry_urn:pcf:1", make([]byte, 10000)))

	assert.Equal(t, "intern_pcf_registry_urn:pcf:1", rec.name)
	assert.Equal(t, []int{4096, 4096, 1808}, rec.sizes)
}

func TestUpload_EmptyContentSendsNoChunks(t *testing.T) {
	rec := &chunkRecorder{}
	client := New(startServer(t, rec), testOptions(t))

	require.True(t, client.Upload(context.Background(), "empty", nil))
	assert.Empty(t, rec.sizes)
}

func TestDownload_MidStreamFailureIsAllOrNothing(t *testing.T) {
	rec := &chunkRecorder{failAt: 5}
	opts := testOptions(t)
	opts.SpoolThreshold = 1000
	client := New(startServer(t, rec), opts)

	got, ok := client.Download(context.Background(), "doc")
	assert.False(t, ok)
	assert.Empty(t, got)

	entries, err := os.ReadDir(opts.SpoolDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spool file must be removed after a failed download")
}

func TestServer_UploadWithoutFilename(t *testing.T) {
	conn := startServer(t, NewServer(newMemObjects(), DefaultChunkSize))

	stream, err := conn.NewStream(context.Background(), &streamrpc.UploadStream, streamrpc.UploadMethod, streamrpc.CallOption())
	require.NoError(t, err)
	require.NoError(t, stream.CloseSend())

	ack := new(streamrpc.UploadStatus)
	require.NoError(t, stream.RecvMsg(ack))
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Message, "filename")
}

// rawFrames hands received frames to the handler undecoded.
type rawFrames struct{}

func (rawFrames) Marshal(v any) ([]byte, error) {
	return v.(streamrpc.Message).MarshalWire(), nil
}

func (rawFrames) Unmarshal(data []byte, v any) error {
	*v.(*[]byte) = append([]byte(nil), data...)
	return nil
}

func (rawFrames) Name() string { return "raw" }

// wireCapture records the content type and raw frames of every call.
type wireCapture struct {
	mu          sync.Mutex
	contentType []string
	frames      map[string][][]byte
}

func (w *wireCapture) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	md, _ := metadata.FromIncomingContext(stream.Context())
	for {
		var frame []byte
		err := stream.RecvMsg(&frame)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.frames[method] = append(w.frames[method], frame)
		w.mu.Unlock()
		if method == streamrpc.DownloadMethod {
			break
		}
	}
	w.mu.Lock()
	w.contentType = append(w.contentType, md.Get("content-type")...)
	w.mu.Unlock()

	if method == streamrpc.DownloadMethod {
		return stream.SendMsg(&streamrpc.Chunk{Data: []byte("hello")})
	}
	return stream.SendMsg(&streamrpc.UploadStatus{Success: true, Message: "stored"})
}

func TestClient_SpeaksProtobufOnTheWire(t *testing.T) {
	capture := &wireCapture{frames: make(map[string][][]byte)}
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnknownServiceHandler(capture.handle), grpc.ForceServerCodec(rawFrames{}))
	go gs.Serve(lis) //nolint:errcheck
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	client := New(conn, testOptions(t))
	ctx := context.Background()
	require.True(t, client.Upload(ctx, "k", []byte("hello")))
	got, ok := client.Download(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "hello", got)

	capture.mu.Lock()
	defer capture.mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("\n\x05hello")}, capture.frames[streamrpc.UploadMethod])
	assert.Equal(t, [][]byte{[]byte("\n\x01k")}, capture.frames[streamrpc.DownloadMethod])
	for _, ct := range capture.contentType {
		assert.Equal(t, "application/grpc+proto", ct)
	}
	assert.Len(t, capture.contentType, 2)
}
