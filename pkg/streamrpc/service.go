package streamrpc

import (
	"google.golang.org/grpc"
)

// Registry service names and metadata.
const (
	RegistryServiceName = "jsonstreaming.JsonStreamingService"
	UploadMethod        = "/" + RegistryServiceName + "/UploadJson"
	DownloadMethod      = "/" + RegistryServiceName + "/GetJson"

	// FilenameKey is the metadata key naming the object of an upload.
	FilenameKey = "filename"
)

// Verifier service names.
const (
	VerifierServiceName = "receipt_verifier.ReceiptVerifierService"
	VerifyMethod        = "/" + VerifierServiceName + "/VerifyReceiptStream"
)

// Stream descriptors used by clients.
var (
	UploadStream   = grpc.StreamDesc{StreamName: "UploadJson", ClientStreams: true}
	DownloadStream = grpc.StreamDesc{StreamName: "GetJson", ServerStreams: true}
	VerifyStream   = grpc.StreamDesc{StreamName: "VerifyReceiptStream", ClientStreams: true}
)

// RegistryServer hosts the registry service. Upload receives Chunk messages
// and answers with one UploadStatus; Download answers a GetRequest with a
// stream of Chunk messages.
type RegistryServer interface {
	Upload(stream grpc.ServerStream) error
	Download(req *GetRequest, stream grpc.ServerStream) error
}

// VerifierServer hosts the verifier service: a stream of Chunk messages
// answered with one VerifyResponse.
type VerifierServer interface {
	Verify(stream grpc.ServerStream) error
}

// RegisterRegistryServer attaches srv to s.
func RegisterRegistryServer(s grpc.ServiceRegistrar, srv RegistryServer) {
	s.RegisterService(&registryServiceDesc, srv)
}

// RegisterVerifierServer attaches srv to s.
func RegisterVerifierServer(s grpc.ServiceRegistrar, srv VerifierServer) {
	s.RegisterService(&verifierServiceDesc, srv)
}

var registryServiceDesc = grpc.ServiceDesc{
	ServiceName: RegistryServiceName,
	HandlerType: (*RegistryServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "UploadJson",
			Handler:       uploadHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "GetJson",
			Handler:       downloadHandler,
			ServerStreams: true,
		},
	},
	Metadata: "jsonstreaming.proto",
}

var verifierServiceDesc = grpc.ServiceDesc{
	ServiceName: VerifierServiceName,
	HandlerType: (*VerifierServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "VerifyReceiptStream",
			Handler:       verifyHandler,
			ClientStreams: true,
		},
	},
	Metadata: "receipt_verifier.proto",
}

func uploadHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RegistryServer).Upload(stream)
}

func downloadHandler(srv any, stream grpc.ServerStream) error {
	req := new(GetRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RegistryServer).Download(req, stream)
}

func verifyHandler(srv any, stream grpc.ServerStream) error {
	return srv.(VerifierServer).Verify(stream)
}
