package location

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// SupplierLocation is one sample pushed by a fleet gateway.
type SupplierLocation struct {
	SupplierID string   `json:"supplierId"`
	Username   string   `json:"username,omitempty"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Heading    *float64 `json:"heading,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`
}

// Ack is returned when the gateway closes its stream.
type Ack struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// CodecName is the content subtype both ends must use.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// IngestServer defines the gRPC contract.
type IngestServer interface {
	StreamLocation(Ingest_StreamLocationServer) error
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: "presence.LocationIngest",
	HandlerType: (*IngestServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamLocation",
		Handler:       _Ingest_StreamLocation_Handler,
		ClientStreams: true,
	}},
}

// RegisterIngestServer registers the service implementation.
func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&ingestServiceDesc, srv)
}

// Ingest_StreamLocationServer is the server side of the client stream.
type Ingest_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*SupplierLocation, error)
}

func _Ingest_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(IngestServer).StreamLocation(&ingestStreamServer{ServerStream: stream})
}

type ingestStreamServer struct {
	grpc.ServerStream
}

func (s *ingestStreamServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *ingestStreamServer) Recv() (*SupplierLocation, error) {
	msg := new(SupplierLocation)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// IngestClient opens location streams against a presence server.
type IngestClient struct {
	cc grpc.ClientConnInterface
}

// NewIngestClient wraps a client connection.
func NewIngestClient(cc grpc.ClientConnInterface) *IngestClient {
	return &IngestClient{cc: cc}
}

// Ingest_StreamLocationClient is the gateway side of the client stream.
type Ingest_StreamLocationClient interface {
	Send(*SupplierLocation) error
	CloseAndRecv() (*Ack, error)
}

// StreamLocation opens a stream. Cancelling ctx aborts it.
func (c *IngestClient) StreamLocation(ctx context.Context, opts ...grpc.CallOption) (Ingest_StreamLocationClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ingestServiceDesc.Streams[0], "/presence.LocationIngest/StreamLocation", opts...)
	if err != nil {
		return nil, err
	}
	return &ingestStreamClient{ClientStream: stream}, nil
}

type ingestStreamClient struct {
	grpc.ClientStream
}

func (c *ingestStreamClient) Send(m *SupplierLocation) error { return c.ClientStream.SendMsg(m) }

func (c *ingestStreamClient) CloseAndRecv() (*Ack, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
