// Package location ingests supplier positions over gRPC client streams.
// A supplier token may only stream its own positions; a gateway token may relay
// positions for any supplier. Each stream acts as one presence connection and
// closing it takes its suppliers offline.
package location

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/agrilink/internal/auth"
	"github.com/example/agrilink/internal/geo"
	"github.com/example/agrilink/internal/presence/channel"
)

// Dispatcher is the part of the broadcast channel a stream drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn channel.Conn, cmd channel.Inbound) error
	Disconnect(ctx context.Context, conn channel.Conn)
}

// Server implements IngestServer.
type Server struct {
	ch     Dispatcher
	secret string
	logger *zap.Logger
}

// NewServer constructs a server. An empty secret accepts unauthenticated streams.
func NewServer(ch Dispatcher, secret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ch: ch, secret: secret, logger: logger}
}

// StreamLocation dispatches every sample through the channel so it is broadcast.
func (s *Server) StreamLocation(stream Ingest_StreamLocationServer) error {
	identity, err := s.authenticate(stream.Context())
	if err != nil {
		return err
	}
	conn := &streamConn{id: "grpc-" + uuid.NewString(), identity: identity}
	ctx := stream.Context()
	defer s.ch.Disconnect(context.WithoutCancel(ctx), conn)

	registered := make(map[string]bool)
	ack := &Ack{}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			s.logger.Debug("location stream closed", zap.String("conn", conn.id), zap.Int("accepted", ack.Accepted), zap.Int("rejected", ack.Rejected))
			return stream.SendAndClose(ack)
		}
		if err != nil {
			s.logger.Warn("location stream error", zap.String("conn", conn.id), zap.Error(err))
			return err
		}
		loc := channel.LocationCmd{
			SupplierID: msg.SupplierID,
			Latitude:   msg.Latitude,
			Longitude:  msg.Longitude,
			Heading:    msg.Heading,
			Speed:      msg.Speed,
		}
		// A sample that cannot be recorded never registers its supplier.
		if loc.Validate() != nil || !geo.ValidCoordinate(loc.Latitude, loc.Longitude) {
			ack.Rejected++
			continue
		}
		if msg.Username != "" && !registered[msg.SupplierID] {
			if err := s.ch.Dispatch(ctx, conn, channel.RegisterCmd{SupplierID: msg.SupplierID, Username: msg.Username}); err == nil {
				registered[msg.SupplierID] = true
			}
		}
		if err := s.ch.Dispatch(ctx, conn, loc); err != nil {
			ack.Rejected++
			continue
		}
		ack.Accepted++
	}
}

func (s *Server) authenticate(ctx context.Context) (auth.Identity, error) {
	if s.secret == "" {
		return auth.Identity{}, nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var token string
	if values := md.Get("authorization"); len(values) > 0 {
		token = auth.TokenFromHeader(values[0])
	}
	claims, err := auth.Parse(s.secret, token)
	if err != nil {
		return auth.Identity{}, status.Error(codes.Unauthenticated, err.Error())
	}
	return auth.IdentityFromClaims(claims), nil
}

// streamConn is a write-only presence connection; gateways receive no broadcasts.
type streamConn struct {
	id       string
	identity auth.Identity
}

func (c *streamConn) ID() string                 { return c.id }
func (c *streamConn) Identity() auth.Identity    { return c.identity }
func (c *streamConn) Send(channel.Outbound) bool { return true }
