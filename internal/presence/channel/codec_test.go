package channel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/agrilink/internal/presence/channel"
	"github.com/example/agrilink/internal/presence/domain"
)

func TestDecodeInboundRegister(t *testing.T) {
	cmd, err := channel.DecodeInbound([]byte(`{"event":"register","data":{"supplierId":"S1","username":"Ram","serviceArea":"Kathmandu"}}`))
	require.NoError(t, err)
	require.Equal(t, channel.RegisterCmd{SupplierID: "S1", Username: "Ram", ServiceArea: "Kathmandu"}, cmd)
}

func TestDecodeInboundRegisterRequiresUsername(t *testing.T) {
	_, err := channel.DecodeInbound([]byte(`{"event":"register","data":{"supplierId":"S1"}}`))
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = channel.DecodeInbound([]byte(`{"event":"register","data":{"supplierId":42,"username":"Ram"}}`))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestDecodeInboundLocation(t *testing.T) {
	cmd, err := channel.DecodeInbound([]byte(`{"event":"location","data":{"supplierId":"S1","latitude":27.7,"longitude":85.3,"heading":180}}`))
	require.NoError(t, err)
	loc, ok := cmd.(channel.LocationCmd)
	require.True(t, ok)
	require.Equal(t, 27.7, loc.Latitude)
	require.Equal(t, 180.0, *loc.Heading)
	require.Nil(t, loc.Speed)

	_, err = channel.DecodeInbound([]byte(`{"event":"location","data":{"supplierId":"S1","latitude":27.7}}`))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestDecodeInboundOfflineAndGetActive(t *testing.T) {
	cmd, err := channel.DecodeInbound([]byte(`{"event":"offline","data":{"supplierId":"S1"}}`))
	require.NoError(t, err)
	require.Equal(t, channel.OfflineCmd{SupplierID: "S1"}, cmd)

	cmd, err = channel.DecodeInbound([]byte(`{"event":"get-active"}`))
	require.NoError(t, err)
	require.Equal(t, channel.GetActiveCmd{}, cmd)
}

func TestDecodeInboundRejectsGarbage(t *testing.T) {
	_, err := channel.DecodeInbound([]byte(`not json`))
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = channel.DecodeInbound([]byte(`{"event":"teleport","data":{}}`))
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = channel.DecodeInbound([]byte(`{"event":"offline"}`))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestEncodeInboundDecodes(t *testing.T) {
	speed := 4.5
	for _, cmd := range []channel.Inbound{
		channel.RegisterCmd{SupplierID: "S1", Username: "Ram", ServiceArea: "Kathmandu"},
		channel.LocationCmd{SupplierID: "S1", Latitude: 27.7, Longitude: 85.3, Speed: &speed},
		channel.OfflineCmd{SupplierID: "S1"},
		channel.GetActiveCmd{},
	} {
		raw, err := channel.EncodeInbound(cmd)
		require.NoError(t, err)
		decoded, err := channel.DecodeInbound(raw)
		require.NoError(t, err)
		require.Equal(t, cmd, decoded)
	}
}

func TestEncodeOutboundWireShape(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	raw, err := channel.EncodeOutbound(channel.LocationFrame(domain.LocationEvent{SupplierID: "S1", Latitude: 27.7, Longitude: 85.3, Timestamp: ts}))
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"location","data":{"supplierId":"S1","latitude":27.7,"longitude":85.3,"heading":null,"speed":null,"timestamp":"2024-05-01T08:00:00Z"}}`, string(raw))

	raw, err = channel.EncodeOutbound(channel.ActiveListFrame(nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"active-list","data":[]}`, string(raw))

	raw, err = channel.EncodeOutbound(channel.ErrorFrame("latitude: must be between -90 and 90"))
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"error","data":{"message":"latitude: must be between -90 and 90"}}`, string(raw))
}

func TestDecodeOutboundStatus(t *testing.T) {
	out, err := channel.DecodeOutbound([]byte(`{"event":"status","data":{"supplierId":"S1","username":"Ram","isActive":false,"timestamp":"2024-05-01T08:00:00Z"}}`))
	require.NoError(t, err)
	status, ok := out.Data.(domain.StatusEvent)
	require.True(t, ok)
	require.Equal(t, "S1", status.SupplierID)
	require.False(t, status.IsActive)
}
