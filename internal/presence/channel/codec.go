package channel

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/agrilink/internal/presence/domain"
)

// Wire event names.
const (
	EventRegister   = "register"
	EventLocation   = "location"
	EventOffline    = "offline"
	EventGetActive  = "get-active"
	EventStatus     = "status"
	EventActiveList = "active-list"
	EventError      = "error"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is a client-to-server command. The set of implementations is closed:
// RegisterCmd, LocationCmd, OfflineCmd and GetActiveCmd.
type Inbound interface {
	Name() string
	Validate() error
	inbound()
}

type RegisterCmd struct {
	SupplierID  string
	Username    string
	ServiceArea string
}

type LocationCmd struct {
	SupplierID string
	Latitude   float64
	Longitude  float64
	Heading    *float64
	Speed      *float64
}

type OfflineCmd struct {
	SupplierID string
}

type GetActiveCmd struct{}

func (RegisterCmd) Name() string  { return EventRegister }
func (LocationCmd) Name() string  { return EventLocation }
func (OfflineCmd) Name() string   { return EventOffline }
func (GetActiveCmd) Name() string { return EventGetActive }

// Validate checks the shape of a register command.
func (c RegisterCmd) Validate() error {
	if strings.TrimSpace(c.SupplierID) == "" {
		return domain.NewValidationError("supplierId", "is required")
	}
	if strings.TrimSpace(c.Username) == "" {
		return domain.NewValidationError("username", "is required")
	}
	return nil
}

// Validate checks the shape of a location command. Coordinate ranges are the registry's concern.
func (c LocationCmd) Validate() error {
	if strings.TrimSpace(c.SupplierID) == "" {
		return domain.NewValidationError("supplierId", "is required")
	}
	return nil
}

func (c OfflineCmd) Validate() error {
	if strings.TrimSpace(c.SupplierID) == "" {
		return domain.NewValidationError("supplierId", "is required")
	}
	return nil
}

func (GetActiveCmd) Validate() error { return nil }

func (RegisterCmd) inbound()  {}
func (LocationCmd) inbound()  {}
func (OfflineCmd) inbound()   {}
func (GetActiveCmd) inbound() {}

type registerPayload struct {
	SupplierID  *string `json:"supplierId"`
	Username    *string `json:"username"`
	ServiceArea *string `json:"serviceArea,omitempty"`
}

type locationPayload struct {
	SupplierID *string  `json:"supplierId"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Heading    *float64 `json:"heading,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`
}

type offlinePayload struct {
	SupplierID *string `json:"supplierId"`
}

// DecodeInbound parses one wire frame. Shape problems come back as *domain.ValidationError.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.NewValidationError("", "malformed frame")
	}

	switch env.Event {
	case EventRegister:
		var p registerPayload
		if err := decodeData(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := RegisterCmd{SupplierID: deref(p.SupplierID), Username: deref(p.Username)}
		if p.ServiceArea != nil {
			cmd.ServiceArea = *p.ServiceArea
		}
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
		return cmd, nil
	case EventLocation:
		var p locationPayload
		if err := decodeData(env.Data, &p); err != nil {
			return nil, err
		}
		if blank(p.SupplierID) {
			return nil, domain.NewValidationError("supplierId", "is required")
		}
		if p.Latitude == nil || p.Longitude == nil {
			return nil, domain.NewValidationError("latitude/longitude", "are required")
		}
		return LocationCmd{
			SupplierID: *p.SupplierID,
			Latitude:   *p.Latitude,
			Longitude:  *p.Longitude,
			Heading:    p.Heading,
			Speed:      p.Speed,
		}, nil
	case EventOffline:
		var p offlinePayload
		if err := decodeData(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := OfflineCmd{SupplierID: deref(p.SupplierID)}
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
		return cmd, nil
	case EventGetActive:
		return GetActiveCmd{}, nil
	default:
		return nil, domain.NewValidationError("event", fmt.Sprintf("unknown event %q", env.Event))
	}
}

// EncodeInbound renders a command for the wire. Used by supplier and viewer clients.
func EncodeInbound(cmd Inbound) ([]byte, error) {
	var data any
	switch c := cmd.(type) {
	case RegisterCmd:
		p := registerPayload{SupplierID: &c.SupplierID, Username: &c.Username}
		if c.ServiceArea != "" {
			p.ServiceArea = &c.ServiceArea
		}
		data = p
	case LocationCmd:
		data = locationPayload{
			SupplierID: &c.SupplierID,
			Latitude:   &c.Latitude,
			Longitude:  &c.Longitude,
			Heading:    c.Heading,
			Speed:      c.Speed,
		}
	case OfflineCmd:
		data = offlinePayload{SupplierID: &c.SupplierID}
	case GetActiveCmd:
		return json.Marshal(envelope{Event: EventGetActive})
	default:
		return nil, fmt.Errorf("unsupported command %T", cmd)
	}
	return marshalEnvelope(cmd.Name(), data)
}

// Outbound is a server-to-client frame. Data holds one of domain.LocationEvent,
// domain.StatusEvent, []domain.PresenceSnapshot or ErrorPayload.
type Outbound struct {
	Event string
	Data  any
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

func LocationFrame(evt domain.LocationEvent) Outbound {
	return Outbound{Event: EventLocation, Data: evt}
}

func StatusFrame(evt domain.StatusEvent) Outbound {
	return Outbound{Event: EventStatus, Data: evt}
}

func ActiveListFrame(list []domain.PresenceSnapshot) Outbound {
	if list == nil {
		list = []domain.PresenceSnapshot{}
	}
	return Outbound{Event: EventActiveList, Data: list}
}

func ErrorFrame(message string) Outbound {
	return Outbound{Event: EventError, Data: ErrorPayload{Message: message}}
}

// EncodeOutbound renders a frame for the wire.
func EncodeOutbound(o Outbound) ([]byte, error) {
	return marshalEnvelope(o.Event, o.Data)
}

// DecodeOutbound parses a server frame into its typed payload.
func DecodeOutbound(raw []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Outbound{}, fmt.Errorf("decode frame: %w", err)
	}
	out := Outbound{Event: env.Event}
	var err error
	switch env.Event {
	case EventLocation:
		var evt domain.LocationEvent
		err = json.Unmarshal(env.Data, &evt)
		out.Data = evt
	case EventStatus:
		var evt domain.StatusEvent
		err = json.Unmarshal(env.Data, &evt)
		out.Data = evt
	case EventActiveList:
		var list []domain.PresenceSnapshot
		err = json.Unmarshal(env.Data, &list)
		out.Data = list
	case EventError:
		var p ErrorPayload
		err = json.Unmarshal(env.Data, &p)
		out.Data = p
	default:
		return Outbound{}, fmt.Errorf("unknown server event %q", env.Event)
	}
	if err != nil {
		return Outbound{}, fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return out, nil
}

func marshalEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	return json.Marshal(envelope{Event: event, Data: raw})
}

func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.NewValidationError("data", "is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return domain.NewValidationError("data", "has the wrong shape")
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
