package codec

import (
	"encoding/json"

	"github.com/castmaster/gocast/casterr"
)

// Message type tags used on the connection and heartbeat namespaces.
const (
	TypeConnect = "CONNECT"
	TypeClose   = "CLOSE"
	TypePing    = "PING"
	TypePong    = "PONG"
)

// Message type tags used on the receiver namespace.
const (
	TypeGetStatus          = "GET_STATUS"
	TypeReceiverStatus     = "RECEIVER_STATUS"
	TypeLaunch             = "LAUNCH"
	TypeStop               = "STOP"
	TypeSetVolume          = "SET_VOLUME"
	TypeLaunchError        = "LAUNCH_ERROR"
	TypeInvalidRequest     = "INVALID_REQUEST"
	TypeGetAppAvailability = "GET_APP_AVAILABILITY"
)

// AnyPayload is the first-pass, type-discovering view of a textual
// payload: just enough structure to decide which concrete shape to parse
// next, parsing once generically and then again into a specific struct.
type AnyPayload struct {
	Type         string `json:"type"`
	ResponseType string `json:"responseType,omitempty"`
	RequestID    *int   `json:"requestId,omitempty"`
}

// EffectiveType returns ResponseType if present, else Type — the tag the
// receiver controller actually dispatches on.
func (a *AnyPayload) EffectiveType() string {
	if a.ResponseType != "" {
		return a.ResponseType
	}
	return a.Type
}

// ParseAny performs the first pass: decode just enough to discover the
// type tag and (if present) the correlating request id.
func ParseAny(data string) (*AnyPayload, error) {
	var a AnyPayload
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, casterr.Protocolf("payload: malformed json: %v", err)
	}
	return &a, nil
}

// ParseStrict performs the second pass: decode into a caller-supplied
// specific shape, failing with ProtocolError on a type mismatch against
// wantType (pass "" to skip the check).
func ParseStrict(data string, wantType string, v any) error {
	if wantType != "" {
		any_, err := ParseAny(data)
		if err != nil {
			return err
		}
		if any_.Type != wantType {
			return casterr.Protocol("unexpected_type")
		}
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return casterr.Protocolf("payload: malformed json: %v", err)
	}
	return nil
}

// Encode marshals a payload struct to its textual wire form.
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", casterr.Protocolf("payload: encode failed: %v", err)
	}
	return string(b), nil
}

// --- connection / heartbeat namespace payloads ---

type ConnectPayload struct {
	Type string `json:"type"`
}

func NewConnectPayload() *ConnectPayload { return &ConnectPayload{Type: TypeConnect} }

type ClosePayload struct {
	Type string `json:"type"`
}

func NewClosePayload() *ClosePayload { return &ClosePayload{Type: TypeClose} }

type PingPayload struct {
	Type string `json:"type"`
}

func NewPingPayload() *PingPayload { return &PingPayload{Type: TypePing} }

type PongPayload struct {
	Type string `json:"type"`
}

func NewPongPayload() *PongPayload { return &PongPayload{Type: TypePong} }

// --- receiver namespace payloads ---

type GetStatusPayload struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId,omitempty"`
}

type LaunchPayload struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId,omitempty"`
	AppID     string `json:"appId"`
}

type StopPayload struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId,omitempty"`
	SessionID string `json:"sessionId"`
}

// VolumeRequest is the nested {level, muted} object of a SET_VOLUME
// request. Only the field being changed is populated; the other is left
// at its zero value and omitted.
type VolumeRequest struct {
	Level *float64 `json:"level,omitempty"`
	Muted *bool    `json:"muted,omitempty"`
}

type SetVolumePayload struct {
	Type      string        `json:"type"`
	RequestID int           `json:"requestId,omitempty"`
	Volume    VolumeRequest `json:"volume"`
}

type GetAppAvailabilityPayload struct {
	Type      string   `json:"type"`
	RequestID int      `json:"requestId,omitempty"`
	AppID     []string `json:"appId"`
}

// ReceiverStatusPayload mirrors the wire shape of a RECEIVER_STATUS
// message, request or broadcast. See receiver.Status for the translated
// domain value.
type ReceiverStatusPayload struct {
	Type      string       `json:"type"`
	RequestID *int         `json:"requestId,omitempty"`
	Status    DeviceStatus `json:"status"`
}

type DeviceStatus struct {
	Applications []DeviceApplication `json:"applications"`
	Volume       DeviceVolume        `json:"volume"`
}

type DeviceApplication struct {
	AppID             string         `json:"appId"`
	DisplayName       string         `json:"displayName"`
	SessionID         string         `json:"sessionId"`
	TransportID       string         `json:"transportId"`
	StatusText        string         `json:"statusText"`
	IsIdleScreen      bool           `json:"isIdleScreen"`
	LaunchedFromCloud bool           `json:"launchedFromCloud"`
	Namespaces        []NamespaceRef `json:"namespaces"`
}

type NamespaceRef struct {
	Name string `json:"name"`
}

type DeviceVolume struct {
	ControlType  string  `json:"controlType"`
	Level        float64 `json:"level"`
	Muted        bool    `json:"muted"`
	StepInterval float64 `json:"stepInterval"`
}

// AppAvailability is one entry of a GET_APP_AVAILABILITY response.
type AppAvailability string

const (
	AppAvailable   AppAvailability = "APP_AVAILABLE"
	AppUnavailable AppAvailability = "APP_UNAVAILABLE"
	AppUnknown     AppAvailability = "APP_UNKNOWN"
)

type GetAppAvailabilityResponsePayload struct {
	Type         string                     `json:"type"`
	RequestID    int                        `json:"requestId,omitempty"`
	Availability map[string]AppAvailability `json:"availability"`
}

type ErrorPayload struct {
	Type      string `json:"type"`
	RequestID *int   `json:"requestId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
