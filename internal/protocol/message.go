// Package protocol defines the wire format spoken over the tunnel
// control channel.
//
// Every frame is a single UTF-8 JSON text WebSocket message carrying a
// Message. Client requests set Type; server replies echo the handled
// kind in Command. Tunneled payload bytes travel base64-encoded in the
// Data field. Binary WebSocket frames and frames that fail to decode
// are dropped by both ends without tearing down the channel.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Subprotocol is the WebSocket subprotocol negotiated on the control channel.
const Subprotocol = "proxy"

// Client request kinds.
const (
	TypeConnect = "CONNECT"
	TypeStart   = "START"
	TypeTraffic = "TRAFFIC"
)

// Logical connection statuses reported by the server.
const (
	StatusConnecting  = "CONNECTING"
	StatusEstablished = "ESTABLISHED"
	StatusClosed      = "CLOSED"
	StatusFailed      = "FAILED"
)

// Error codes carried in the Error field of a reply.
const (
	ErrAuthFail       = "AUTHFAIL"
	ErrForbidden      = "FORBIDDEN"
	ErrNoID           = "NOID"
	ErrInvalidID      = "INVALIDID"
	ErrClosed         = "CLOSED"
	ErrNotImplemented = "NOTIMPLEMENTED"
	ErrTimeout        = "TIMEOUT"
	ErrNoConnection   = "NOCONNECTION"
)

// CommandUnknown is echoed in replies to requests whose Type field is absent.
const CommandUnknown = "UNKNOWN"

// Message is the only entity crossing the wire. All fields are optional;
// which are present determines the message kind.
type Message struct {
	// Type is the client request kind: CONNECT, START, or TRAFFIC.
	Type string `json:"type,omitempty"`

	// Command echoes the handled request kind in server replies.
	Command string `json:"command,omitempty"`

	// Passphrase is the credential presented on CONNECT.
	Passphrase string `json:"passphrase,omitempty"`

	// Host and Port name the dial target; required on START.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// Connection is the logical connection id.
	Connection string `json:"connection,omitempty"`

	// Data is a base64-encoded payload chunk.
	Data string `json:"data,omitempty"`

	// Status is one of CONNECTING, ESTABLISHED, CLOSED, FAILED.
	Status string `json:"status,omitempty"`

	// Error is an error code such as AUTHFAIL or INVALIDID.
	Error string `json:"error,omitempty"`

	// HadError is set on CLOSED notifications from the server.
	HadError bool `json:"hadError,omitempty"`
}

// Encode serializes a Message to a single JSON text frame.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a text frame into a Message. Unknown fields are ignored.
// A decode error means the frame is not control traffic; callers drop it.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// EncodePayload encodes raw payload bytes for the Data field.
func EncodePayload(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodePayload reverses EncodePayload, reproducing the exact original bytes.
func DecodePayload(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return b, nil
}

// Validation sentinels for per-kind required fields. The dispatcher maps
// these onto wire error codes instead of trusting ad hoc field presence.
var (
	ErrMissingTarget     = errors.New("start request missing target host:port")
	ErrMissingConnection = errors.New("traffic request missing connection id")
	ErrUnknownType       = errors.New("unrecognized request type")
)

// ValidateRequest checks that a client request carries the fields its kind
// requires before the dispatcher acts on it.
func ValidateRequest(msg Message) error {
	switch msg.Type {
	case TypeConnect:
		return nil
	case TypeStart:
		if msg.Host == "" || msg.Port <= 0 || msg.Port > 65535 {
			return ErrMissingTarget
		}
		return nil
	case TypeTraffic:
		if msg.Connection == "" {
			return ErrMissingConnection
		}
		return nil
	default:
		return ErrUnknownType
	}
}
