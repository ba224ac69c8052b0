package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		Type:       TypeStart,
		Host:       "example.com",
		Port:       80,
		Connection: "abc123",
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != msg {
		t.Errorf("round trip = %+v, want %+v", got, msg)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte{},
		[]byte("hello"),
		{0x00, 0xff, 0x7f, 0x80},
		bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 1024),
	}
	for _, p := range payloads {
		got, err := DecodePayload(EncodePayload(p))
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("payload round trip = %v, want %v", got, p)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"not json",
		`{"type":`,
		"\xff\xfe binary garbage",
	}
	for _, in := range inputs {
		if _, err := Decode([]byte(in)); err == nil {
			t.Errorf("Decode(%q) expected error", in)
		}
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	got, err := Decode([]byte(`{"type":"CONNECT","futureField":42}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypeConnect {
		t.Errorf("type = %q, want %q", got.Type, TypeConnect)
	}
}

func TestEncodeOmitsAbsentFields(t *testing.T) {
	data, err := Encode(Message{Command: TypeConnect})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s := string(data)
	for _, field := range []string{"error", "status", "connection", "data", "hadError", "port"} {
		if strings.Contains(s, field) {
			t.Errorf("expected %q to be omitted, got: %s", field, s)
		}
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want error
	}{
		{"connect", Message{Type: TypeConnect}, nil},
		{"connect with passphrase", Message{Type: TypeConnect, Passphrase: "abc"}, nil},
		{"start", Message{Type: TypeStart, Host: "example.com", Port: 80}, nil},
		{"start missing host", Message{Type: TypeStart, Port: 80}, ErrMissingTarget},
		{"start missing port", Message{Type: TypeStart, Host: "example.com"}, ErrMissingTarget},
		{"start port out of range", Message{Type: TypeStart, Host: "example.com", Port: 70000}, ErrMissingTarget},
		{"traffic", Message{Type: TypeTraffic, Connection: "id1", Data: "aGk="}, nil},
		{"traffic missing connection", Message{Type: TypeTraffic, Data: "aGk="}, ErrMissingConnection},
		{"unknown type", Message{Type: "BOGUS"}, ErrUnknownType},
		{"empty type", Message{}, ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequest(tt.msg)
			if !errors.Is(err, tt.want) {
				t.Errorf("ValidateRequest() = %v, want %v", err, tt.want)
			}
		})
	}
}
