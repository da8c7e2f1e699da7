// Package wire implements the onebox datagram format: a fixed 40-byte
// little-endian header followed by a ChaCha20-Poly1305 sealed payload.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

const (
	// HeaderSize is the fixed size of the serialized packet header.
	HeaderSize = 40

	// TagSize is the size of the AEAD authentication tag appended to every
	// sealed payload.
	TagSize = 16

	// MinDatagramSize is the smallest valid datagram: a header followed by a
	// sealed empty payload. Anything shorter is malformed.
	MinDatagramSize = HeaderSize + TagSize
)

var (
	ErrShortPacket = errors.New("packet too short")
	ErrAuthFailure = errors.New("authentication failed")
)

// Type identifies the kind of datagram carried by a header.
type Type uint32

const (
	TypeData         Type = 1
	TypeProbe        Type = 2
	TypeAuthRequest  Type = 3
	TypeAuthResponse Type = 4
	TypeControl      Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeProbe:
		return "probe"
	case TypeAuthRequest:
		return "auth_request"
	case TypeAuthResponse:
		return "auth_response"
	case TypeControl:
		return "control"
	}
	return "unknown"
}

// ClientID is the opaque 128-bit identifier chosen by a client and carried in
// every header.
type ClientID [16]byte

// NewClientID generates a random client id.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

// ParseClientID parses a client id in uuid form.
func ParseClientID(s string) (ClientID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, err
	}
	return ClientID(u), nil
}

func (c ClientID) String() string {
	return uuid.UUID(c).String()
}

// Header is the plaintext header prepended to every datagram.
//
// The reserved field of the wire layout is zeroed on encode and ignored on
// decode, so it does not appear here.
type Header struct {
	Seq       uint64
	Type      Type
	Timestamp uint64 // sender wall-clock, unix milliseconds
	ClientID  ClientID
}

// Encode serializes h into the first HeaderSize bytes of b, which must be at
// least HeaderSize long.
func (h *Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint64(b[0:], h.Seq)
	binary.LittleEndian.PutUint32(b[8:], uint32(h.Type))
	binary.LittleEndian.PutUint64(b[12:], h.Timestamp)
	copy(b[20:36], h.ClientID[:])
	binary.LittleEndian.PutUint32(b[36:], 0)
}

// DecodeHeader deserializes a header from the start of b. It fails with
// ErrShortPacket if b cannot hold a header and a sealed empty payload.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < MinDatagramSize {
		return Header{}, ErrShortPacket
	}
	var h Header
	h.Seq = binary.LittleEndian.Uint64(b[0:])
	h.Type = Type(binary.LittleEndian.Uint32(b[8:]))
	h.Timestamp = binary.LittleEndian.Uint64(b[12:])
	copy(h.ClientID[:], b[20:36])
	return h, nil
}
