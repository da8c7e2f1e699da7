package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	for _, h := range []Header{
		{},
		{Seq: 1, Type: TypeData, Timestamp: 1700000000000},
		{Seq: ^uint64(0), Type: TypeControl, Timestamp: ^uint64(0), ClientID: ClientID{0xde, 0xad, 0xbe, 0xef}},
		{Seq: 0x0102030405060708, Type: TypeProbe, ClientID: ClientID{15: 0xff}},
	} {
		var b [MinDatagramSize]byte
		h.Encode(b[:])

		g, err := DecodeHeader(b[:])
		if err != nil {
			t.Fatalf("decode %+v: %v", h, err)
		}
		if g != h {
			t.Errorf("round-trip %+v: got %+v", h, g)
		}
	}
}

func TestHeaderLayout(t *testing.T) {
	h := Header{
		Seq:       0x0807060504030201,
		Type:      TypeAuthRequest,
		Timestamp: 0x1817161514131211,
		ClientID:  ClientID{0xaa, 0xbb},
	}

	b := make([]byte, MinDatagramSize)
	h.Encode(b)

	exp := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, // seq, le
		0x03, 0x00, 0x00, 0x00, // type, le
		0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, // timestamp, le
		0xaa, 0xbb, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // client id
		0x00, 0x00, 0x00, 0x00, // reserved
	}
	if !bytes.Equal(b[:HeaderSize], exp) {
		t.Errorf("layout mismatch:\nexp %x\ngot %x", exp, b[:HeaderSize])
	}
}

func TestHeaderReservedIgnored(t *testing.T) {
	var b [MinDatagramSize]byte
	h := Header{Seq: 42, Type: TypeData}
	h.Encode(b[:])
	b[36], b[37], b[38], b[39] = 0xde, 0xad, 0xbe, 0xef

	g, err := DecodeHeader(b[:])
	if err != nil {
		t.Fatal(err)
	}
	if g != h {
		t.Errorf("expected %+v, got %+v", h, g)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	for n := 0; n < MinDatagramSize; n++ {
		if _, err := DecodeHeader(make([]byte, n)); err != ErrShortPacket {
			t.Errorf("len %d: expected ErrShortPacket, got %v", n, err)
		}
	}
}

func TestTypeString(t *testing.T) {
	for _, c := range []struct {
		typ Type
		exp string
	}{
		{TypeData, "data"},
		{TypeProbe, "probe"},
		{TypeAuthRequest, "auth_request"},
		{TypeAuthResponse, "auth_response"},
		{TypeControl, "control"},
		{Type(0), "unknown"},
		{Type(99), "unknown"},
	} {
		if g := c.typ.String(); g != c.exp {
			t.Errorf("type %d: expected %q, got %q", uint32(c.typ), c.exp, g)
		}
	}
}

func TestClientIDString(t *testing.T) {
	id, err := ParseClientID("9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d")
	if err != nil {
		t.Fatal(err)
	}
	if s := id.String(); s != "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d" {
		t.Errorf("unexpected round-trip %q", s)
	}
	if NewClientID() == (ClientID{}) {
		t.Error("generated client id is zero")
	}
}
