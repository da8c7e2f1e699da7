package wire

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

// keyContext is the BLAKE3 key-derivation context. It must match on both
// endpoints for the derived keys to agree.
const keyContext = "onebox-rs-encryption-key-context"

// Key is the 256-bit AEAD key shared by both tunnel endpoints.
type Key [32]byte

// DeriveKey derives the tunnel key from the pre-shared key string using
// BLAKE3 in key-derivation mode.
func DeriveKey(psk string) Key {
	var k Key
	blake3.DeriveKey(k[:], keyContext, []byte(psk))
	return k
}

// Nonce derives the 12-byte AEAD nonce for a sequence number: four zero bytes
// followed by the sequence in big-endian. Nonce uniqueness is therefore tied
// to sequence uniqueness per direction; every sender keeps its own counter.
func Nonce(seq uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(n[4:], seq)
	return n
}

// Cipher seals and opens datagram payloads with ChaCha20-Poly1305.
// It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher for key.
func NewCipher(key Key) *Cipher {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		// the key is a fixed 32 bytes; failure here is a programming error
		panic(fmt.Sprintf("wire: init aead: %v", err))
	}
	return &Cipher{aead: aead}
}

// Seal encrypts payload under the nonce derived from seq, returning
// ciphertext followed by the 16-byte tag.
func (c *Cipher) Seal(seq uint64, payload []byte) []byte {
	nonce := Nonce(seq)
	return c.aead.Seal(nil, nonce[:], payload, nil)
}

// Open decrypts a sealed payload. It fails with ErrAuthFailure if the tag
// does not verify, which is the expected outcome for tampering, a wrong key,
// a wrong sequence number, or cross-client confusion; callers drop the
// datagram and log at warn.
func (c *Cipher) Open(seq uint64, box []byte) ([]byte, error) {
	nonce := Nonce(seq)
	pt, err := c.aead.Open(nil, nonce[:], box, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return pt, nil
}

// SealDatagram seals a datagram in place. The plaintext payload must already
// be at buf[HeaderSize:HeaderSize+payloadLen], and buf must have at least
// TagSize bytes of spare capacity after it. The payload is sealed in place,
// the header is serialized into the first HeaderSize bytes, and the total
// datagram length is returned. The send path emits buf[:n] as one datagram.
func (c *Cipher) SealDatagram(buf []byte, h Header, payloadLen int) int {
	nonce := Nonce(h.Seq)
	c.aead.Seal(buf[HeaderSize:HeaderSize], nonce[:], buf[HeaderSize:HeaderSize+payloadLen], nil)
	h.Encode(buf)
	return HeaderSize + payloadLen + TagSize
}

// OpenDatagram decodes the header of the datagram in buf and opens its sealed
// payload in place, returning the header and the plaintext (aliasing buf).
func (c *Cipher) OpenDatagram(buf []byte) (Header, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	nonce := Nonce(h.Seq)
	pt, err := c.aead.Open(buf[HeaderSize:HeaderSize], nonce[:], buf[HeaderSize:], nil)
	if err != nil {
		return h, nil, ErrAuthFailure
	}
	return h, pt, nil
}
