package bond

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/abdshomad/onebox-rs/pkg/wire"
	"github.com/rs/zerolog"
)

const (
	handshakeAttempts = 5
	handshakeTimeout  = 2 * time.Second
)

// ErrHandshakeFailed is returned when every handshake attempt timed out.
var ErrHandshakeFailed = errors.New("handshake failed after all attempts")

// Handshake authenticates the client to the server over one of the bound
// sockets. It sends an AuthRequest with sequence zero and waits for a
// datagram whose header is an AuthResponse, retrying up to five times with a
// fixed two-second timeout per attempt. Final failure is fatal for startup.
//
// The socket must not have concurrent readers; call this before starting the
// data plane.
func Handshake(ctx context.Context, c *wire.Cipher, id wire.ClientID, conn net.Conn, l zerolog.Logger) error {
	return handshake(ctx, c, id, conn, handshakeAttempts, handshakeTimeout, l)
}

func handshake(ctx context.Context, c *wire.Cipher, id wire.ClientID, conn net.Conn, attempts int, timeout time.Duration, l zerolog.Logger) error {
	defer conn.SetReadDeadline(time.Time{})

	req := make([]byte, wire.MinDatagramSize)
	resp := make([]byte, 2048)

	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		h := wire.Header{
			Seq:       0,
			Type:      wire.TypeAuthRequest,
			Timestamp: uint64(time.Now().UnixMilli()),
			ClientID:  id,
		}
		n := c.SealDatagram(req, h, 0)

		if _, err := conn.Write(req[:n]); err != nil {
			l.Warn().Err(err).Int("attempt", i).Msg("handshake send failed")
			continue
		}

		conn.SetReadDeadline(time.Now().Add(timeout))
		rn, err := conn.Read(resp)
		if err != nil {
			l.Debug().Err(err).Int("attempt", i).Msg("handshake attempt timed out")
			continue
		}

		rh, err := wire.DecodeHeader(resp[:rn])
		if err != nil {
			l.Debug().Int("attempt", i).Msg("handshake reply malformed")
			continue
		}
		if rh.Type != wire.TypeAuthResponse {
			l.Debug().Stringer("type", rh.Type).Int("attempt", i).Msg("unexpected reply type during handshake")
			continue
		}

		l.Info().Int("attempt", i).Msg("handshake complete")
		return nil
	}
	return ErrHandshakeFailed
}
