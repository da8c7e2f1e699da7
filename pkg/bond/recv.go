package bond

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/abdshomad/onebox-rs/pkg/wire"
)

// rxQueueSize bounds the shared downstream queue.
const rxQueueSize = 1024

// rxPacket is one received datagram with the name of the link it arrived on.
type rxPacket struct {
	link string
	data []byte
}

// runReceiver reads datagrams from one socket and funnels them into the
// shared downstream queue. Every bound socket gets a receiver, including ones
// outside the active set, since recovery probe echoes must still arrive.
func (e *Engine) runReceiver(ctx context.Context, l Link) {
	log := e.Logger.With().Str("component", "receiver").Str("link", l.Name).Logger()

	// one byte of slack so a datagram larger than header+MTU+tag is
	// detected and rejected instead of silently truncated
	buf := make([]byte, wire.HeaderSize+e.MTU+wire.TagSize+1)
	for {
		n, err := l.Conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// transient (e.g. ICMP unreachable bounced back on a
			// connected socket); the prober re-evaluates link health
			log.Warn().Err(err).Msg("wan receive error")
			continue
		}
		if n == len(buf) {
			e.metrics.rx_drop_count.oversized.Add(1)
			log.Debug().Int("len", n).Msg("dropping oversized datagram")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case e.rxq <- rxPacket{link: l.Name, data: data}:
		default:
			e.metrics.rx_drop_count.overflow.Add(1)
		}
	}
}

// runDemux drains the downstream queue, feeding probe echoes to the link
// stats and writing decrypted data packets to the tun. A tun write error is
// fatal for the downstream path.
func (e *Engine) runDemux(ctx context.Context) error {
	log := e.Logger.With().Str("component", "demux").Logger()

	for {
		var p rxPacket
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p = <-e.rxq:
		}

		h, err := wire.DecodeHeader(p.data)
		if err != nil {
			e.metrics.rx_drop_count.invalid.Add(1)
			log.Debug().Str("link", p.link).Int("len", len(p.data)).Msg("dropping malformed datagram")
			continue
		}

		switch h.Type {
		case wire.TypeProbe:
			e.metrics.rx_count.probe.Add(1)
			e.handleProbeEcho(p.link, h.Seq, time.Now())

		case wire.TypeData:
			_, pt, err := e.Cipher.OpenDatagram(p.data)
			if err != nil {
				e.metrics.rx_drop_count.auth.Add(1)
				log.Warn().Str("link", p.link).Uint64("seq", h.Seq).Msg("dropping datagram that failed authentication")
				continue
			}
			e.metrics.rx_count.data.Add(1)
			e.metrics.rx_bytes.data.Add(uint64(len(p.data)))

			e.tunMu.Lock()
			_, werr := e.TUN.Write(pt)
			e.tunMu.Unlock()
			if werr != nil {
				return fmt.Errorf("tun write: %w", werr)
			}

		default:
			e.metrics.rx_count.other.Add(1)
		}
	}
}
