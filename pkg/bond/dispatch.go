package bond

import (
	"context"
	"fmt"
	"time"

	"github.com/abdshomad/onebox-rs/pkg/wire"
)

// emptyActiveSleep is how long the dispatcher waits before re-checking an
// empty active set. The pending datagram is held, not dropped; the inner
// protocols own retransmission.
const emptyActiveSleep = time.Second

// runUpstream reads plaintext packets from the tun, seals them, and sprays
// them round-robin across the active-link set. A tun read error is fatal.
func (e *Engine) runUpstream(ctx context.Context) error {
	log := e.Logger.With().Str("component", "upstream").Logger()

	buf := make([]byte, wire.HeaderSize+e.MTU+wire.TagSize)
	for {
		n, err := e.TUN.Read(buf[wire.HeaderSize : wire.HeaderSize+e.MTU])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tun read: %w", err)
		}
		if n == 0 {
			continue
		}

		h := wire.Header{
			Seq:       e.upstreamSeq.Add(1) - 1,
			Type:      wire.TypeData,
			Timestamp: uint64(time.Now().UnixMilli()),
			ClientID:  e.ClientID,
		}
		dn := e.Cipher.SealDatagram(buf, h, n)

		for {
			links := e.active.Snapshot()
			if len(links) == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(emptyActiveSleep):
				}
				continue
			}

			l := links[int((e.rr.Add(1)-1)%uint64(len(links)))]
			if _, err := l.Conn.Write(buf[:dn]); err != nil {
				// lost; not retried on another link
				e.metrics.tx_err_count.Add(1)
				log.Warn().Err(err).Str("link", l.Name).Msg("send failed")
			} else {
				e.metrics.tx_count.data.Add(1)
				e.metrics.tx_bytes.data.Add(uint64(dn))
			}
			break
		}
	}
}
