package onebox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/abdshomad/onebox-rs/pkg/bond"
	"github.com/abdshomad/onebox-rs/pkg/netplumb"
	"github.com/abdshomad/onebox-rs/pkg/status"
	"github.com/abdshomad/onebox-rs/pkg/tun"
	"github.com/abdshomad/onebox-rs/pkg/wan"
	"github.com/abdshomad/onebox-rs/pkg/wire"
	"github.com/rs/zerolog"
)

// Client is the client-side supervisor: it owns the tun, the WAN socket
// farm, the host plumbing, and the bond engine.
type Client struct {
	Logger zerolog.Logger

	cfg    *Config
	reload []func()
}

// NewClient configures a new client using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv). It
// will perform any additional config checks as required.
func NewClient(c *Config) (*Client, error) {
	if c.PresharedKey == "" {
		return nil, fmt.Errorf("ONEBOX_PSK must be set")
	}
	if c.ServerAddr == "" {
		return nil, fmt.Errorf("ONEBOX_SERVER_ADDR must be set")
	}
	if c.MTU < 576 || c.MTU > 9000 {
		return nil, fmt.Errorf("invalid mtu %d", c.MTU)
	}

	cl := &Client{cfg: c}
	if l, fn, err := configureLogging(c); err == nil {
		cl.Logger = l
		cl.reload = append(cl.reload, fn)
	} else {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	return cl, nil
}

// Run brings the tunnel up and blocks until ctx is cancelled or the data
// plane fails.
func (cl *Client) Run(ctx context.Context) error {
	c := cl.cfg

	cipher := wire.NewCipher(wire.DeriveKey(c.PresharedKey))
	id, err := cl.clientID()
	if err != nil {
		return fmt.Errorf("client id: %w", err)
	}
	cl.Logger.Info().Stringer("client_id", id).Msg("starting onebox client")

	server, err := resolveServer(c.ServerAddr, c.ServerPort)
	if err != nil {
		return fmt.Errorf("resolve server: %w", err)
	}

	dev, err := tun.Open(c.TunName)
	if err != nil {
		return fmt.Errorf("open tun: %w", err)
	}
	defer dev.Close()

	if !c.NoPlumb {
		tunIP := c.TunIP
		if tunIP == "" {
			tunIP = "10.8.0.1"
		}
		p := &netplumb.Plumber{Logger: cl.Logger.With().Str("component", "netplumb").Logger()}
		if err := p.ClientUp(dev.Name(), tunIP, c.TunNetmask); err != nil {
			p.Down()
			return fmt.Errorf("host plumbing: %w", err)
		}
		defer p.Down()
	}

	// discovery must skip the tunnel's own interface
	skip := append([]string{c.TunName}, c.WANSkip...)
	links, err := wan.Discover(server, skip, cl.Logger.With().Str("component", "wan").Logger())
	if err != nil {
		return err
	}
	defer wan.Close(links)

	if err := bond.Handshake(ctx, cipher, id, links[0].Conn, cl.Logger.With().Str("component", "handshake").Logger()); err != nil {
		return err
	}

	bls := make([]bond.Link, 0, len(links))
	for _, l := range links {
		bls = append(bls, bond.Link{Name: l.Name, Conn: l.Conn})
	}
	engine := bond.NewEngine(cl.Logger.With().Str("component", "bond").Logger(), cipher, id, dev, c.MTU, bls)

	stop := cl.serveStatus(status.Handler{
		Links:   engine.StatsSnapshot,
		Metrics: []func(w io.Writer){engine.WritePrometheus},
	})
	defer stop()

	go cl.sdnotify("READY=1")
	err = engine.Run(ctx)

	// closing the tun and sockets (via the defers) unblocks any tasks
	// still parked in a read
	if errors.Is(err, context.Canceled) {
		cl.Logger.Log().Msg("shutting down")
		go cl.sdnotify("STOPPING=1")
	}
	return err
}

// HandleSIGHUP reopens the log file.
func (cl *Client) HandleSIGHUP() {
	for _, fn := range cl.reload {
		if fn != nil {
			fn()
		}
	}
}

// clientID loads the persisted client identity, creating it on first run. If
// no file is configured, a fresh random id is used.
func (cl *Client) clientID() (wire.ClientID, error) {
	fn := cl.cfg.ClientIDFile
	if fn == "" {
		return wire.NewClientID(), nil
	}

	if buf, err := os.ReadFile(fn); err == nil {
		id, err := wire.ParseClientID(strings.TrimSpace(string(buf)))
		if err != nil {
			return wire.ClientID{}, fmt.Errorf("parse %q: %w", fn, err)
		}
		return id, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return wire.ClientID{}, err
	}

	id := wire.NewClientID()
	if err := os.WriteFile(fn, []byte(id.String()+"\n"), 0600); err != nil {
		return wire.ClientID{}, fmt.Errorf("persist %q: %w", fn, err)
	}
	return id, nil
}

func resolveServer(host string, port uint16) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// serveStatus starts the local status endpoint, if configured. The returned
// function stops it.
func (cl *Client) serveStatus(h status.Handler) func() {
	addr := cl.cfg.StatusAddr
	if addr == "" {
		return func() {}
	}
	hs := &http.Server{
		Addr:    addr,
		Handler: status.New(h),
	}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cl.Logger.Warn().Err(err).Str("addr", addr).Msg("status endpoint failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}
}

func (cl *Client) sdnotify(state string) (bool, error) {
	return sdnotify(cl.cfg.NotifySocket, state)
}
