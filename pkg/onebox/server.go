package onebox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdshomad/onebox-rs/db/sessiondb"
	"github.com/abdshomad/onebox-rs/pkg/memstore"
	"github.com/abdshomad/onebox-rs/pkg/netplumb"
	"github.com/abdshomad/onebox-rs/pkg/relay"
	"github.com/abdshomad/onebox-rs/pkg/status"
	"github.com/abdshomad/onebox-rs/pkg/tun"
	"github.com/abdshomad/onebox-rs/pkg/wire"
	"github.com/rs/zerolog"
)

// Server is the server-side supervisor: it owns the tun, the UDP listener,
// the host plumbing, the accounting storage, and the relay engine.
type Server struct {
	Logger zerolog.Logger

	cfg    *Config
	store  relay.AccountingStore
	reload []func()
}

// NewServer configures a new server using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv). It
// will perform any additional config checks as required.
func NewServer(c *Config) (*Server, error) {
	if c.PresharedKey == "" {
		return nil, fmt.Errorf("ONEBOX_PSK must be set")
	}
	if !c.ListenAddr.IsValid() {
		return nil, fmt.Errorf("ONEBOX_LISTEN_ADDR must be set")
	}
	if c.MTU < 576 || c.MTU > 9000 {
		return nil, fmt.Errorf("invalid mtu %d", c.MTU)
	}

	s := &Server{cfg: c}
	if l, fn, err := configureLogging(c); err == nil {
		s.Logger = l
		s.reload = append(s.reload, fn)
	} else {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	if store, err := configureStorage(c); err == nil {
		s.store = store
	} else {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	return s, nil
}

func configureStorage(c *Config) (relay.AccountingStore, error) {
	switch typ, arg, _ := strings.Cut(c.Storage, ":"); typ {
	case "memory":
		if arg != "" {
			return nil, fmt.Errorf("memory: invalid argument %q", arg)
		}
		return memstore.NewClientStore(), nil
	case "sqlite3":
		p, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("sqlite3: resolve %q: %w", arg, err)
		}
		db, err := sessiondb.Open(p)
		if err != nil {
			return nil, fmt.Errorf("sqlite3: %w", err)
		}
		if cur, to, err := db.Version(); err != nil {
			return nil, fmt.Errorf("sqlite3: migrate: %w", err)
		} else if cur > to {
			return nil, fmt.Errorf("sqlite3: migrate: database version %d is too new", cur)
		} else if cur != to {
			if err := db.MigrateUp(context.Background(), to); err != nil {
				return nil, fmt.Errorf("sqlite3: migrate (%d to %d): %w", cur, to, err)
			}
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
}

// Run brings the tunnel endpoint up and blocks until ctx is cancelled or the
// data plane fails.
func (s *Server) Run(ctx context.Context) error {
	c := s.cfg

	cipher := wire.NewCipher(wire.DeriveKey(c.PresharedKey))
	s.Logger.Info().Stringer("listen", c.ListenAddr).Msg("starting onebox server")

	dev, err := tun.Open(c.TunName)
	if err != nil {
		return fmt.Errorf("open tun: %w", err)
	}
	defer dev.Close()

	if !c.NoPlumb {
		tunIP := c.TunIP
		if tunIP == "" {
			tunIP = "10.8.0.2"
		}
		p := &netplumb.Plumber{Logger: s.Logger.With().Str("component", "netplumb").Logger()}
		if err := p.ServerUp(dev.Name(), tunIP, c.TunNetmask); err != nil {
			p.Down()
			return fmt.Errorf("host plumbing: %w", err)
		}
		defer p.Down()
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(c.ListenAddr))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	engine := relay.New(s.Logger.With().Str("component", "relay").Logger(), cipher, dev, conn, c.MTU)
	engine.Workers = c.Workers
	engine.ReorderMax = c.ReorderMax
	engine.Store = s.store
	engine.FlushInterval = c.StorageFlushInterval

	stop := s.serveStatus(status.Handler{
		Metrics: []func(w io.Writer){engine.WritePrometheus},
	})
	defer stop()

	go s.sdnotify("READY=1")
	err = engine.Run(ctx)

	if errors.Is(err, context.Canceled) {
		s.Logger.Log().Msg("shutting down")
		go s.sdnotify("STOPPING=1")
	}
	if cl, ok := s.store.(io.Closer); ok {
		cl.Close()
	}
	return err
}

// HandleSIGHUP reopens the log file.
func (s *Server) HandleSIGHUP() {
	for _, fn := range s.reload {
		if fn != nil {
			fn()
		}
	}
}

func (s *Server) serveStatus(h status.Handler) func() {
	addr := s.cfg.StatusAddr
	if addr == "" {
		return func() {}
	}
	hs := &http.Server{
		Addr:    addr,
		Handler: status.New(h),
	}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Warn().Err(err).Str("addr", addr).Msg("status endpoint failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}
}

func (s *Server) sdnotify(state string) (bool, error) {
	return sdnotify(s.cfg.NotifySocket, state)
}
