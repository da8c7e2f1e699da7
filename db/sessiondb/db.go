// Package sessiondb implements sqlite3 storage for per-client tunnel
// accounting.
package sessiondb

import (
	"database/sql"
	"errors"
	"net/netip"
	"net/url"
	"time"

	"github.com/abdshomad/onebox-rs/pkg/relay"
	"github.com/abdshomad/onebox-rs/pkg/wire"
	"github.com/jmoiron/sqlx"
)

// DB stores client accounting records in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename.
func Open(name string) (*DB, error) {
	// note: WAL and a larger cache makes the periodic flushes much faster
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-8000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

func (db *DB) SaveClient(r *relay.ClientRecord) error {
	var lastAddr string
	if r.LastAddr.IsValid() {
		lastAddr = r.LastAddr.String()
	}
	if _, err := db.x.NamedExec(`
		INSERT OR REPLACE INTO
		clients ( client_id,  first_seen,  last_seen,  last_addr,  authenticated,  auth_count,  data_up,  bytes_up,  data_down,  bytes_down)
		VALUES  (:client_id, :first_seen, :last_seen, :last_addr, :authenticated, :auth_count, :data_up, :bytes_up, :data_down, :bytes_down)
	`, map[string]any{
		"client_id":     r.ID.String(),
		"first_seen":    r.FirstSeen.Unix(),
		"last_seen":     r.LastSeen.Unix(),
		"last_addr":     lastAddr,
		"authenticated": r.Authenticated,
		"auth_count":    int64(r.AuthCount),
		"data_up":       int64(r.DataUp),
		"bytes_up":      int64(r.BytesUp),
		"data_down":     int64(r.DataDown),
		"bytes_down":    int64(r.BytesDown),
	}); err != nil {
		return err
	}
	return nil
}

func (db *DB) GetClient(id wire.ClientID) (*relay.ClientRecord, error) {
	var obj struct {
		ClientID      string `db:"client_id"`
		FirstSeen     int64  `db:"first_seen"`
		LastSeen      int64  `db:"last_seen"`
		LastAddr      string `db:"last_addr"`
		Authenticated bool   `db:"authenticated"`
		AuthCount     int64  `db:"auth_count"`
		DataUp        int64  `db:"data_up"`
		BytesUp       int64  `db:"bytes_up"`
		DataDown      int64  `db:"data_down"`
		BytesDown     int64  `db:"bytes_down"`
	}
	if err := db.x.Get(&obj, `SELECT * FROM clients WHERE client_id = ?`, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	r := &relay.ClientRecord{
		ID:            id,
		FirstSeen:     time.Unix(obj.FirstSeen, 0),
		LastSeen:      time.Unix(obj.LastSeen, 0),
		Authenticated: obj.Authenticated,
		AuthCount:     uint64(obj.AuthCount),
		DataUp:        uint64(obj.DataUp),
		BytesUp:       uint64(obj.BytesUp),
		DataDown:      uint64(obj.DataDown),
		BytesDown:     uint64(obj.BytesDown),
	}
	if obj.LastAddr != "" {
		if v, err := netip.ParseAddrPort(obj.LastAddr); err == nil {
			r.LastAddr = v
		}
	}
	return r, nil
}
