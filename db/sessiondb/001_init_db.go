package sessiondb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE clients (
			client_id     TEXT PRIMARY KEY NOT NULL,
			first_seen    INTEGER NOT NULL,
			last_seen     INTEGER NOT NULL,
			last_addr     TEXT,
			authenticated INTEGER NOT NULL DEFAULT 0,
			auth_count    INTEGER NOT NULL DEFAULT 0,
			data_up       INTEGER NOT NULL DEFAULT 0,
			bytes_up      INTEGER NOT NULL DEFAULT 0,
			data_down     INTEGER NOT NULL DEFAULT 0,
			bytes_down    INTEGER NOT NULL DEFAULT 0
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create clients table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX clients_last_seen_idx ON clients(last_seen)`); err != nil {
		return fmt.Errorf("create clients index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX clients_last_seen_idx`); err != nil {
		return fmt.Errorf("drop clients_last_seen_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE clients`); err != nil {
		return fmt.Errorf("drop clients table: %w", err)
	}
	return nil
}
