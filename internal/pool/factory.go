package pool

import (
	"context"
	"database/sql"
)

// DBFactory adapts a *sql.DB into a Factory. Each dial checks out a
// dedicated session via db.Conn, so leases never share driver state.
func DBFactory(db *sql.DB) Factory {
	return func(ctx context.Context) (Conn, error) {
		return db.Conn(ctx)
	}
}
