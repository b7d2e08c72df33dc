package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/beaconvisor/internal/store/sqlstore"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
type DB struct {
	*sqlstore.DB
}

func New(dsn, tablePrefix string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{DB: sqlstore.New(d, sqlstore.Postgres, tablePrefix)}, nil
}
