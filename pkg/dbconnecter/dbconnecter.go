package dbconnecter

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"SirenServer/internal/config"
	"SirenServer/internal/logger"
)

type DbCloser func()

const retryDelay = time.Second

// DbConnecter opens and pings the configured database, or the maintenance "postgres" database when defaultDB is set.
// It returns the configured database name either way.
func DbConnecter(cfg config.PostgresConfig, defaultDB bool, retry int) (*sql.DB, string, DbCloser, error) {
	closer := func() {}

	dbName := cfg.DBName
	if dbName == "" {
		dbName = "siren"
	}
	connectDb := dbName
	if defaultDB {
		connectDb = "postgres"
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		connectDb,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, "", closer, err
	}
	closer = func() {
		db.Close()
	}

	err = db.Ping()
	if err != nil && retry == 0 {
		return db, "", closer, err
	} else if err != nil {
		closer()
		logger.Log.WithError(err).WithField("retries_left", retry).Warn("[DB] ping failed, retrying")
		time.Sleep(retryDelay)
		return DbConnecter(cfg, defaultDB, retry-1)
	}
	return db, dbName, closer, nil
}
