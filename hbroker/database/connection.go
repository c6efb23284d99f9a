package database

import (
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/radrouter/hbroker-app/conf"
)

// Variable substitution to support testing.
var LogFatal = log.Fatal

func GetDbConnection() *sql.DB {
	databaseURL := conf.GetEnv("DATABASE_URL")
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		LogFatal(err)
	}

	db.SetMaxOpenConns(conf.GetEnvInt("HBROKER_DB_MAX_OPEN_CONNS", 40))
	db.SetMaxIdleConns(conf.GetEnvInt("HBROKER_DB_MAX_IDLE_CONNS", 20))
	db.SetConnMaxLifetime(time.Duration(conf.GetEnvInt("HBROKER_DB_CONN_MAX_LIFETIME_MIN", 5)) * time.Minute)

	if pingErr := db.Ping(); pingErr != nil {
		LogFatal(pingErr)
	}
	return db
}
