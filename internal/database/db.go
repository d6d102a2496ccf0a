// Package database is the relational store behind the Directory: it
// knows nothing about caching or pub/sub invalidation (that lives in
// internal/directory) and is the authoritative source of truth for
// appservices, users, and rooms, per spec §4.A's rationale.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// DB wraps a *sql.DB pointed at Postgres (via lib/pq, the teacher's
// driver of choice) with the schema-upgrade machinery.
type DB struct {
	*sql.DB
	Log zerolog.Logger
}

// Open connects to Postgres at dsn and verifies connectivity.
func Open(dsn string, log zerolog.Logger) (*DB, error) {
	raw, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	raw.SetMaxOpenConns(20)
	raw.SetConnMaxLifetime(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = raw.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: raw, Log: log}, nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}
