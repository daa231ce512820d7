// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the persistence layer over the geo and dump_trucks
// schemas. Writers run inside caller-controlled transactions; all write
// operations are idempotent under re-execution with identical inputs.
package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the database connection options.
type Config struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	// Bounded connection pool size shared by the pipeline and the read API.
	MaxConns int
}

func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
}

// Store wraps the shared connection pool.
type Store struct {
	logger log.Logger
	db     *sqlx.DB
}

// Open connects to Postgres and configures the bounded pool.
func Open(logger log.Logger, cfg Config) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg.defaults()

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password)
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(time.Hour)
	return &Store{logger: logger, db: db}, nil
}

// NewWithDB wraps an existing database handle (tests).
func NewWithDB(logger log.Logger, db *sqlx.DB) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{logger: logger, db: db}
}

// DB exposes the underlying handle for collaborators that only read
// (geofence snapshots).
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	_ = level.Info(s.logger).Log("msg", "database migrations applied")
	return nil
}

// InTx runs fn inside a transaction, rolling back on error.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			_ = level.Warn(s.logger).Log("msg", "transaction rollback failed", "err", rbErr)
		}
		return err
	}
	return tx.Commit()
}
