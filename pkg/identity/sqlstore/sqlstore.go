// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlstore is a database/sql implementation of identity.Store for
// PostgreSQL, MySQL and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/LeeDigitalWorks/dirauth/pkg/identity"
	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DefaultPasswordColumn  = "password"
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultConnMaxIdleTime = time.Minute
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config holds SQL identity store configuration.
type Config struct {
	Driver string // postgres, mysql or sqlite
	DSN    string

	// KeyField is the identity field that must be unique (usually email).
	KeyField string

	// PasswordColumn stores the password hash. Empty disables password
	// storage altogether.
	PasswordColumn string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store implements identity.Store on database/sql.
type Store struct {
	db             *sql.DB
	dialect        Dialect
	keyField       string
	passwordColumn string
	now            func() time.Time
}

var _ identity.Store = (*Store)(nil)

// Open opens and pings the database. Call Migrate before first use.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.KeyField == "" {
		return nil, errors.New("key field is required")
	}
	if cfg.PasswordColumn != "" && !identifierPattern.MatchString(cfg.PasswordColumn) {
		return nil, fmt.Errorf("invalid password column name %q", cfg.PasswordColumn)
	}

	sqlDB, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	configurePool(sqlDB, dialect, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, ok := dialect.(SQLiteDialect); ok {
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	return &Store{
		db:             sqlDB,
		dialect:        dialect,
		keyField:       cfg.KeyField,
		passwordColumn: cfg.PasswordColumn,
		now:            time.Now,
	}, nil
}

func configurePool(sqlDB *sql.DB, dialect Dialect, cfg Config) {
	// SQLite allows one writer; a single connection also keeps an
	// in-memory database alive for the life of the store.
	if _, ok := dialect.(SQLiteDialect); ok {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		sqlDB.SetConnMaxIdleTime(0)
		return
	}

	maxOpen, maxIdle := cfg.MaxOpenConns, cfg.MaxIdleConns
	lifetime, idleTime := cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenConns
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleConns
	}
	if lifetime <= 0 {
		lifetime = DefaultConnMaxLifetime
	}
	if idleTime <= 0 {
		idleTime = DefaultConnMaxIdleTime
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)
	sqlDB.SetConnMaxIdleTime(idleTime)
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity for readiness reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return s.dialect.ReplacePlaceholders(query)
}

func (s *Store) columns() string {
	if s.passwordColumn == "" {
		return "id, lookup_key, deleted_at, created_at, updated_at"
	}
	return "id, lookup_key, " + s.passwordColumn + ", deleted_at, created_at, updated_at"
}

// ============================================================================
// Reads
// ============================================================================

func (s *Store) FindByField(ctx context.Context, field, value string) (*identity.LocalIdentity, error) {
	var row *sql.Row
	if field == s.keyField {
		row = s.db.QueryRowContext(ctx,
			s.q("SELECT "+s.columns()+" FROM identities WHERE lookup_key = $1"),
			identity.NormalizeKey(value))
	} else {
		row = s.db.QueryRowContext(ctx,
			s.q("SELECT "+s.columns()+` FROM identities WHERE id = (
				SELECT identity_id FROM identity_fields WHERE name = $1 AND value = $2
				ORDER BY identity_id LIMIT 1)`),
			field, value)
	}

	ident, err := s.scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find identity by %s: %w", field, err)
	}

	if err := s.loadFields(ctx, ident); err != nil {
		return nil, err
	}
	return ident, nil
}

func (s *Store) scanIdentity(row *sql.Row) (*identity.LocalIdentity, error) {
	var (
		ident     identity.LocalIdentity
		lookupKey string
		password  sql.NullString
		deletedAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	dest := []any{&ident.ID, &lookupKey}
	if s.passwordColumn != "" {
		dest = append(dest, &password)
	}
	dest = append(dest, &deletedAt, &createdAt, &updatedAt)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	ident.PasswordHash = password.String
	ident.CreatedAt = time.Unix(0, createdAt).UTC()
	ident.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64).UTC()
		ident.DeletedAt = &t
	}
	return &ident, nil
}

func (s *Store) loadFields(ctx context.Context, ident *identity.LocalIdentity) error {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT name, value FROM identity_fields WHERE identity_id = $1"), ident.ID)
	if err != nil {
		return fmt.Errorf("load identity fields: %w", err)
	}
	defer rows.Close()

	ident.Fields = make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("scan identity field: %w", err)
		}
		ident.Fields[name] = value
	}
	return rows.Err()
}

// ============================================================================
// Writes
// ============================================================================

func (s *Store) Create(ctx context.Context, ident *identity.LocalIdentity) error {
	key := identity.NormalizeKey(ident.Field(s.keyField))
	if key == "" {
		return identity.ErrMissingKeyField
	}
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = now
	}
	ident.UpdatedAt = now

	err := s.withTx(ctx, func(tx txExecer) error {
		cols := "id, lookup_key, deleted_at, created_at, updated_at"
		vals := "$1, $2, $3, $4, $5"
		args := []any{ident.ID, key, nullTime(ident.DeletedAt), ident.CreatedAt.UnixNano(), ident.UpdatedAt.UnixNano()}
		if s.passwordColumn != "" {
			cols += ", " + s.passwordColumn
			vals += ", $6"
			args = append(args, nullString(ident.PasswordHash))
		}

		_, err := tx.ExecContext(ctx, s.q("INSERT INTO identities ("+cols+") VALUES ("+vals+")"), args...)
		if err != nil {
			return err
		}
		return s.insertFields(ctx, tx, ident)
	})
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return identity.ErrAlreadyExists
		}
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, ident *identity.LocalIdentity) error {
	key := identity.NormalizeKey(ident.Field(s.keyField))
	if key == "" {
		return identity.ErrMissingKeyField
	}
	ident.UpdatedAt = s.now().UTC()

	err := s.withTx(ctx, func(tx txExecer) error {
		set := "lookup_key = $1, deleted_at = $2, updated_at = $3"
		args := []any{key, nullTime(ident.DeletedAt), ident.UpdatedAt.UnixNano()}
		if s.passwordColumn != "" {
			set += ", " + s.passwordColumn + " = $4"
			args = append(args, nullString(ident.PasswordHash))
		}
		args = append(args, ident.ID)
		where := fmt.Sprintf(" WHERE id = $%d", len(args))

		res, err := tx.ExecContext(ctx, s.q("UPDATE identities SET "+set+where), args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return identity.ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM identity_fields WHERE identity_id = $1"), ident.ID); err != nil {
			return err
		}
		return s.insertFields(ctx, tx, ident)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, identity.ErrNotFound):
		return err
	case s.dialect.IsUniqueViolation(err):
		return identity.ErrAlreadyExists
	default:
		return fmt.Errorf("update identity: %w", err)
	}
}

func (s *Store) insertFields(ctx context.Context, tx txExecer, ident *identity.LocalIdentity) error {
	names := make([]string, 0, len(ident.Fields))
	for name := range ident.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	stmt := s.q("INSERT INTO identity_fields (identity_id, name, value) VALUES ($1, $2, $3)")
	for _, name := range names {
		if _, err := tx.ExecContext(ctx, stmt, ident.ID, name, ident.Fields[name]); err != nil {
			return err
		}
	}
	return nil
}

type txExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withTx executes fn within a database transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx txExecer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
