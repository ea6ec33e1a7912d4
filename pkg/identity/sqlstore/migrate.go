// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/LeeDigitalWorks/dirauth/pkg/logger"
)

//go:embed migrations
var migrationsFS embed.FS

// Migration is one numbered schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// LoadMigrations reads the embedded migrations for a dialect, ordered by
// version. Files are named NNN_description.sql.
func LoadMigrations(dialect string) ([]Migration, error) {
	dir := path.Join("migrations", dialect)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		var name string
		if _, err := fmt.Sscanf(entry.Name(), "%d_%s", &version, &name); err != nil {
			return nil, fmt.Errorf("parse migration filename %s: %w", entry.Name(), err)
		}

		content, err := fs.ReadFile(migrationsFS, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(name, ".sql"),
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Migrate applies pending migrations and makes sure the configured
// password column exists.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	migrations, err := LoadMigrations(s.dialect.Name())
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("applied migration")
	}

	return s.ensurePasswordColumn(ctx)
}

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return version, nil
}

func (s *Store) apply(ctx context.Context, m Migration) error {
	return s.withTx(ctx, func(tx txExecer) error {
		for _, stmt := range splitSQLStatements(m.SQL) {
			stmt = stripLeadingComments(stmt)
			if stmt == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("execute statement: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`),
			m.Version, s.now().UnixNano())
		if err != nil {
			return fmt.Errorf("record migration version: %w", err)
		}
		return nil
	})
}

// ensurePasswordColumn adds the configured password column when it is not
// the default one created by the migrations.
func (s *Store) ensurePasswordColumn(ctx context.Context) error {
	if s.passwordColumn == "" || s.passwordColumn == DefaultPasswordColumn {
		return nil
	}

	probe := fmt.Sprintf("SELECT %s FROM identities WHERE 1 = 0", s.passwordColumn)
	rows, err := s.db.QueryContext(ctx, probe)
	if err == nil {
		return rows.Close()
	}

	alter := fmt.Sprintf("ALTER TABLE identities ADD COLUMN %s VARCHAR(255)", s.passwordColumn)
	if _, err := s.db.ExecContext(ctx, alter); err != nil {
		return fmt.Errorf("add password column %s: %w", s.passwordColumn, err)
	}
	logger.Info().Str("column", s.passwordColumn).Msg("added password column")
	return nil
}

func stripLeadingComments(stmt string) string {
	lines := strings.Split(strings.TrimSpace(stmt), "\n")
	for len(lines) > 0 {
		line := strings.TrimSpace(lines[0])
		if line == "" || strings.HasPrefix(line, "--") {
			lines = lines[1:]
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// splitSQLStatements splits a script on semicolons outside of strings and
// comments.
func splitSQLStatements(script string) []string {
	var statements []string
	var current strings.Builder
	var quote byte
	inLineComment := false
	inBlockComment := false

	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for i := 0; i < len(script); i++ {
		c := script[i]
		next := byte(0)
		if i+1 < len(script) {
			next = script[i+1]
		}

		switch {
		case inLineComment:
			current.WriteByte(c)
			if c == '\n' {
				inLineComment = false
			}
		case inBlockComment:
			current.WriteByte(c)
			if c == '*' && next == '/' {
				current.WriteByte(next)
				i++
				inBlockComment = false
			}
		case quote != 0:
			current.WriteByte(c)
			if c == quote {
				if next == quote {
					current.WriteByte(next)
					i++
				} else {
					quote = 0
				}
			}
		case c == '-' && next == '-':
			inLineComment = true
			current.WriteByte(c)
		case c == '/' && next == '*':
			inBlockComment = true
			current.WriteByte(c)
		case c == '\'' || c == '"':
			quote = c
			current.WriteByte(c)
		case c == ';':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()

	return statements
}
