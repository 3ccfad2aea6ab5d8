package database

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"text/template"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationParams はマイグレーションSQLのテンプレート変数です
type migrationParams struct {
	Dimension int
}

// Migration は適用対象の1ファイルです
type Migration struct {
	Name string
	SQL  string
}

// LoadMigrations は埋め込みマイグレーションをベクトル次元で展開して名前順に返します
func LoadMigrations(dimension int) ([]Migration, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid vector dimension: %d", dimension)
	}

	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		raw, err := migrationFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		tmpl, err := template.New(name).Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse migration %s: %w", name, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, migrationParams{Dimension: dimension}); err != nil {
			return nil, fmt.Errorf("failed to render migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{Name: name, SQL: buf.String()})
	}

	return migrations, nil
}

// Migrate は未適用のマイグレーションを順に適用します
// 複数プロセスから同時に呼ばれてもアドバイザリロックで直列化されます
func Migrate(ctx context.Context, db DBTX, dimension int) error {
	migrations, err := LoadMigrations(dimension)
	if err != nil {
		return err
	}

	_, err = Transact(ctx, db, func(tx pgx.Tx) (struct{}, error) {
		if err := AcquireXactLock(ctx, tx, GenerateLockID("schema_migrations")); err != nil {
			return struct{}{}, err
		}

		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
			return struct{}{}, fmt.Errorf("failed to create schema_migrations: %w", err)
		}

		for _, m := range migrations {
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, m.Name,
			).Scan(&applied); err != nil {
				return struct{}{}, fmt.Errorf("failed to check migration %s: %w", m.Name, err)
			}
			if applied {
				continue
			}

			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return struct{}{}, fmt.Errorf("failed to apply migration %s: %w", m.Name, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name); err != nil {
				return struct{}{}, fmt.Errorf("failed to record migration %s: %w", m.Name, err)
			}
			slog.Info("マイグレーションを適用しました", "name", m.Name)
		}

		return struct{}{}, nil
	})
	return err
}
