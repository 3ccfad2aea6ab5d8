// Package pgtest はdockertestでpgvector入りのPostgreSQLを起動する統合テスト用ヘルパーです
package pgtest

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jinford/docpipe/internal/platform/database"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

// Dimension は統合テストで使うベクトル次元です
const Dimension = 8

// Database は起動済みのテスト用データベースです
type Database struct {
	Pool *pgxpool.Pool
	// ConnString は追加の接続設定でプールを作るための接続文字列
	ConnString string
	pool     *dockertest.Pool
	resource *dockertest.Resource
}

// Start はコンテナを起動し、マイグレーション済みの接続プールを返します
// Dockerに接続できない場合はエラーを返すため、呼び出し側でテストをスキップします
func Start(ctx context.Context) (*Database, error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	if err := pool.Client.Ping(); err != nil {
		return nil, fmt.Errorf("docker is not reachable: %w", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "pgvector/pgvector",
		Tag:        "0.8.0-pg16",
		Env: []string{
			"POSTGRES_USER=docpipe",
			"POSTGRES_PASSWORD=docpipe",
			"POSTGRES_DB=docpipe",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres: %w", err)
	}
	// テストプロセスが異常終了してもコンテナを残さない
	_ = resource.Expire(300)

	connString := fmt.Sprintf("postgres://docpipe:docpipe@%s/docpipe?sslmode=disable", resource.GetHostPort("5432/tcp"))

	var pgPool *pgxpool.Pool
	pool.MaxWait = 90 * time.Second
	if err := pool.Retry(func() error {
		p, err := pgxpool.New(ctx, connString)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pgPool = p
		return nil
	}); err != nil {
		_ = pool.Purge(resource)
		return nil, fmt.Errorf("postgres did not become ready: %w", err)
	}

	if err := database.Migrate(ctx, pgPool, Dimension); err != nil {
		pgPool.Close()
		_ = pool.Purge(resource)
		return nil, err
	}

	return &Database{Pool: pgPool, ConnString: connString, pool: pool, resource: resource}, nil
}

// Reset は全テーブルを空にします
func (d *Database) Reset(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, `TRUNCATE events, staging_buffers, chunks, jobs, documents`)
	return err
}

// Close は接続を閉じてコンテナを破棄します
func (d *Database) Close() {
	d.Pool.Close()
	_ = d.pool.Purge(d.resource)
}
