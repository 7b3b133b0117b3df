//go:build integration

// Package dbtest は統合テスト用のPostgreSQLコンテナを起動する。
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hitoshi/ingestor/internal/database"
)

// Postgres は起動済みのテスト用データベース。
type Postgres struct {
	Container *postgres.PostgresContainer
	DB        *sql.DB
	URL       string
}

// Start はPostgreSQLコンテナを起動し、マイグレーションを適用する。
func Start(ctx context.Context) (*Postgres, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ingestor_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("コンテナの起動に失敗しました: %w", err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	if _, err := database.RunMigrations(url); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	db, err := database.Open(url)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	return &Postgres{Container: container, DB: db, URL: url}, nil
}

// Truncate は全テーブルのデータを削除する。
func (p *Postgres) Truncate(ctx context.Context) error {
	_, err := p.DB.ExecContext(ctx,
		`TRUNCATE projects, content_sources, tasks, quota_counters, leases`)
	return err
}

// Stop は接続を閉じてコンテナを停止する。
func (p *Postgres) Stop(ctx context.Context) {
	if p.DB != nil {
		p.DB.Close()
	}
	if p.Container != nil {
		_ = p.Container.Terminate(ctx)
	}
}
