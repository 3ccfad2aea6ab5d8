package cli

import (
	"context"
	"fmt"

	"github.com/jinford/docpipe/internal/interface/httpapi"
	"github.com/urfave/cli/v3"
)

// ServerStartAction はHTTPサーバを起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	addr := appCtx.Config.HTTP.Addr
	if port := cmd.Int("port"); port > 0 {
		addr = fmt.Sprintf(":%d", port)
	}

	c := appCtx.Container
	server := &httpapi.Server{
		Intake:    c.Intake,
		Status:    c.Status,
		Retrieval: c.Retrieval,
		Health:    c.Ping,
		Logger:    appCtx.Logger().With("component", "http"),
	}
	return server.ListenAndServe(ctx, addr)
}

// WorkerStartAction はステージワーカーを起動するコマンドのアクション
// シグナルを受け取るまでジョブを処理し続ける
func WorkerStartAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	pool, err := appCtx.Container.NewWorkerPool()
	if err != nil {
		return fmt.Errorf("ワーカーの初期化に失敗: %w", err)
	}
	return pool.Run(ctx)
}

// MigrateAction はデータベースのマイグレーションを適用するコマンドのアクション
func MigrateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Migrate(ctx); err != nil {
		return fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	fmt.Println("✓ マイグレーションを適用しました")
	return nil
}
