package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	appcli "github.com/jinford/docpipe/internal/interface/cli"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "docpipe",
		Usage: "ドキュメント取り込み・チャンク化・埋め込みパイプラインとベクトル検索",
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "データベースのマイグレーションを適用",
				Flags:  []cli.Flag{appcli.EnvFlag()},
				Action: appcli.MigrateAction,
			},
			{
				Name:  "server",
				Usage: "サーバ関連コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTPサーバを起動",
						Flags: []cli.Flag{
							appcli.EnvFlag(),
							&cli.IntFlag{
								Name:  "port",
								Usage: "HTTPポート（省略時は HTTP_ADDR）",
							},
						},
						Action: appcli.ServerStartAction,
					},
				},
			},
			{
				Name:  "worker",
				Usage: "ワーカー関連コマンド",
				Commands: []*cli.Command{
					{
						Name:   "start",
						Usage:  "ステージワーカーを起動",
						Flags:  []cli.Flag{appcli.EnvFlag()},
						Action: appcli.WorkerStartAction,
					},
				},
			},
			{
				Name:  "document",
				Usage: "ドキュメント管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "upload",
						Usage: "ローカルファイルをアップロード",
						Flags: []cli.Flag{
							appcli.EnvFlag(),
							userFlag(),
							&cli.StringFlag{
								Name:     "file",
								Usage:    "アップロードするファイルパス",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "mime-type",
								Usage: "MIMEタイプ（省略時は内容から判定）",
							},
						},
						Action: appcli.DocumentUploadAction,
					},
					{
						Name:   "status",
						Usage:  "処理状況を表示",
						Flags:  []cli.Flag{appcli.EnvFlag(), idFlag()},
						Action: appcli.DocumentStatusAction,
					},
					{
						Name:   "events",
						Usage:  "イベント履歴を表示",
						Flags:  []cli.Flag{appcli.EnvFlag(), idFlag()},
						Action: appcli.DocumentEventsAction,
					},
					{
						Name:   "requeue",
						Usage:  "デッドレターになったドキュメントを再投入",
						Flags:  []cli.Flag{appcli.EnvFlag(), idFlag()},
						Action: appcli.DocumentRequeueAction,
					},
					{
						Name:   "delete",
						Usage:  "ドキュメントと派生データを削除",
						Flags:  []cli.Flag{appcli.EnvFlag(), idFlag()},
						Action: appcli.DocumentDeleteAction,
					},
				},
			},
			{
				Name:  "retrieve",
				Usage: "類似チャンクを検索",
				Flags: []cli.Flag{
					appcli.EnvFlag(),
					userFlag(),
					&cli.StringFlag{
						Name:     "query",
						Usage:    "検索クエリ",
						Required: true,
					},
					&cli.FloatFlag{
						Name:  "threshold",
						Usage: "類似度の下限（省略時は RETRIEVAL_THRESHOLD）",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "最大件数（省略時は RETRIEVAL_MAX_RESULTS）",
					},
				},
				Action: appcli.RetrieveAction,
			},
			{
				Name:  "ingest",
				Usage: "一括取り込みコマンド",
				Commands: []*cli.Command{
					{
						Name:  "git",
						Usage: "Gitリポジトリのテキストファイルを取り込み",
						Flags: []cli.Flag{
							appcli.EnvFlag(),
							userFlag(),
							&cli.StringFlag{
								Name:     "url",
								Usage:    "GitリポジトリURL",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "ref",
								Usage: "ブランチ名またはタグ名（省略時はリモートのdefault_branch）",
							},
						},
						Action: appcli.IngestGitAction,
					},
				},
			},
			{
				Name:  "events",
				Usage: "イベントログ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "purge",
						Usage: "保持期間を過ぎたイベントを削除",
						Flags: []cli.Flag{
							appcli.EnvFlag(),
							&cli.DurationFlag{
								Name:  "older-than",
								Usage: "この期間より古いイベントを削除",
								Value: 30 * 24 * time.Hour,
							},
						},
						Action: appcli.EventsPurgeAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func userFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "user",
		Usage:    "ユーザーID",
		Required: true,
	}
}

func idFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "id",
		Usage:    "ドキュメントID",
		Required: true,
	}
}
