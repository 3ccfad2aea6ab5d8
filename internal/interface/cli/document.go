package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jinford/docpipe/internal/module/pipeline/adapter/parser"
	pipelineapp "github.com/jinford/docpipe/internal/module/pipeline/application"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

// DocumentUploadAction はローカルファイルをアップロードするコマンドのアクション
func DocumentUploadAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("file")
	user := cmd.String("user")

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	filename := filepath.Base(path)
	mimeType := cmd.String("mime-type")
	if mimeType == "" {
		mimeType = parser.DetectMIME(filename, content)
	}

	res, err := appCtx.Container.Intake.Ingest(ctx, pipelineapp.UploadRequest{
		UserID:   user,
		Filename: filename,
		MIMEType: mimeType,
		Content:  content,
	})
	if err != nil {
		return fmt.Errorf("アップロードに失敗: %w", err)
	}

	if res.Duplicate {
		fmt.Printf("同じ内容のドキュメントが登録済みです\n")
	} else {
		fmt.Printf("\n✓ アップロードしました\n")
	}
	fmt.Printf("  Document ID: %s\n", res.Document.ID)
	fmt.Printf("  MIME Type:   %s\n", res.Document.MIMEType)
	fmt.Printf("  Status:      %s\n", res.Document.Status)
	if res.Job != nil {
		fmt.Printf("  Correlation: %s\n", res.Job.CorrelationID)
	}
	return nil
}

// DocumentStatusAction はドキュメントの処理状況を表示するコマンドのアクション
func DocumentStatusAction(ctx context.Context, cmd *cli.Command) error {
	id, err := documentID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	st, err := appCtx.Container.Status.Status(ctx, id)
	if err != nil {
		return fmt.Errorf("状態の取得に失敗: %w", err)
	}

	fmt.Printf("\n=== ドキュメント状態 ===\n\n")
	fmt.Printf("Document ID: %s\n", st.DocumentID)
	fmt.Printf("Stage:       %s\n", st.Stage)
	fmt.Printf("Status:      %s\n", st.Status)
	if st.State != "" {
		fmt.Printf("Job State:   %s (retries: %d)\n", st.State, st.RetryCount)
	}
	fmt.Printf("Progress:    %d%%\n", st.Progress)
	fmt.Printf("Message:     %s\n", st.Message)
	if st.LastError != nil {
		fmt.Printf("Last Error:  %s/%s at %s\n", st.LastError.Class, st.LastError.Code, st.LastError.OccurredAt.Format(time.RFC3339))
		fmt.Printf("             %s\n", st.LastError.Message)
	}
	fmt.Println()
	return nil
}

// DocumentEventsAction はドキュメントのイベント履歴を表示するコマンドのアクション
func DocumentEventsAction(ctx context.Context, cmd *cli.Command) error {
	id, err := documentID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	events, err := appCtx.Container.Status.Events(ctx, id)
	if err != nil {
		return fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("イベントはありません")
		return nil
	}

	renderEventsTable(events)
	return nil
}

// DocumentRequeueAction はデッドレターになったドキュメントを再投入するコマンドのアクション
func DocumentRequeueAction(ctx context.Context, cmd *cli.Command) error {
	id, err := documentID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	job, err := appCtx.Container.Status.Requeue(ctx, id)
	if err != nil {
		return fmt.Errorf("再投入に失敗: %w", err)
	}

	fmt.Printf("✓ %s ステージから再投入しました (job: %s)\n", job.Stage, job.ID)
	return nil
}

// DocumentDeleteAction はドキュメントと派生データを削除するコマンドのアクション
func DocumentDeleteAction(ctx context.Context, cmd *cli.Command) error {
	id, err := documentID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Intake.Delete(ctx, id); err != nil {
		return fmt.Errorf("削除に失敗: %w", err)
	}

	fmt.Printf("✓ ドキュメント %s を削除しました\n", id)
	return nil
}

// EventsPurgeAction は保持期間を過ぎたイベントを削除するコマンドのアクション
func EventsPurgeAction(ctx context.Context, cmd *cli.Command) error {
	olderThan := cmd.Duration("older-than")

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	n, err := appCtx.Container.Status.PurgeEvents(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("イベントの削除に失敗: %w", err)
	}

	fmt.Printf("✓ %d件のイベントを削除しました\n", n)
	slog.Info("イベントを削除", "count", n, "olderThan", olderThan)
	return nil
}

// renderEventsTable はテーブル形式でイベント履歴を表示します
func renderEventsTable(events []*domain.Event) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Type", "Stage", "Severity", "Code", "Payload")

	for _, ev := range events {
		table.Append(
			ev.CreatedAt.Format("2006-01-02 15:04:05"),
			string(ev.Type),
			string(ev.Stage),
			string(ev.Severity),
			ev.Code,
			truncateString(string(ev.Payload), 60),
		)
	}

	table.Render()
}
