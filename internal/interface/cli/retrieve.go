package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jinford/docpipe/internal/module/retrieval/domain"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

// RetrieveAction はテキストクエリで類似チャンクを検索するコマンドのアクション
func RetrieveAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	var threshold *float64
	if cmd.IsSet("threshold") {
		t := cmd.Float("threshold")
		threshold = &t
	}

	resp, err := appCtx.Container.Retrieval.RetrieveText(ctx, cmd.String("user"), cmd.String("query"), threshold, cmd.Int("limit"))
	if err != nil {
		return fmt.Errorf("検索に失敗: %w", err)
	}
	if resp.Outcome == domain.OutcomeNoMatches {
		fmt.Println("該当するチャンクはありません")
		return nil
	}

	renderMatchesTable(resp.Matches)
	return nil
}

// IngestGitAction はGitリポジトリのファイルを一括で取り込むコマンドのアクション
func IngestGitAction(ctx context.Context, cmd *cli.Command) error {
	repoURL := cmd.String("url")
	ref := cmd.String("ref")

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	res, err := appCtx.Container.Intake.IngestRepository(ctx, cmd.String("user"), repoURL, ref)
	if err != nil {
		return fmt.Errorf("リポジトリの取り込みに失敗: %w", err)
	}

	fmt.Printf("\n✓ リポジトリを取り込みました\n")
	fmt.Printf("  Commit:     %s\n", res.CommitHash)
	fmt.Printf("  Ingested:   %d\n", res.Ingested)
	fmt.Printf("  Duplicates: %d\n", res.Duplicates)
	fmt.Printf("  Skipped:    %d\n", res.Skipped)
	fmt.Printf("  Failed:     %d\n", res.Failed)
	return nil
}

// renderMatchesTable はテーブル形式で検索結果を表示します
func renderMatchesTable(matches []*domain.Match) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Score", "Filename", "Ordinal", "Content")

	for _, m := range matches {
		table.Append(
			strconv.FormatFloat(m.Score, 'f', 4, 64),
			m.Filename,
			strconv.Itoa(m.Ordinal),
			truncateString(m.Content, 80),
		)
	}

	table.Render()
}
