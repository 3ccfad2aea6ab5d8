package cli

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"短い文字列はそのまま", "hello", 10, "hello"},
		{"空白と改行をまとめる", "a\n\n  b\tc", 10, "a b c"},
		{"長い文字列は省略", "abcdefghijklmnop", 10, "abcdefg..."},
		{"マルチバイト文字", "あいうえおかきくけこさしす", 8, "あいうえお..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncateString(tt.input, tt.maxLen))
		})
	}
}

func TestDocumentID(t *testing.T) {
	run := func(args ...string) (uuid.UUID, error) {
		var (
			got    uuid.UUID
			gotErr error
		)
		cmd := &cli.Command{
			Name:  "test",
			Flags: []cli.Flag{&cli.StringFlag{Name: "id"}},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				got, gotErr = documentID(cmd)
				return nil
			},
		}
		require.NoError(t, cmd.Run(context.Background(), append([]string{"test"}, args...)))
		return got, gotErr
	}

	want := uuid.New()
	got, err := run("--id", " "+want.String()+" ")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = run("--id", "not-a-uuid")
	assert.Error(t, err)

	_, err = run()
	assert.Error(t, err)
}
