package chunker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runeTokenizer は1文字を1トークンとして数えるテスト用のTokenizerです
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	out := make([]int, 0, len(text))
	for _, r := range text {
		out = append(out, int(r))
	}
	return out
}

func (runeTokenizer) Decode(tokens []int) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteRune(rune(t))
	}
	return b.String()
}

func TestTokenChunker_Chunk(t *testing.T) {
	tests := []struct {
		name    string
		target  int
		overlap int
		text    string
		want    []string
	}{
		{name: "short text", target: 10, overlap: 0, text: "hello", want: []string{"hello"}},
		{name: "blank text", target: 10, overlap: 0, text: " \n \n", want: nil},
		{
			name: "flush at target", target: 10, overlap: 0,
			text: "aaaa\nbbbb\ncccc\ndddd",
			want: []string{"aaaa\nbbbb\ncccc", "dddd"},
		},
		{
			name: "overlap carries trailing lines", target: 10, overlap: 4,
			text: "aaaa\nbbbb\ncccc\ndddd",
			want: []string{"aaaa\nbbbb\ncccc", "cccc\ndddd"},
		},
		{
			name: "long line split on token boundary", target: 4, overlap: 0,
			text: "abcdefghij",
			want: []string{"abcd", "efgh", "ij"},
		},
		{
			name: "paragraph boundary", target: 10, overlap: 0,
			text: "abcdef\n\nxyz",
			want: []string{"abcdef", "xyz"},
		},
		{
			name: "trailing overlap only is dropped", target: 10, overlap: 4,
			text: "aaaa\nbbbb\ncccc",
			want: []string{"aaaa\nbbbb\ncccc"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewTokenChunker(runeTokenizer{}, tt.target, tt.overlap)
			require.NoError(t, err)

			spans, err := c.Chunk(context.Background(), tt.text)
			require.NoError(t, err)

			var got []string
			for _, s := range spans {
				got = append(got, s.Content)
				assert.Equal(t, len([]rune(s.Content)), s.TokenCount)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenChunker_Deterministic(t *testing.T) {
	c, err := NewTokenChunker(runeTokenizer{}, 20, 5)
	require.NoError(t, err)

	text := strings.Repeat("the quick brown fox\njumps over\n\nthe lazy dog\n", 10)
	a, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	b, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Greater(t, len(a), 1)
}

func TestNewTokenChunker_Validation(t *testing.T) {
	_, err := NewTokenChunker(nil, 10, 0)
	assert.Error(t, err)
	_, err = NewTokenChunker(runeTokenizer{}, 0, 0)
	assert.Error(t, err)
	_, err = NewTokenChunker(runeTokenizer{}, 10, 10)
	assert.Error(t, err)
	_, err = NewTokenChunker(runeTokenizer{}, 10, -1)
	assert.Error(t, err)
}

func TestTokenChunker_CanceledContext(t *testing.T) {
	c, err := NewTokenChunker(runeTokenizer{}, 10, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Chunk(ctx, "abc")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecursiveChunker_Chunk(t *testing.T) {
	c, err := NewRecursiveChunker(runeTokenizer{}, 10, 0)
	require.NoError(t, err)

	spans, err := c.Chunk(context.Background(), "aaaa bbbb cccc dddd")
	require.NoError(t, err)
	require.NotEmpty(t, spans)

	joined := make([]string, 0, len(spans))
	for _, s := range spans {
		assert.LessOrEqual(t, s.TokenCount, 10)
		joined = append(joined, s.Content)
	}
	all := strings.Join(joined, " ")
	for _, word := range []string{"aaaa", "bbbb", "cccc", "dddd"} {
		assert.Contains(t, all, word)
	}
}

func TestNew(t *testing.T) {
	c, err := New("token", runeTokenizer{}, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, "token", c.Name())
	assert.Equal(t, "v1", c.Version())

	c, err = New("", runeTokenizer{}, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, "token", c.Name())

	c, err = New("recursive", runeTokenizer{}, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, "recursive", c.Name())

	_, err = New("semantic", runeTokenizer{}, 10, 2)
	assert.Error(t, err)
}
