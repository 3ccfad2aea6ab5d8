package memory

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	retrievaldomain "github.com/jinford/docpipe/internal/module/retrieval/domain"
)

// SearchRepository は retrieval の SearchRepository のインメモリ実装です
// 全件のコサイン類似度を計算するため、テストと小規模データ向けです
type SearchRepository struct {
	s *Store
}

var _ retrievaldomain.SearchRepository = (*SearchRepository)(nil)

func (r *SearchRepository) SearchChunks(_ context.Context, userID string, queryVector []float32, limit int) ([]*retrievaldomain.Match, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	matches := make([]*retrievaldomain.Match, 0)
	for _, ch := range r.s.chunks {
		if ch.Embedding == nil {
			continue
		}
		doc, ok := r.s.documents[ch.DocumentID]
		if !ok || doc.UserID != userID || doc.Stage != domain.StageEmbedded {
			continue
		}
		if len(ch.Embedding) != len(queryVector) {
			return nil, fmt.Errorf("different vector dimensions %d and %d", len(ch.Embedding), len(queryVector))
		}
		matches = append(matches, &retrievaldomain.Match{
			ChunkID:    ch.ID,
			DocumentID: ch.DocumentID,
			Filename:   doc.Filename,
			Ordinal:    ch.Ordinal,
			Content:    ch.Content,
			Score:      CosineSimilarity(queryVector, ch.Embedding),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ChunkID.String() < matches[j].ChunkID.String()
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// CosineSimilarity は2つのベクトルのコサイン類似度を返します
// 次元が異なる場合やゼロベクトルの場合は0を返します
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
