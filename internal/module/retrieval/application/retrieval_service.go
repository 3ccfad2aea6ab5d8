package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jinford/docpipe/internal/module/retrieval/domain"
)

// Config は検索のデフォルト設定です
type Config struct {
	Threshold  float64
	MaxResults int
	// Dimension は保存済みベクトルの次元数。0 の場合は検証しません
	Dimension int
}

// DefaultConfig はデフォルトの検索設定を返します
func DefaultConfig() Config {
	return Config{
		Threshold:  domain.DefaultThreshold,
		MaxResults: domain.DefaultMaxResults,
	}
}

// RetrievalService は検索のユースケースを提供します
type RetrievalService struct {
	repo     domain.SearchRepository
	embedder domain.Embedder
	cfg      Config
	log      *slog.Logger
}

// NewRetrievalService は新しいRetrievalServiceを作成します
// embedder は RetrieveText を使わない場合 nil でも構いません
func NewRetrievalService(repo domain.SearchRepository, embedder domain.Embedder, cfg Config, log *slog.Logger) *RetrievalService {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = domain.DefaultMaxResults
	}
	return &RetrievalService{
		repo:     repo,
		embedder: embedder,
		cfg:      cfg,
		log:      log,
	}
}

// Retrieve はクエリベクトルに類似したチャンクを返します
// 類似度が閾値以上（閾値と等しい場合を含む）のものだけを降順で返し、該当がない場合は OutcomeNoMatches を返します
func (s *RetrievalService) Retrieve(ctx context.Context, q domain.Query) (*domain.Response, error) {
	if strings.TrimSpace(q.UserID) == "" {
		return nil, fmt.Errorf("%w: userID is required", domain.ErrInvalidQuery)
	}
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", domain.ErrInvalidQuery)
	}
	if s.cfg.Dimension > 0 && len(q.Vector) != s.cfg.Dimension {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, expected %d", domain.ErrInvalidQuery, len(q.Vector), s.cfg.Dimension)
	}

	threshold := s.cfg.Threshold
	if q.Threshold != nil {
		threshold = *q.Threshold
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = s.cfg.MaxResults
	}

	candidates, err := s.repo.SearchChunks(ctx, q.UserID, q.Vector, limit)
	if err != nil {
		s.log.Error("ベクトル検索に失敗しました", "user_id", q.UserID, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrRetrievalUnavailable, err)
	}

	matches := make([]*domain.Match, 0, len(candidates))
	for _, m := range candidates {
		if m.Score >= threshold {
			matches = append(matches, m)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].DocumentID != matches[j].DocumentID {
			return matches[i].DocumentID.String() < matches[j].DocumentID.String()
		}
		return matches[i].Ordinal < matches[j].Ordinal
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	if len(matches) == 0 {
		s.log.Debug("閾値を満たすチャンクがありません", "user_id", q.UserID, "threshold", threshold, "candidates", len(candidates))
		return &domain.Response{Outcome: domain.OutcomeNoMatches, Matches: []*domain.Match{}}, nil
	}

	return &domain.Response{Outcome: domain.OutcomeMatches, Matches: matches}, nil
}

// RetrieveText はクエリテキストを埋め込んでから検索します
func (s *RetrievalService) RetrieveText(ctx context.Context, userID, text string, threshold *float64, maxResults int) (*domain.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: query text is required", domain.ErrInvalidQuery)
	}
	if s.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", domain.ErrRetrievalUnavailable)
	}

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		s.log.Error("クエリの埋め込みに失敗しました", "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrRetrievalUnavailable, err)
	}

	return s.Retrieve(ctx, domain.Query{
		UserID:     userID,
		Vector:     vector,
		Threshold:  threshold,
		MaxResults: maxResults,
	})
}
