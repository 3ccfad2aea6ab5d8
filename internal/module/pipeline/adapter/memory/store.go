// Package memory はすべての永続化ポートをプロセス内のマップで実装するアダプターです
// データベースなしでアプリケーション層とワーカーを動かすテストと、単一プロセスでの試用に使います
package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// Store はドキュメント・ジョブ・バッファ・チャンク・イベントを1つのミューテックスで保護して保持します
// 各ポートは Documents() / Jobs() などのビューから取得します
type Store struct {
	mu sync.Mutex

	now        func() time.Time
	policy     domain.RetryPolicy
	staleAfter time.Duration

	documents map[uuid.UUID]*domain.Document
	jobs      map[uuid.UUID]*domain.Job
	jobOrder  []uuid.UUID

	parsedTexts  map[string]*domain.ParsedText
	chunkTexts   map[string]*domain.ChunkText
	chunkVectors map[string]*domain.ChunkVector
	vectorOrder  []string

	chunks map[uuid.UUID]*domain.Chunk
	events []*domain.Event
}

// Option はStoreの設定を変更します
type Option func(*Store)

// WithClock は現在時刻の取得関数を差し替えます
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithRetryPolicy は再試行ポリシーを設定します
func WithRetryPolicy(p domain.RetryPolicy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// WithStaleAfter はクレームが古くなったとみなす期間を設定します
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		s.staleAfter = d
	}
}

// New は空のStoreを作成します
func New(opts ...Option) *Store {
	s := &Store{
		now:          time.Now,
		policy:       domain.DefaultRetryPolicy(),
		staleAfter:   5 * time.Minute,
		documents:    make(map[uuid.UUID]*domain.Document),
		jobs:         make(map[uuid.UUID]*domain.Job),
		parsedTexts:  make(map[string]*domain.ParsedText),
		chunkTexts:   make(map[string]*domain.ChunkText),
		chunkVectors: make(map[string]*domain.ChunkVector),
		chunks:       make(map[uuid.UUID]*domain.Chunk),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Documents はドキュメントリポジトリのビューを返します
func (s *Store) Documents() *DocumentRepository {
	return &DocumentRepository{s: s}
}

// Jobs はジョブストアのビューを返します
func (s *Store) Jobs() *JobStore {
	return &JobStore{s: s}
}

// Staging はステージングバッファのビューを返します
func (s *Store) Staging() *StagingBuffer {
	return &StagingBuffer{s: s}
}

// Chunks はチャンクリーダーのビューを返します
func (s *Store) Chunks() *ChunkReader {
	return &ChunkReader{s: s}
}

// Events はイベントログのビューを返します
func (s *Store) Events() *EventLog {
	return &EventLog{s: s}
}

// Search は検索リポジトリのビューを返します
func (s *Store) Search() *SearchRepository {
	return &SearchRepository{s: s}
}

// appendEvent はロック保持中に呼び出します
func (s *Store) appendEvent(ev *domain.Event) {
	ev.CreatedAt = s.now()
	s.events = append(s.events, ev)
}

func cloneDocument(d *domain.Document) *domain.Document {
	c := *d
	return &c
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	if j.LastError != nil {
		le := *j.LastError
		c.LastError = &le
	}
	return &c
}

func cloneChunk(ch *domain.Chunk) *domain.Chunk {
	c := *ch
	if ch.Embedding != nil {
		c.Embedding = append([]float32(nil), ch.Embedding...)
	}
	return &c
}

func ptr[T any](v T) *T {
	return &v
}
