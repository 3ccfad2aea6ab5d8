package domain

import "context"

// MaxBatchSize は1回の EmbedBatch 呼び出しで渡せるテキストの最大件数
const MaxBatchSize = 100

// Embedder はテキストをベクトル表現に変換するインターフェース
type Embedder interface {
	// Embed はテキストからEmbeddingベクトルを生成する
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch は最大 MaxBatchSize 件のテキストを1回の呼び出しで埋め込む
	// 返り値は texts と同じ順序・同じ件数
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension はEmbeddingベクトルの次元数を返す
	Dimension() int

	// ModelID はEmbeddingモデル名を返す
	ModelID() string

	// ModelVersion はEmbeddingモデルのバージョンを返す
	// 同じモデル名でも出力が変わる場合はバージョンを変えてバッファキーを分離する
	ModelVersion() string
}
