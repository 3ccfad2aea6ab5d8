package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/google/uuid"
)

// IdentifierNamespace はドキュメント/チャンクIDを導出する固定の名前空間です
// この値を変更すると既存の全IDと整合しなくなるため、絶対に変更しないこと
var IdentifierNamespace = uuid.MustParse("6f1c7e5a-3d2b-5a8e-9c41-0b7d2e9f4a10")

// DocumentID は (ユーザーID, コンテンツハッシュ) から決定的なドキュメントIDを導出します
// ドキュメントを作成・参照するすべてのコンポーネントはこの関数を使用しなければなりません
func DocumentID(userID, contentHash string) uuid.UUID {
	return uuid.NewSHA1(IdentifierNamespace, nameBytes("document", userID, contentHash))
}

// ChunkID は (ドキュメントID, チャンカー名, チャンカーバージョン, 序数) から決定的なチャンクIDを導出します
func ChunkID(documentID uuid.UUID, chunkerName, chunkerVersion string, ordinal int) uuid.UUID {
	var ord [8]byte
	binary.BigEndian.PutUint64(ord[:], uint64(ordinal))
	return uuid.NewSHA1(IdentifierNamespace, nameBytes("chunk", documentID.String(), chunkerName, chunkerVersion, string(ord[:])))
}

// NewJobID はジョブIDを生成します。ジョブはコンテンツアドレスではないためランダムです
func NewJobID() uuid.UUID {
	return uuid.New()
}

// NewCorrelationID はアップロードから埋め込み完了までの一連のイベントを束ねるIDを生成します
func NewCorrelationID() uuid.UUID {
	return uuid.New()
}

// ContentHash はコンテンツの SHA-256 を16進文字列で返します
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey は (ドキュメント, ステージ) 単位のジョブの冪等キーを返します
func IdempotencyKey(documentID uuid.UUID, stage Stage) string {
	sum := sha256.Sum256(nameBytes("job", documentID.String(), string(stage)))
	return hex.EncodeToString(sum[:16])
}

// nameBytes は各フィールドを長さ付きで連結します
// 区切り文字を使うと ("ab","c") と ("a","bc") が衝突するため長さプレフィックスを付けます
func nameBytes(parts ...string) []byte {
	size := 0
	for _, p := range parts {
		size += 4 + len(p)
	}
	buf := make([]byte, 0, size)
	for _, p := range parts {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(p)))
		buf = append(buf, l[:]...)
		buf = append(buf, p...)
	}
	return buf
}
