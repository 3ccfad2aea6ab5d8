package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	"github.com/jinford/docpipe/internal/platform/database"
)

const eventColumns = `id, job_id, document_id, correlation_id, type, stage, severity, code, payload, created_at`

// EventLog は追記専用の監査ログの永続化アダプターです
// 書き込みはジョブストアが遷移と同じトランザクション内で行います
type EventLog struct {
	db database.DBTX
}

// NewEventLog は新しいイベントログを作成します
func NewEventLog(db database.DBTX) *EventLog {
	return &EventLog{db: db}
}

var _ domain.EventLog = (*EventLog)(nil)

// ListByDocument はドキュメントのイベントを時系列で返します
func (l *EventLog) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*domain.Event, error) {
	rows, err := l.db.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE document_id = $1 ORDER BY created_at, id`,
		UUIDToPgtype(documentID))
	if err != nil {
		return nil, fmt.Errorf("failed to list events by document: %w", err)
	}
	return collectEvents(rows)
}

// ListByCorrelation は相関IDに紐づくイベントを時系列で返します
func (l *EventLog) ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*domain.Event, error) {
	rows, err := l.db.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE correlation_id = $1 ORDER BY created_at, id`,
		UUIDToPgtype(correlationID))
	if err != nil {
		return nil, fmt.Errorf("failed to list events by correlation: %w", err)
	}
	return collectEvents(rows)
}

// PurgeBefore は before より前のイベントを削除し、削除件数を返します
func (l *EventLog) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := l.db.Exec(ctx, `DELETE FROM events WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// appendEvent はトランザクション内でイベントを追記します
func appendEvent(ctx context.Context, tx pgx.Tx, ev *domain.Event) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO events (id, job_id, document_id, correlation_id, type, stage, severity, code, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		UUIDToPgtype(ev.ID), UUIDToPgtype(ev.JobID), UUIDToPgtype(ev.DocumentID), UUIDToPgtype(ev.CorrelationID),
		string(ev.Type), string(ev.Stage), string(ev.Severity), ev.Code, []byte(ev.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", ev.Type, err)
	}
	return nil
}

func collectEvents(rows pgx.Rows) ([]*domain.Event, error) {
	defer rows.Close()

	events := make([]*domain.Event, 0)
	for rows.Next() {
		var (
			id, jobID, docID, corrID pgtype.UUID
			typ, stage, severity     string
			ev                       domain.Event
			payload                  []byte
			createdAt                pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &jobID, &docID, &corrID, &typ, &stage, &severity, &ev.Code, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.ID = PgtypeToUUID(id)
		ev.JobID = PgtypeToUUID(jobID)
		ev.DocumentID = PgtypeToUUID(docID)
		ev.CorrelationID = PgtypeToUUID(corrID)
		ev.Type = domain.EventType(typ)
		ev.Stage = domain.Stage(stage)
		ev.Severity = domain.Severity(severity)
		ev.Payload = payload
		ev.CreatedAt = PgtypeToTime(createdAt)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
