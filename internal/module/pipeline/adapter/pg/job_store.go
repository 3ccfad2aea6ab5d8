package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	"github.com/jinford/docpipe/internal/platform/database"
)

const jobColumns = `id, document_id, correlation_id, stage, state, retry_count, max_attempts, idempotency_key,
	claimed_by, claim_token, claimed_at, available_at, started_at, finished_at, last_error, payload, result,
	created_at, updated_at`

// JobStore はジョブのライフサイクルを管理する永続化アダプターです
// 各操作は単一のトランザクションで実行され、遷移と同じトランザクションでイベントを記録します
type JobStore struct {
	db         database.DBTX
	policy     domain.RetryPolicy
	staleAfter time.Duration
}

// NewJobStore は新しいジョブストアを作成します
// staleAfter はクレーム時刻がこの時間更新されていない working ジョブを再取得可能とみなす期間です
func NewJobStore(db database.DBTX, policy domain.RetryPolicy, staleAfter time.Duration) *JobStore {
	return &JobStore{db: db, policy: policy, staleAfter: staleAfter}
}

var _ domain.JobStore = (*JobStore)(nil)

// Create は queued ジョブを作成します
// (document, stage) にアクティブなジョブが存在する場合は部分ユニークインデックスにより ErrDuplicateActiveJob になります
func (s *JobStore) Create(ctx context.Context, params domain.NewJob) (*domain.Job, error) {
	job, err := insertJob(ctx, s.db, s.newJobParams(params))
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: document=%s stage=%s", domain.ErrDuplicateActiveJob, params.DocumentID, params.Stage)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// CreateInitial はドキュメントにジョブが1件も存在しない場合のみ最初のジョブを作成します
// 同じドキュメントの受領確認が並行しても、アドバイザリロックで直列化されます
func (s *JobStore) CreateInitial(ctx context.Context, params domain.NewJob) (*domain.Job, bool, error) {
	type result struct {
		job     *domain.Job
		created bool
	}

	res, err := database.Transact(ctx, s.db, func(tx pgx.Tx) (result, error) {
		if err := database.AcquireXactLock(ctx, tx, database.GenerateLockID("intake", params.DocumentID.String())); err != nil {
			return result{}, err
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE document_id = $1)`, UUIDToPgtype(params.DocumentID),
		).Scan(&exists); err != nil {
			return result{}, fmt.Errorf("failed to check existing jobs: %w", err)
		}
		if exists {
			return result{}, nil
		}

		job, err := insertJob(ctx, tx, s.newJobParams(params))
		if err != nil {
			return result{}, fmt.Errorf("failed to create initial job: %w", err)
		}
		return result{job: job, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return res.job, res.created, nil
}

// Claim は取得可能なジョブを1件アトミックに取得します
// 対象は queued、available_at を過ぎた retryable、およびクレームが古くなった working です
// FOR UPDATE SKIP LOCKED により、並行するワーカーが同じジョブを取得することはありません
func (s *JobStore) Claim(ctx context.Context, workerID string) (*domain.Job, error) {
	job, err := database.Transact(ctx, s.db, func(tx pgx.Tx) (*domain.Job, error) {
		for {
			var (
				id                      pgtype.UUID
				state                   string
				retryCount, maxAttempts int32
			)
			err := tx.QueryRow(ctx,
				`SELECT id, state, retry_count, max_attempts FROM jobs
				 WHERE state = 'queued'
				    OR (state = 'retryable' AND available_at <= now())
				    OR (state = 'working' AND claimed_at < now() - make_interval(secs => $1))
				 ORDER BY available_at, created_at
				 LIMIT 1
				 FOR UPDATE SKIP LOCKED`,
				s.staleAfter.Seconds(),
			).Scan(&id, &state, &retryCount, &maxAttempts)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil, nil
				}
				return nil, fmt.Errorf("failed to select claimable job: %w", err)
			}

			recovered := domain.State(state) == domain.StateWorking
			nextRetry := int(retryCount)
			if recovered {
				// ワーカーが応答しなくなったジョブ。1回の失敗として数える
				nextRetry++
				if s.policy.Exhausted(nextRetry, int(maxAttempts)) {
					if err := s.deadletterAbandoned(ctx, tx, id, nextRetry); err != nil {
						return nil, err
					}
					continue
				}
			}

			row := tx.QueryRow(ctx,
				`UPDATE jobs SET
					state = 'working',
					retry_count = $2,
					claimed_by = $3,
					claim_token = $4,
					claimed_at = now(),
					started_at = COALESCE(started_at, now()),
					updated_at = now()
				 WHERE id = $1
				 RETURNING `+jobColumns,
				id, nextRetry, workerID, UUIDToPgtype(uuid.New()),
			)
			job, err := scanJob(row)
			if err != nil {
				return nil, fmt.Errorf("failed to claim job: %w", err)
			}

			if recovered {
				ev := domain.NewEvent(job, domain.EventRetry, domain.SeverityWarning, "stale_claim_recovered",
					map[string]any{"retryCount": job.RetryCount, "workerID": workerID})
				if err := appendEvent(ctx, tx, ev); err != nil {
					return nil, err
				}
			}
			ev := domain.NewEvent(job, domain.EventStageStarted, domain.SeverityInfo, "",
				map[string]any{"workerID": workerID, "retryCount": job.RetryCount})
			if err := appendEvent(ctx, tx, ev); err != nil {
				return nil, err
			}
			return job, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// deadletterAbandoned は予算を使い切った放棄ジョブをデッドレターにします
func (s *JobStore) deadletterAbandoned(ctx context.Context, tx pgx.Tx, id pgtype.UUID, retryCount int) error {
	jobErr := &domain.JobError{
		Class:      domain.ErrorClassTransient,
		Code:       "stale_claim_exhausted",
		Message:    "worker stopped heartbeating and the retry budget is exhausted",
		OccurredAt: time.Now(),
	}
	lastError, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("failed to marshal job error: %w", err)
	}

	row := tx.QueryRow(ctx,
		`UPDATE jobs SET
			state = 'deadletter',
			retry_count = $2,
			last_error = $3,
			claimed_by = NULL,
			claim_token = NULL,
			claimed_at = NULL,
			finished_at = now(),
			updated_at = now()
		 WHERE id = $1
		 RETURNING `+jobColumns,
		id, retryCount, lastError,
	)
	job, err := scanJob(row)
	if err != nil {
		return fmt.Errorf("failed to deadletter abandoned job: %w", err)
	}

	if err := markDocumentFailed(ctx, tx, job.DocumentID); err != nil {
		return err
	}
	return appendEvent(ctx, tx, domain.NewEvent(job, domain.EventError, domain.SeverityError, jobErr.Code, jobErr))
}

// Heartbeat は現在のクレーム保持者のクレーム時刻を更新します
func (s *JobStore) Heartbeat(ctx context.Context, claim domain.Claim) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET claimed_at = now(), updated_at = now()
		 WHERE id = $1 AND claim_token = $2 AND state = 'working'`,
		UUIDToPgtype(claim.JobID), UUIDToPgtype(claim.Token),
	)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job=%s", domain.ErrStaleClaim, claim.JobID)
	}
	return nil
}

// Complete はジョブを done にし、同じトランザクションでドキュメントのステージを進めて後続ジョブを作成します
// 後続ステージが embedded の場合はドキュメントを確定させます
func (s *JobStore) Complete(ctx context.Context, claim domain.Claim, completion domain.Completion) (*domain.Job, error) {
	return database.Transact(ctx, s.db, func(tx pgx.Tx) (*domain.Job, error) {
		row := tx.QueryRow(ctx,
			`UPDATE jobs SET
				state = 'done',
				result = $3,
				finished_at = now(),
				updated_at = now()
			 WHERE id = $1 AND claim_token = $2 AND state = 'working'
			 RETURNING `+jobColumns,
			UUIDToPgtype(claim.JobID), UUIDToPgtype(claim.Token), []byte(completion.Result),
		)
		job, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, s.claimError(ctx, tx, claim)
			}
			return nil, fmt.Errorf("failed to complete job: %w", err)
		}

		if err := appendEvent(ctx, tx, domain.NewEvent(job, domain.EventStageDone, domain.SeverityInfo, "", nil)); err != nil {
			return nil, err
		}

		next, ok := job.Stage.Next()
		if !ok {
			return job, nil
		}

		if next.IsTerminal() {
			if _, err := tx.Exec(ctx,
				`UPDATE documents SET stage = $2, status = $3, updated_at = now() WHERE id = $1`,
				UUIDToPgtype(job.DocumentID), string(next), string(domain.DocumentStatusEmbedded),
			); err != nil {
				return nil, fmt.Errorf("failed to finalize document: %w", err)
			}
			ev := domain.NewEvent(job, domain.EventFinalized, domain.SeverityInfo, "", nil)
			ev.Stage = next
			if err := appendEvent(ctx, tx, ev); err != nil {
				return nil, err
			}
			return job, nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE documents SET stage = $2, status = $3, updated_at = now() WHERE id = $1`,
			UUIDToPgtype(job.DocumentID), string(next), string(domain.DocumentStatusProcessing),
		); err != nil {
			return nil, fmt.Errorf("failed to advance document stage: %w", err)
		}

		params := s.newJobParams(domain.NewJob{
			DocumentID:    job.DocumentID,
			CorrelationID: job.CorrelationID,
			Stage:         next,
			MaxAttempts:   job.MaxAttempts,
			Payload:       completion.NextPayload,
		})
		created, err := insertJobIfAbsent(ctx, tx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to create next job: %w", err)
		}
		if !created {
			// 別のアクターが既に後続ジョブを作成している
			ev := domain.NewEvent(job, domain.EventError, domain.SeverityWarning, "duplicate_active_job",
				map[string]any{"nextStage": next})
			if err := appendEvent(ctx, tx, ev); err != nil {
				return nil, err
			}
		}
		return job, nil
	})
}

// Fail は再試行回数を加算し、retryable またはデッドレターにします
func (s *JobStore) Fail(ctx context.Context, claim domain.Claim, jobErr *domain.JobError) (*domain.Job, error) {
	return database.Transact(ctx, s.db, func(tx pgx.Tx) (*domain.Job, error) {
		current, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND claim_token = $2 AND state = 'working' FOR UPDATE`,
			UUIDToPgtype(claim.JobID), UUIDToPgtype(claim.Token),
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, s.claimError(ctx, tx, claim)
			}
			return nil, fmt.Errorf("failed to load job: %w", err)
		}

		lastError, err := json.Marshal(jobErr)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job error: %w", err)
		}

		retryCount := current.RetryCount + 1
		outcome := s.policy.FailureOutcome(retryCount, current.MaxAttempts, jobErr.Class)

		if outcome == domain.StateRetryable {
			backoff := s.policy.Backoff(retryCount)
			job, err := scanJob(tx.QueryRow(ctx,
				`UPDATE jobs SET
					state = 'retryable',
					retry_count = $2,
					last_error = $3,
					available_at = now() + make_interval(secs => $4),
					claimed_by = NULL,
					claim_token = NULL,
					claimed_at = NULL,
					updated_at = now()
				 WHERE id = $1
				 RETURNING `+jobColumns,
				UUIDToPgtype(current.ID), retryCount, lastError, backoff.Seconds(),
			))
			if err != nil {
				return nil, fmt.Errorf("failed to mark job retryable: %w", err)
			}
			ev := domain.NewEvent(job, domain.EventRetry, domain.SeverityWarning, jobErr.Code, map[string]any{
				"retryCount": retryCount,
				"backoffMs":  backoff.Milliseconds(),
				"message":    jobErr.Message,
			})
			if err := appendEvent(ctx, tx, ev); err != nil {
				return nil, err
			}
			return job, nil
		}

		job, err := scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET
				state = 'deadletter',
				retry_count = $2,
				last_error = $3,
				claimed_by = NULL,
				claim_token = NULL,
				claimed_at = NULL,
				finished_at = now(),
				updated_at = now()
			 WHERE id = $1
			 RETURNING `+jobColumns,
			UUIDToPgtype(current.ID), retryCount, lastError,
		))
		if err != nil {
			return nil, fmt.Errorf("failed to deadletter job: %w", err)
		}
		if err := markDocumentFailed(ctx, tx, job.DocumentID); err != nil {
			return nil, err
		}
		ev := domain.NewEvent(job, domain.EventError, severityFor(jobErr.Class), jobErr.Code, jobErr)
		if err := appendEvent(ctx, tx, ev); err != nil {
			return nil, err
		}
		return job, nil
	})
}

// Defer はクレームを手放し、再試行回数を消費せずに delay 後まで retryable にします
func (s *JobStore) Defer(ctx context.Context, claim domain.Claim, delay time.Duration, code string) (*domain.Job, error) {
	return database.Transact(ctx, s.db, func(tx pgx.Tx) (*domain.Job, error) {
		job, err := scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET
				state = 'retryable',
				available_at = now() + make_interval(secs => $3),
				claimed_by = NULL,
				claim_token = NULL,
				claimed_at = NULL,
				updated_at = now()
			 WHERE id = $1 AND claim_token = $2 AND state = 'working'
			 RETURNING `+jobColumns,
			UUIDToPgtype(claim.JobID), UUIDToPgtype(claim.Token), delay.Seconds(),
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, s.claimError(ctx, tx, claim)
			}
			return nil, fmt.Errorf("failed to defer job: %w", err)
		}
		ev := domain.NewEvent(job, domain.EventRetry, domain.SeverityInfo, code,
			map[string]any{"delayMs": delay.Milliseconds(), "deferred": true})
		if err := appendEvent(ctx, tx, ev); err != nil {
			return nil, err
		}
		return job, nil
	})
}

// Requeue はデッドレターになったジョブを同じステージの新しい queued ジョブとして再投入します
func (s *JobStore) Requeue(ctx context.Context, documentID uuid.UUID) (*domain.Job, error) {
	return database.Transact(ctx, s.db, func(tx pgx.Tx) (*domain.Job, error) {
		latest, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE document_id = $1 ORDER BY created_at DESC, id LIMIT 1 FOR UPDATE`,
			UUIDToPgtype(documentID),
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: document=%s", domain.ErrJobNotFound, documentID)
			}
			return nil, fmt.Errorf("failed to load latest job: %w", err)
		}
		if latest.State != domain.StateDeadletter {
			return nil, fmt.Errorf("%w: document=%s state=%s", domain.ErrNotDeadlettered, documentID, latest.State)
		}

		job, err := insertJob(ctx, tx, s.newJobParams(domain.NewJob{
			DocumentID:    latest.DocumentID,
			CorrelationID: latest.CorrelationID,
			Stage:         latest.Stage,
			MaxAttempts:   latest.MaxAttempts,
			Payload:       latest.Payload,
		}))
		if err != nil {
			if IsUniqueViolation(err) {
				return nil, fmt.Errorf("%w: document=%s stage=%s", domain.ErrDuplicateActiveJob, documentID, latest.Stage)
			}
			return nil, fmt.Errorf("failed to requeue job: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE documents SET status = $2, updated_at = now() WHERE id = $1`,
			UUIDToPgtype(documentID), string(domain.DocumentStatusProcessing),
		); err != nil {
			return nil, fmt.Errorf("failed to reopen document: %w", err)
		}

		ev := domain.NewEvent(job, domain.EventRetry, domain.SeverityInfo, "manual_requeue",
			map[string]any{"previousJobID": latest.ID})
		if err := appendEvent(ctx, tx, ev); err != nil {
			return nil, err
		}
		return job, nil
	})
}

// LatestByDocument はドキュメントの最新のジョブを返します
func (s *JobStore) LatestByDocument(ctx context.Context, documentID uuid.UUID) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE document_id = $1 ORDER BY created_at DESC, id LIMIT 1`,
		UUIDToPgtype(documentID),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: document=%s", domain.ErrJobNotFound, documentID)
		}
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	return job, nil
}

// ListByDocument はドキュメントの全ジョブを作成順に返します
func (s *JobStore) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE document_id = $1 ORDER BY created_at, id`,
		UUIDToPgtype(documentID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// claimError はクレームが無効な理由を判定します
func (s *JobStore) claimError(ctx context.Context, tx pgx.Tx, claim domain.Claim) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, UUIDToPgtype(claim.JobID)).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, claim.JobID)
	}
	return fmt.Errorf("%w: job=%s worker=%s", domain.ErrStaleClaim, claim.JobID, claim.WorkerID)
}

type jobInsertParams struct {
	ID             uuid.UUID
	DocumentID     uuid.UUID
	CorrelationID  uuid.UUID
	Stage          domain.Stage
	MaxAttempts    int
	IdempotencyKey string
	Payload        json.RawMessage
}

func (s *JobStore) newJobParams(p domain.NewJob) jobInsertParams {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.policy.MaxAttempts
	}
	return jobInsertParams{
		ID:             domain.NewJobID(),
		DocumentID:     p.DocumentID,
		CorrelationID:  p.CorrelationID,
		Stage:          p.Stage,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: domain.IdempotencyKey(p.DocumentID, p.Stage),
		Payload:        p.Payload,
	}
}

const insertJobSQL = `INSERT INTO jobs (id, document_id, correlation_id, stage, state, max_attempts, idempotency_key, payload)
	VALUES ($1, $2, $3, $4, 'queued', $5, $6, $7)`

func insertJob(ctx context.Context, db database.DBTX, p jobInsertParams) (*domain.Job, error) {
	return scanJob(db.QueryRow(ctx, insertJobSQL+` RETURNING `+jobColumns,
		UUIDToPgtype(p.ID), UUIDToPgtype(p.DocumentID), UUIDToPgtype(p.CorrelationID),
		string(p.Stage), p.MaxAttempts, p.IdempotencyKey, []byte(p.Payload),
	))
}

// insertJobIfAbsent はアクティブなジョブが既に存在する場合は何もしません
// トランザクションを中断させないため ON CONFLICT DO NOTHING を使います
func insertJobIfAbsent(ctx context.Context, tx pgx.Tx, p jobInsertParams) (bool, error) {
	tag, err := tx.Exec(ctx, insertJobSQL+` ON CONFLICT DO NOTHING`,
		UUIDToPgtype(p.ID), UUIDToPgtype(p.DocumentID), UUIDToPgtype(p.CorrelationID),
		string(p.Stage), p.MaxAttempts, p.IdempotencyKey, []byte(p.Payload),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func markDocumentFailed(ctx context.Context, tx pgx.Tx, documentID uuid.UUID) error {
	if _, err := tx.Exec(ctx,
		`UPDATE documents SET status = $2, updated_at = now() WHERE id = $1`,
		UUIDToPgtype(documentID), string(domain.DocumentStatusFailed),
	); err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	return nil
}

// severityFor はデッドレター時のイベントの深刻度を返します
func severityFor(class domain.ErrorClass) domain.Severity {
	if class == domain.ErrorClassIntegrity {
		return domain.SeverityCritical
	}
	return domain.SeverityError
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job                               domain.Job
		id, docID, corrID, claimToken     pgtype.UUID
		stage, state                      string
		retryCount, maxAttempts           int32
		claimedBy                         pgtype.Text
		claimedAt, availableAt, startedAt pgtype.Timestamptz
		finishedAt, createdAt, updatedAt  pgtype.Timestamptz
		lastError, payload, result        []byte
	)
	if err := row.Scan(
		&id, &docID, &corrID, &stage, &state, &retryCount, &maxAttempts, &job.IdempotencyKey,
		&claimedBy, &claimToken, &claimedAt, &availableAt, &startedAt, &finishedAt, &lastError, &payload, &result,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	job.ID = PgtypeToUUID(id)
	job.DocumentID = PgtypeToUUID(docID)
	job.CorrelationID = PgtypeToUUID(corrID)
	job.Stage = domain.Stage(stage)
	job.State = domain.State(state)
	job.RetryCount = int(retryCount)
	job.MaxAttempts = int(maxAttempts)
	job.ClaimedBy = PgtextToStringPtr(claimedBy)
	job.ClaimToken = PgtypeToUUIDPtr(claimToken)
	job.ClaimedAt = PgtypeToTimePtr(claimedAt)
	job.AvailableAt = PgtypeToTime(availableAt)
	job.StartedAt = PgtypeToTimePtr(startedAt)
	job.FinishedAt = PgtypeToTimePtr(finishedAt)
	job.Payload = payload
	job.Result = result
	job.CreatedAt = PgtypeToTime(createdAt)
	job.UpdatedAt = PgtypeToTime(updatedAt)

	if len(lastError) > 0 {
		var je domain.JobError
		if err := json.Unmarshal(lastError, &je); err != nil {
			return nil, fmt.Errorf("failed to decode last_error: %w", err)
		}
		job.LastError = &je
	}
	return &job, nil
}
