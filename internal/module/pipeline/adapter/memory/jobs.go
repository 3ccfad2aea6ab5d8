package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// JobStore は domain.JobStore のインメモリ実装です
// ストア全体のミューテックスにより、各操作はアトミックに実行されます
type JobStore struct {
	s *Store
}

var _ domain.JobStore = (*JobStore)(nil)

func (js *JobStore) Create(_ context.Context, params domain.NewJob) (*domain.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	if js.s.activeJob(params.DocumentID, params.Stage) != nil {
		return nil, fmt.Errorf("%w: document=%s stage=%s", domain.ErrDuplicateActiveJob, params.DocumentID, params.Stage)
	}
	return cloneJob(js.s.insertJob(params)), nil
}

func (js *JobStore) CreateInitial(_ context.Context, params domain.NewJob) (*domain.Job, bool, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	for _, id := range js.s.jobOrder {
		if js.s.jobs[id].DocumentID == params.DocumentID {
			return nil, false, nil
		}
	}
	return cloneJob(js.s.insertJob(params)), true, nil
}

func (js *JobStore) Claim(_ context.Context, workerID string) (*domain.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	for {
		job := js.s.nextClaimable()
		if job == nil {
			return nil, nil
		}
		now := js.s.now()

		recovered := job.State == domain.StateWorking
		if recovered {
			job.RetryCount++
			if js.s.policy.Exhausted(job.RetryCount, job.MaxAttempts) {
				jobErr := &domain.JobError{
					Class:      domain.ErrorClassTransient,
					Code:       "stale_claim_exhausted",
					Message:    "worker stopped heartbeating and the retry budget is exhausted",
					OccurredAt: now,
				}
				js.s.deadletter(job, jobErr)
				continue
			}
		}

		job.State = domain.StateWorking
		job.ClaimedBy = ptr(workerID)
		job.ClaimToken = ptr(uuid.New())
		job.ClaimedAt = ptr(now)
		if job.StartedAt == nil {
			job.StartedAt = ptr(now)
		}
		job.UpdatedAt = now

		if recovered {
			js.s.appendEvent(domain.NewEvent(job, domain.EventRetry, domain.SeverityWarning, "stale_claim_recovered",
				map[string]any{"retryCount": job.RetryCount, "workerID": workerID}))
		}
		js.s.appendEvent(domain.NewEvent(job, domain.EventStageStarted, domain.SeverityInfo, "",
			map[string]any{"workerID": workerID, "retryCount": job.RetryCount}))
		return cloneJob(job), nil
	}
}

func (js *JobStore) Heartbeat(_ context.Context, claim domain.Claim) error {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	job, err := js.s.claimedJob(claim)
	if err != nil {
		return err
	}
	now := js.s.now()
	job.ClaimedAt = ptr(now)
	job.UpdatedAt = now
	return nil
}

func (js *JobStore) Complete(_ context.Context, claim domain.Claim, completion domain.Completion) (*domain.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	job, err := js.s.claimedJob(claim)
	if err != nil {
		return nil, err
	}
	now := js.s.now()
	job.State = domain.StateDone
	job.Result = completion.Result
	job.FinishedAt = ptr(now)
	job.UpdatedAt = now
	js.s.appendEvent(domain.NewEvent(job, domain.EventStageDone, domain.SeverityInfo, "", nil))

	next, ok := job.Stage.Next()
	if !ok {
		return cloneJob(job), nil
	}

	doc := js.s.documents[job.DocumentID]
	if next.IsTerminal() {
		if doc != nil {
			doc.Stage = next
			doc.Status = domain.DocumentStatusEmbedded
			doc.UpdatedAt = now
		}
		ev := domain.NewEvent(job, domain.EventFinalized, domain.SeverityInfo, "", nil)
		ev.Stage = next
		js.s.appendEvent(ev)
		return cloneJob(job), nil
	}

	if doc != nil {
		doc.Stage = next
		doc.Status = domain.DocumentStatusProcessing
		doc.UpdatedAt = now
	}

	if js.s.activeJob(job.DocumentID, next) != nil {
		js.s.appendEvent(domain.NewEvent(job, domain.EventError, domain.SeverityWarning, "duplicate_active_job",
			map[string]any{"nextStage": next}))
		return cloneJob(job), nil
	}
	js.s.insertJob(domain.NewJob{
		DocumentID:    job.DocumentID,
		CorrelationID: job.CorrelationID,
		Stage:         next,
		MaxAttempts:   job.MaxAttempts,
		Payload:       completion.NextPayload,
	})
	return cloneJob(job), nil
}

func (js *JobStore) Fail(_ context.Context, claim domain.Claim, jobErr *domain.JobError) (*domain.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	job, err := js.s.claimedJob(claim)
	if err != nil {
		return nil, err
	}
	now := js.s.now()
	job.RetryCount++

	if js.s.policy.FailureOutcome(job.RetryCount, job.MaxAttempts, jobErr.Class) == domain.StateRetryable {
		backoff := js.s.policy.Backoff(job.RetryCount)
		job.State = domain.StateRetryable
		job.LastError = jobErr
		job.AvailableAt = now.Add(backoff)
		job.ClaimedBy = nil
		job.ClaimToken = nil
		job.ClaimedAt = nil
		job.UpdatedAt = now
		js.s.appendEvent(domain.NewEvent(job, domain.EventRetry, domain.SeverityWarning, jobErr.Code, map[string]any{
			"retryCount": job.RetryCount,
			"backoffMs":  backoff.Milliseconds(),
			"message":    jobErr.Message,
		}))
		return cloneJob(job), nil
	}

	js.s.deadletter(job, jobErr)
	return cloneJob(job), nil
}

func (js *JobStore) Defer(_ context.Context, claim domain.Claim, delay time.Duration, code string) (*domain.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	job, err := js.s.claimedJob(claim)
	if err != nil {
		return nil, err
	}
	now := js.s.now()
	job.State = domain.StateRetryable
	job.AvailableAt = now.Add(delay)
	job.ClaimedBy = nil
	job.ClaimToken = nil
	job.ClaimedAt = nil
	job.UpdatedAt = now
	js.s.appendEvent(domain.NewEvent(job, domain.EventRetry, domain.SeverityInfo, code,
		map[string]any{"delayMs": delay.Milliseconds(), "deferred": true}))
	return cloneJob(job), nil
}

func (js *JobStore) Requeue(_ context.Context, documentID uuid.UUID) (*domain.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	latest := js.s.latestJob(documentID)
	if latest == nil {
		return nil, fmt.Errorf("%w: document=%s", domain.ErrJobNotFound, documentID)
	}
	if latest.State != domain.StateDeadletter {
		return nil, fmt.Errorf("%w: document=%s state=%s", domain.ErrNotDeadlettered, documentID, latest.State)
	}

	job := js.s.insertJob(domain.NewJob{
		DocumentID:    latest.DocumentID,
		CorrelationID: latest.CorrelationID,
		Stage:         latest.Stage,
		MaxAttempts:   latest.MaxAttempts,
		Payload:       latest.Payload,
	})
	if doc := js.s.documents[documentID]; doc != nil {
		doc.Status = domain.DocumentStatusProcessing
		doc.UpdatedAt = js.s.now()
	}
	js.s.appendEvent(domain.NewEvent(job, domain.EventRetry, domain.SeverityInfo, "manual_requeue",
		map[string]any{"previousJobID": latest.ID}))
	return cloneJob(job), nil
}

func (js *JobStore) LatestByDocument(_ context.Context, documentID uuid.UUID) (*domain.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	job := js.s.latestJob(documentID)
	if job == nil {
		return nil, fmt.Errorf("%w: document=%s", domain.ErrJobNotFound, documentID)
	}
	return cloneJob(job), nil
}

func (js *JobStore) ListByDocument(_ context.Context, documentID uuid.UUID) ([]*domain.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	out := make([]*domain.Job, 0)
	for _, id := range js.s.jobOrder {
		if job := js.s.jobs[id]; job.DocumentID == documentID {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

// 以下はロック保持中に呼び出します

func (s *Store) insertJob(params domain.NewJob) *domain.Job {
	now := s.now()
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.policy.MaxAttempts
	}
	job := &domain.Job{
		ID:             domain.NewJobID(),
		DocumentID:     params.DocumentID,
		CorrelationID:  params.CorrelationID,
		Stage:          params.Stage,
		State:          domain.StateQueued,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: domain.IdempotencyKey(params.DocumentID, params.Stage),
		AvailableAt:    now,
		Payload:        params.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	return job
}

func (s *Store) activeJob(documentID uuid.UUID, stage domain.Stage) *domain.Job {
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if job.DocumentID == documentID && job.Stage == stage && job.State.IsActive() {
			return job
		}
	}
	return nil
}

func (s *Store) latestJob(documentID uuid.UUID) *domain.Job {
	for i := len(s.jobOrder) - 1; i >= 0; i-- {
		if job := s.jobs[s.jobOrder[i]]; job.DocumentID == documentID {
			return job
		}
	}
	return nil
}

// nextClaimable は available_at が最も早い取得可能なジョブを返します
func (s *Store) nextClaimable() *domain.Job {
	now := s.now()
	var best *domain.Job
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		claimable := false
		switch job.State {
		case domain.StateQueued:
			claimable = true
		case domain.StateRetryable:
			claimable = !job.AvailableAt.After(now)
		case domain.StateWorking:
			claimable = job.ClaimedAt != nil && job.ClaimedAt.Before(now.Add(-s.staleAfter))
		}
		if claimable && (best == nil || job.AvailableAt.Before(best.AvailableAt)) {
			best = job
		}
	}
	return best
}

func (s *Store) claimedJob(claim domain.Claim) (*domain.Job, error) {
	job, ok := s.jobs[claim.JobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, claim.JobID)
	}
	if job.State != domain.StateWorking || job.ClaimToken == nil || *job.ClaimToken != claim.Token {
		return nil, fmt.Errorf("%w: job=%s worker=%s", domain.ErrStaleClaim, claim.JobID, claim.WorkerID)
	}
	return job, nil
}

func (s *Store) deadletter(job *domain.Job, jobErr *domain.JobError) {
	now := s.now()
	job.State = domain.StateDeadletter
	job.LastError = jobErr
	job.ClaimedBy = nil
	job.ClaimToken = nil
	job.ClaimedAt = nil
	job.FinishedAt = ptr(now)
	job.UpdatedAt = now

	if doc := s.documents[job.DocumentID]; doc != nil {
		doc.Status = domain.DocumentStatusFailed
		doc.UpdatedAt = now
	}

	severity := domain.SeverityError
	if jobErr.Class == domain.ErrorClassIntegrity {
		severity = domain.SeverityCritical
	}
	s.appendEvent(domain.NewEvent(job, domain.EventError, severity, jobErr.Code, jobErr))
}
