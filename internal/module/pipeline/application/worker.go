package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	"github.com/panjf2000/ants/v2"
)

// reportTimeout はシャットダウン中でも完了・失敗を報告するための猶予です
const reportTimeout = 5 * time.Second

// WorkerConfig はワーカープールの設定です
type WorkerConfig struct {
	// WorkerID はクレームに記録されるワーカー名の接頭辞
	WorkerID    string
	Concurrency int
	// PollInterval は取得可能なジョブがないときの待機時間
	PollInterval time.Duration
	// StaleAfter はクレームが古くなったとみなされる期間。ハートビートはこの1/3間隔で送ります
	StaleAfter time.Duration
	// StageTimeout は1ステージの処理全体のタイムアウト
	StageTimeout time.Duration
	// DeferDelay は同時処理数の上限に達したジョブを再取得するまでの待機時間
	DeferDelay time.Duration
}

// WorkerPool はジョブをクレームしてステージハンドラに振り分けるポーリングループの集合です
type WorkerPool struct {
	jobs    domain.JobStore
	handler StageHandler
	cfg     WorkerConfig
	log     *slog.Logger
}

// NewWorkerPool は新しいWorkerPoolを作成します
func NewWorkerPool(jobs domain.JobStore, handler StageHandler, cfg WorkerConfig, log *slog.Logger) *WorkerPool {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 2 * time.Minute
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = 5 * time.Second
	}
	return &WorkerPool{jobs: jobs, handler: handler, cfg: cfg, log: log}
}

// Run は ctx がキャンセルされるまで Concurrency 個のポーリングループを実行します
func (w *WorkerPool) Run(ctx context.Context) error {
	pool, err := ants.NewPool(w.cfg.Concurrency, ants.WithPanicHandler(func(p any) {
		w.log.Error("worker loop panicked", "panic", p, "stack", string(debug.Stack()))
	}))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", w.cfg.WorkerID, i)
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			w.loop(ctx, workerID)
		}); err != nil {
			wg.Done()
			return fmt.Errorf("failed to start worker loop: %w", err)
		}
	}

	w.log.Info("ワーカープールを開始しました", "concurrency", w.cfg.Concurrency, "workerID", w.cfg.WorkerID)
	<-ctx.Done()
	wg.Wait()
	w.log.Info("ワーカープールを停止しました")
	return nil
}

func (w *WorkerPool) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.RunOnce(ctx, workerID)
		if err != nil {
			w.log.Error("failed to run job", "workerID", workerID, "error", err)
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce はジョブを1件クレームして処理します。クレームできた場合は true を返します
// ハンドラのエラーはジョブの失敗として記録され、返り値には含まれません
func (w *WorkerPool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := w.jobs.Claim(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	claim, ok := job.Claim()
	if !ok {
		return true, fmt.Errorf("claimed job %s has no claim token", job.ID)
	}

	log := w.log.With(
		"jobID", job.ID,
		"documentID", job.DocumentID,
		"correlationID", job.CorrelationID,
		"stage", job.Stage,
		"workerID", workerID,
	)

	// シャットダウンでは実行中の外部呼び出しを中断しない。止めるのはタイムアウトとクレーム喪失だけ
	stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.StageTimeout)
	defer cancel()

	stopHeartbeat := w.startHeartbeat(stageCtx, claim, cancel, log)
	completion, procErr := w.process(stageCtx, job)
	stopHeartbeat()

	// シャットダウンで ctx がキャンセルされていても結果は報告する
	reportCtx, reportCancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer reportCancel()

	if procErr == nil {
		if _, err := w.jobs.Complete(reportCtx, claim, completion); err != nil {
			return true, w.reportError(log, "complete", err)
		}
		log.Info("stage completed")
		return true, nil
	}

	if errors.Is(procErr, domain.ErrUserQuotaExceeded) {
		if _, err := w.jobs.Defer(reportCtx, claim, w.cfg.DeferDelay, domain.CodeUserQuota); err != nil {
			return true, w.reportError(log, "defer", err)
		}
		log.Info("stage deferred", "reason", procErr.Error())
		return true, nil
	}

	jobErr := domain.NewJobError(procErr, time.Now())
	if jobErr.Class == domain.ErrorClassConcurrency {
		// 再試行回数は消費せずにクレームを手放す。既に別のワーカーが引き継いでいれば何もしない
		log.Error("stage abandoned", "class", jobErr.Class, "code", jobErr.Code, "error", procErr)
		if _, err := w.jobs.Defer(reportCtx, claim, w.cfg.DeferDelay, jobErr.Code); err != nil {
			return true, w.reportError(log, "defer", err)
		}
		return true, nil
	}
	failed, err := w.jobs.Fail(reportCtx, claim, jobErr)
	if err != nil {
		return true, w.reportError(log, "fail", err)
	}

	attrs := []any{"class", jobErr.Class, "code", jobErr.Code, "retryCount", failed.RetryCount, "state", failed.State, "error", procErr}
	if jobErr.Class == domain.ErrorClassIntegrity {
		attrs = append(attrs, "alert", true)
	}
	if failed.State == domain.StateDeadletter {
		log.Error("stage failed permanently", attrs...)
	} else {
		log.Warn("stage failed, will retry", attrs...)
	}
	return true, nil
}

// process はハンドラを実行し、パニックを permanent な handler_panic エラーに変換します
func (w *WorkerPool) process(ctx context.Context, job *domain.Job) (completion domain.Completion, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("stage handler panicked", "jobID", job.ID, "stage", job.Stage, "panic", r, "stack", string(debug.Stack()))
			err = domain.Permanent("handler_panic", fmt.Errorf("panic: %v", r))
		}
	}()
	return w.handler.Process(ctx, job)
}

// startHeartbeat はハンドラの実行中、クレームを定期的に更新します
// クレームを失った場合は処理を中断させます
func (w *WorkerPool) startHeartbeat(ctx context.Context, claim domain.Claim, abort context.CancelFunc, log *slog.Logger) func() {
	interval := w.cfg.StaleAfter / 3
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.jobs.Heartbeat(ctx, claim); err != nil {
					if errors.Is(err, domain.ErrStaleClaim) || errors.Is(err, domain.ErrJobNotFound) {
						log.Warn("claim lost, aborting stage", "error", err)
						abort()
						return
					}
					log.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (w *WorkerPool) reportError(log *slog.Logger, op string, err error) error {
	if errors.Is(err, domain.ErrStaleClaim) || errors.Is(err, domain.ErrJobNotFound) {
		log.Warn("claim no longer valid, result discarded", "op", op, "error", err)
		return nil
	}
	return fmt.Errorf("failed to %s job: %w", op, err)
}
