package domain

import "time"

// RetryPolicy はジョブの再試行予算とバックオフを表します
type RetryPolicy struct {
	// MaxAttempts は再試行予算。失敗回数がこの値に達したジョブはデッドレターになります
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy はデフォルトの再試行ポリシーを返します
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   2 * time.Second,
		MaxDelay:    2 * time.Minute,
	}
}

// Backoff は retryCount 回目の失敗後に待機する時間を返します (base * 2^(retryCount-1), 上限 MaxDelay)
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := p.BaseDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted は retryCount 回失敗したジョブが予算を使い切ったかどうかを返します
func (p RetryPolicy) Exhausted(retryCount, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	return retryCount >= maxAttempts
}

// FailureOutcome は失敗を適用した後のジョブ状態を決定します
// 再試行不可のエラーまたは予算切れの場合はデッドレター、それ以外は retryable です
func (p RetryPolicy) FailureOutcome(retryCount, maxAttempts int, class ErrorClass) State {
	if !class.Retryable() || p.Exhausted(retryCount, maxAttempts) {
		return StateDeadletter
	}
	return StateRetryable
}
