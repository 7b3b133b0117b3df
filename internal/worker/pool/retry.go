package pool

import (
	"math/rand/v2"
	"time"
)

const (
	// defaultBaseBackoff は指数バックオフの初回遅延。
	defaultBaseBackoff = 5 * time.Second
	// defaultMaxBackoff は指数バックオフの最大遅延。
	defaultMaxBackoff = 10 * time.Minute
	// defaultJitter は遅延に加えるゆらぎの割合（±50%）。
	defaultJitter = 0.5
)

// RetryPolicy はリトライ可能な失敗の再実行までの遅延を決める。
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// random は [0, 1) の乱数を返す。テストで差し替える。
	random func() float64
}

// DefaultRetryPolicy は既定のリトライポリシーを返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: defaultBaseBackoff, Max: defaultMaxBackoff, Jitter: defaultJitter}
}

// Backoff はattempt回目の失敗後の待機時間を返す。
// Base から2倍ずつ増加してMaxで頭打ちになり、±Jitterのゆらぎを加える。
// プロバイダがRetry-Afterを指定している場合はそれより短くしない。
func (p RetryPolicy) Backoff(attempt int, retryAfter time.Duration) time.Duration {
	base, max := p.Base, p.Max
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if max <= 0 {
		max = defaultMaxBackoff
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	if p.Jitter > 0 {
		r := rand.Float64
		if p.random != nil {
			r = p.random
		}
		factor := 1 - p.Jitter + 2*p.Jitter*r()
		delay = time.Duration(float64(delay) * factor)
	}

	if delay < retryAfter {
		delay = retryAfter
	}
	return delay
}
