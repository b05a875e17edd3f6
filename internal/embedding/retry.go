package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/metrics"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/pkg/utils"
)

// RetryState is a state of one retried call.
type RetryState int

const (
	StateAttempt RetryState = iota
	StateBackoff
	StateSucceeded
	StateFailed
)

func (s RetryState) String() string {
	switch s {
	case StateAttempt:
		return "attempt"
	case StateBackoff:
		return "backoff"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RetryPolicy bounds a retried call.
type RetryPolicy struct {
	MaxAttempts   int
	InitialWait   time.Duration
	MaxWait       time.Duration
	JitterPercent uint64
}

// DefaultRetryPolicy is 6 attempts, exponential from 1s with 50% jitter, capped at 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 6, InitialWait: time.Second, MaxWait: time.Minute, JitterPercent: 50}
}

// Transition is reported to a state hook each time the machine changes state.
type Transition struct {
	From    RetryState
	To      RetryState
	Attempt int
	Wait    time.Duration
	Err     error
}

// Retrier runs a call through the Attempt, Backoff, Succeeded and Failed states.
// Only errors matching models.ErrTransientExternal are retried.
type Retrier struct {
	policy  RetryPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	hook    func(Transition)
}

// RetryOption configures a Retrier.
type RetryOption func(*Retrier)

// WithRetryLogger sets the logger used for retry and give-up events.
func WithRetryLogger(l *zap.Logger) RetryOption {
	return func(r *Retrier) { r.logger = utils.OrNop(l) }
}

// WithRetryMetrics counts retries on m.
func WithRetryMetrics(m *metrics.Metrics) RetryOption {
	return func(r *Retrier) { r.metrics = m }
}

// WithSleep replaces the context-aware sleep used in the Backoff state.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithStateHook observes every state transition.
func WithStateHook(fn func(Transition)) RetryOption {
	return func(r *Retrier) { r.hook = fn }
}

// NewRetrier creates a Retrier. Zero policy fields take the defaults.
func NewRetrier(policy RetryPolicy, opts ...RetryOption) *Retrier {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialWait <= 0 {
		policy.InitialWait = def.InitialWait
	}
	if policy.MaxWait <= 0 {
		policy.MaxWait = def.MaxWait
	}
	if policy.MaxWait < policy.InitialWait {
		policy.MaxWait = policy.InitialWait
	}
	r := &Retrier{policy: policy, logger: zap.NewNop(), sleep: sleepContext}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retrier) backoff() retry.Backoff {
	b := retry.NewExponential(r.policy.InitialWait)
	if r.policy.JitterPercent > 0 {
		b = retry.WithJitterPercent(r.policy.JitterPercent, b)
	}
	return retry.WithCappedDuration(r.policy.MaxWait, b)
}

// Do calls fn until it succeeds, fails permanently, the context ends, or the attempt
// budget is spent. Exhaustion returns *models.EmbeddingUnavailableError carrying the
// last cause.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var (
		state   = StateAttempt
		attempt int
		wait    time.Duration
		lastErr error
		b       = r.backoff()
	)
	move := func(to RetryState) {
		if r.hook != nil {
			r.hook(Transition{From: state, To: to, Attempt: attempt, Wait: wait, Err: lastErr})
		}
		state = to
	}

	for {
		switch state {
		case StateAttempt:
			attempt++
			lastErr = fn(ctx)
			switch {
			case lastErr == nil:
				move(StateSucceeded)
			case !retryable(lastErr) || attempt >= r.policy.MaxAttempts:
				move(StateFailed)
			default:
				wait, _ = b.Next()
				move(StateBackoff)
			}

		case StateBackoff:
			r.metrics.EmbeddingRetry()
			r.logger.Debug("retrying embedding call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(lastErr))
			if err := r.sleep(ctx, wait); err != nil {
				return fmt.Errorf("%s: retry aborted after %d attempts: %w", op, attempt, err)
			}
			move(StateAttempt)

		case StateSucceeded:
			return nil

		case StateFailed:
			if !retryable(lastErr) {
				return lastErr
			}
			r.logger.Warn("embedding call gave up",
				zap.String("op", op),
				zap.Int("attempts", attempt),
				zap.Error(lastErr))
			return &models.EmbeddingUnavailableError{Attempts: attempt, Err: lastErr}
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, models.ErrTransientExternal)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
