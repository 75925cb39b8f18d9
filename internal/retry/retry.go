// Package retry decides whether a failed task is resubmitted.
package retry

import (
	"context"
	"log/slog"

	"github.com/seantiz/conduit/internal/cond"
	"github.com/seantiz/conduit/internal/model"
)

// defaultConditionBudget is the resubmission budget of a task that has a
// retry condition but no retry count.
const defaultConditionBudget = 1

// Policy evaluates a task's retry configuration. Attempt bookkeeping is the
// caller's: Policy only sees the remaining budget.
type Policy struct {
	eval   cond.Evaluator
	logger *slog.Logger
}

// New creates a policy evaluating retry conditions with eval.
func New(eval cond.Evaluator, logger *slog.Logger) *Policy {
	return &Policy{eval: eval, logger: logger}
}

// Budget returns the number of resubmissions a task may receive.
func Budget(t *model.Task) int {
	switch {
	case t.Retry != nil:
		return max(*t.Retry, 0)
	case t.RetryCondition != nil:
		return defaultConditionBudget
	default:
		return 0
	}
}

// ShouldRetry reports whether t should be resubmitted given remaining
// resubmissions. A retry condition must additionally hold; an evaluation
// error counts as "do not retry".
func (p *Policy) ShouldRetry(ctx context.Context, t *model.Task, remaining int) bool {
	if t.Retry == nil && t.RetryCondition == nil {
		return false
	}
	if remaining <= 0 {
		return false
	}
	if t.RetryCondition == nil {
		return true
	}

	ok, err := p.eval.Evaluate(ctx, t.RetryCondition, t)
	if err != nil {
		p.logger.Warn("retry condition evaluation failed",
			"task_id", t.ID,
			"error", err,
		)
		return false
	}
	return ok
}
