package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vivavoce/internal/domain"
	"vivavoce/internal/ports"
)

const (
	fallbackScore    = 75
	fallbackCategory = "yellow"
)

type sessionFinalizer struct {
	evaluator ports.Evaluator
	events    ports.EventSink
	timeout   time.Duration
	logger    *slog.Logger
}

func newSessionFinalizer(evaluator ports.Evaluator, events ports.EventSink, timeout time.Duration, logger *slog.Logger) sessionFinalizer {
	return sessionFinalizer{evaluator: evaluator, events: events, timeout: timeout, logger: logger}
}

// Finalize requests the evaluation for an initialized session, or builds a
// local placeholder when there is nothing the evaluator could score.
func (f sessionFinalizer) Finalize(ctx context.Context, handle domain.SessionHandle) *domain.Evaluation {
	if handle == "" {
		return fallbackEvaluation("The assessment ended before the conversation was set up, so it could not be evaluated.")
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	evaluation, err := f.evaluator.Evaluate(ctx, handle)
	if err != nil {
		f.logger.Warn("session evaluation failed", "handle", string(handle), "error", err)
		f.events.SessionError(domain.ErrorCodeEvaluation, err.Error())
		return fallbackEvaluation(fmt.Sprintf("The conversation was recorded but could not be evaluated: %v", err))
	}
	return &evaluation
}

func fallbackEvaluation(feedback string) *domain.Evaluation {
	return &domain.Evaluation{
		Score:       fallbackScore,
		Category:    fallbackCategory,
		Feedback:    feedback,
		Unevaluated: true,
	}
}
