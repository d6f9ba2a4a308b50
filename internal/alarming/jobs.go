package alarming

import (
	"context"
	"errors"
	"fmt"

	"github.com/smukkama/weather-alerts/internal/models"
	"github.com/smukkama/weather-alerts/internal/queue"
)

// HandleJob runs one queued evaluation job. Errors that a retry cannot fix
// are marked permanent so the queue fails the job immediately.
func (e *Engine) HandleJob(ctx context.Context, job *queue.Job) error {
	switch job.Kind {
	case queue.KindEvaluateAll:
		_, err := e.EvaluateAll(ctx)
		return err

	case queue.KindEvaluateOne:
		if job.AlertID == "" {
			return queue.Permanent(errors.New("evaluate job without alert id"))
		}
		_, err := e.EvaluateOne(ctx, job.AlertID)
		if errors.Is(err, models.ErrAlertNotFound) || errors.Is(err, ErrConfiguration) {
			return queue.Permanent(err)
		}
		return err

	default:
		return queue.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}
}
