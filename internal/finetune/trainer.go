package finetune

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

// ProgressFunc persists one progress report. A non-nil error tells the
// trainer to stop.
type ProgressFunc func(models.JobProgress) error

type TrainingInput struct {
	Job       *models.FineTuningJob
	BaseModel *models.LLMModel
}

type TrainingResult struct {
	Steps         int
	FinalLoss     float64
	FinalAccuracy float64
}

// Trainer runs one training job. Implementations must report progress
// after every increment and check ctx between increments.
type Trainer interface {
	Train(ctx context.Context, in TrainingInput, report ProgressFunc) (TrainingResult, error)
}

// SimulatedTrainer walks a fixed number of steps with a synthetic loss
// curve falling from 1.0 and accuracy rising from 0.5.
type SimulatedTrainer struct {
	Steps        int
	StepDuration time.Duration
}

func (t SimulatedTrainer) Train(ctx context.Context, _ TrainingInput, report ProgressFunc) (TrainingResult, error) {
	steps := t.Steps
	if steps <= 0 {
		steps = 10
	}

	var res TrainingResult
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		frac := float64(step) / float64(steps)
		res = TrainingResult{
			Steps:         step + 1,
			FinalLoss:     1.0 - frac*0.7,
			FinalAccuracy: 0.5 + frac*0.4,
		}
		err := report(models.JobProgress{
			CurrentStep: step + 1,
			TotalSteps:  steps,
			Loss:        res.FinalLoss,
			Accuracy:    res.FinalAccuracy,
			Fraction:    float64(step+1) / float64(steps),
		})
		if err != nil {
			return res, fmt.Errorf("reporting step %d: %w", step+1, err)
		}

		if t.StepDuration > 0 {
			timer := time.NewTimer(t.StepDuration)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return res, nil
}
