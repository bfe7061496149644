package finetune

import "errors"

var (
	ErrJobValidation     = errors.New("invalid fine-tuning job")
	ErrJobNotFound       = errors.New("fine-tuning job not found")
	ErrJobNotCancellable = errors.New("fine-tuning job cannot be cancelled")
	ErrJobRuntime        = errors.New("fine-tuning job failed")

	// errJobStopped is returned to a trainer whose job left the running state.
	errJobStopped = errors.New("job is no longer running")
)
