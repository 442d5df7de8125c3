package worker

import (
	"context"
	"fmt"

	"github.com/mtr002/render-queue/internal/interfaces"
	"github.com/mtr002/render-queue/internal/jobs"
)

// JobProcessor executes a claimed job.
type JobProcessor interface {
	Process(ctx context.Context, job *interfaces.Job) (*jobs.Outcome, error)
}

type PrintHandler interface {
	HandlePrint(ctx context.Context, job *interfaces.Job, p *jobs.PrintGenerationPayload) (*jobs.Outcome, error)
}

type PreviewHandler interface {
	HandlePreview(ctx context.Context, job *interfaces.Job, p *jobs.PreviewGenerationPayload) (*jobs.Outcome, error)
}

type ContentHandler interface {
	HandleContent(ctx context.Context, job *interfaces.Job, p *jobs.ContentGenerationPayload) (*jobs.Outcome, error)
}

// Dispatcher routes a job to the handler for its payload type. Every payload
// type has one field here and one case in Process.
type Dispatcher struct {
	Print   PrintHandler
	Preview PreviewHandler
	Content ContentHandler
}

// Process implements JobProcessor
func (d *Dispatcher) Process(ctx context.Context, job *interfaces.Job) (*jobs.Outcome, error) {
	payload, err := jobs.PayloadOf(job)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	switch p := payload.(type) {
	case *jobs.PrintGenerationPayload:
		if d.Print == nil {
			return nil, fmt.Errorf("no handler registered for %s", job.Type)
		}
		return d.Print.HandlePrint(ctx, job, p)

	case *jobs.PreviewGenerationPayload:
		if d.Preview == nil {
			return nil, fmt.Errorf("no handler registered for %s", job.Type)
		}
		return d.Preview.HandlePreview(ctx, job, p)

	case *jobs.ContentGenerationPayload:
		if d.Content == nil {
			return nil, fmt.Errorf("no handler registered for %s", job.Type)
		}
		return d.Content.HandleContent(ctx, job, p)

	default:
		return nil, fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// ProcessorFunc adapts a function to JobProcessor.
type ProcessorFunc func(ctx context.Context, job *interfaces.Job) (*jobs.Outcome, error)

func (f ProcessorFunc) Process(ctx context.Context, job *interfaces.Job) (*jobs.Outcome, error) {
	return f(ctx, job)
}
