package render

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mtr002/render-queue/internal/metrics"
)

var errNotDone = errors.New("render work not done")

// Wait polls the progress of sub every PollInterval until it reaches a
// terminal stage. The error stage returns a ServiceError at once; running
// past PollTimeout returns a TimeoutError.
func (c *Client) Wait(ctx context.Context, sub *Submission, onProgress func(Progress)) (*Progress, error) {
	start := time.Now()
	defer func() {
		metrics.RenderWaitDuration.Observe(time.Since(start).Seconds())
	}()

	backoff := retry.WithMaxDuration(c.cfg.PollTimeout, retry.NewConstant(c.cfg.PollInterval))

	var last *Progress
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := c.Progress(ctx, sub)
		if err != nil {
			return err
		}
		last = p
		if onProgress != nil {
			onProgress(*p)
		}

		switch p.Stage {
		case StageDone:
			return nil
		case StageError:
			return &ServiceError{Op: "progress", WorkID: sub.WorkID, Message: p.Message}
		default:
			return retry.RetryableError(errNotDone)
		}
	})

	switch {
	case err == nil:
		return last, nil
	case errors.Is(err, errNotDone):
		return last, &TimeoutError{WorkID: sub.WorkID, After: time.Since(start).Round(time.Second), Last: last}
	default:
		return last, err
	}
}
