package render

import (
	"errors"
	"fmt"
	"time"
)

// ServiceError is a failed call to the renderer or a work unit that reached
// the error stage. StatusCode is zero for transport failures and stage errors.
type ServiceError struct {
	Op         string
	StatusCode int
	WorkID     string
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("render service %s failed with status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.WorkID != "":
		return fmt.Sprintf("render work %s failed: %s", e.WorkID, e.Message)
	default:
		return fmt.Sprintf("render service %s failed: %s", e.Op, e.Message)
	}
}

func (e *ServiceError) Unwrap() error { return e.Err }

// TimeoutError means the work unit did not reach a terminal stage within the
// polling ceiling.
type TimeoutError struct {
	WorkID string
	After  time.Duration
	Last   *Progress
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("render work %s timed out after %s (last stage %s, %.0f%%)",
			e.WorkID, e.After, e.Last.Stage, e.Last.Percent)
	}
	return fmt.Sprintf("render work %s timed out after %s", e.WorkID, e.After)
}

func IsServiceError(err error) bool {
	var e *ServiceError
	return errors.As(err, &e)
}

func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}
