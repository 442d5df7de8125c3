package jobs

import (
	"time"

	"github.com/mtr002/render-queue/internal/interfaces"
)

// Event is emitted on every job status change.
type Event struct {
	JobID  string               `json:"job_id"`
	Type   interfaces.JobType   `json:"type"`
	Status interfaces.JobStatus `json:"status"`
	Error  string               `json:"error,omitempty"`
	At     time.Time            `json:"at"`
}

// EventSink receives job events. Implementations must not block.
type EventSink interface {
	Publish(ev Event)
}

// Notifier wakes idle dispatchers after new work becomes eligible.
type Notifier interface {
	Notify()
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

type nopNotifier struct{}

func (nopNotifier) Notify() {}

// MultiSink fans an event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func()

func (f NotifierFunc) Notify() { f() }

func eventFor(job *interfaces.Job, status interfaces.JobStatus, errText string, at time.Time) Event {
	return Event{JobID: job.ID, Type: job.Type, Status: status, Error: errText, At: at}
}

// Outcome is what a handler hands back on success. Warning is stored as the
// job error of a completed job, e.g. the books that failed in a partial batch.
type Outcome struct {
	Result  interface{}
	Warning string
}
