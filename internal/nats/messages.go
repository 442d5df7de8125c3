package nats

import (
	"time"

	"github.com/mtr002/render-queue/internal/jobs"
)

const (
	// WakeSubject carries a hint that a job became eligible to run.
	WakeSubject = "jobs.wake"
	// EventSubject carries job status changes.
	EventSubject = "jobs.events"
)

type WakeMessage struct {
	Source string    `json:"source"`
	SentAt time.Time `json:"sent_at"`
}

type JobEventMessage struct {
	Source string     `json:"source"`
	Event  jobs.Event `json:"event"`
}
