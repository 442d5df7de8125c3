package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/logger"
)

// Client publishes wake hints and job events. It satisfies jobs.Notifier and
// jobs.EventSink so the manager can fan out without knowing about NATS.
type Client struct {
	conn   *nats.Conn
	source string
}

var (
	_ jobs.Notifier  = (*Client)(nil)
	_ jobs.EventSink = (*Client)(nil)
)

func NewClient(url, source string) (*Client, error) {
	conn, err := connect(url, source)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, source: source}, nil
}

func connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// PublishWake tells every subscribed worker to poll now.
func (c *Client) PublishWake() error {
	data, err := json.Marshal(&WakeMessage{Source: c.source, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal wake message: %w", err)
	}

	if err := c.conn.Publish(WakeSubject, data); err != nil {
		return fmt.Errorf("failed to publish wake: %w", err)
	}

	return nil
}

// Notify implements jobs.Notifier. Delivery is best effort since workers
// also poll on an interval.
func (c *Client) Notify() {
	if err := c.PublishWake(); err != nil {
		logger.Logger.Warn().Err(err).Msg("Failed to publish wake")
	}
}

// Publish implements jobs.EventSink
func (c *Client) Publish(ev jobs.Event) {
	data, err := json.Marshal(&JobEventMessage{Source: c.source, Event: ev})
	if err != nil {
		logger.Logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("Failed to marshal job event")
		return
	}

	if err := c.conn.Publish(EventSubject, data); err != nil {
		logger.Logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("Failed to publish job event")
	}
}

func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Drain()
	}
}
