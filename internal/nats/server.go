package nats

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/logger"
)

// Server subscribes to the queue subjects and hands messages to callbacks.
type Server struct {
	conn *nats.Conn
	subs []*nats.Subscription
}

func NewServer(url, name string) (*Server, error) {
	conn, err := connect(url, name)
	if err != nil {
		return nil, err
	}
	return &Server{conn: conn}, nil
}

// SubscribeWake calls wake for every wake hint, e.g. worker.Pool.Wake.
func (s *Server) SubscribeWake(wake func()) error {
	sub, err := s.conn.Subscribe(WakeSubject, wakeHandler(wake))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", WakeSubject, err)
	}

	s.subs = append(s.subs, sub)
	return nil
}

// SubscribeEvents forwards job events to sink.
func (s *Server) SubscribeEvents(sink jobs.EventSink) error {
	sub, err := s.conn.Subscribe(EventSubject, eventHandler(sink))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", EventSubject, err)
	}

	s.subs = append(s.subs, sub)
	return nil
}

func wakeHandler(wake func()) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var m WakeMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			logger.Logger.Warn().Err(err).Msg("Dropping malformed wake message")
			return
		}
		logger.Logger.Debug().Str("source", m.Source).Msg("Wake received")
		wake()
	}
}

func eventHandler(sink jobs.EventSink) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var m JobEventMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			logger.Logger.Warn().Err(err).Msg("Dropping malformed job event")
			return
		}
		sink.Publish(m.Event)
	}
}

func (s *Server) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
