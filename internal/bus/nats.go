package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Subscriber listens for indicator change events published by the management
// side. The engine does not need the payload beyond the id: any change just
// triggers an early discovery pass.
type Subscriber struct {
	Conn *nats.Conn
}

type Event struct {
	IndicatorID string `json:"indicator_id"`
}

var subjects = []string{
	"indicator.created",
	"indicator.updated",
	"indicator.enabled",
	"indicator.disabled",
	"indicator.deleted",
}

func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Subscriber{Conn: conn}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		s.Conn.Drain()
		s.Conn.Close()
	}
}

func (s *Subscriber) SubscribeIndicatorEvents(handler func(Event)) error {
	for _, subject := range subjects {
		if _, err := s.Conn.Subscribe(subject, func(msg *nats.Msg) {
			var evt Event
			_ = json.Unmarshal(msg.Data, &evt)
			handler(evt)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	return nil
}
