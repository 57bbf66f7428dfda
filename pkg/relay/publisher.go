package relay

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// Publisher receives a copy of every event a turn emits.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// TopicForSession names the watermill topic carrying a session's events.
func TopicForSession(sessionID string) string {
	return "chat:" + sessionID
}

// WatermillPublisher publishes events as JSON watermill messages on the
// session topic.
type WatermillPublisher struct {
	pub message.Publisher
}

var _ Publisher = (*WatermillPublisher)(nil)

func NewWatermillPublisher(pub message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{pub: pub}
}

func (p *WatermillPublisher) Publish(_ context.Context, ev Event) error {
	if p == nil || p.pub == nil {
		return errors.New("watermill publisher is not initialized")
	}
	if ev.SessionID == "" {
		return errors.New("event has no session id")
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("session_id", ev.SessionID)
	msg.Metadata.Set("event_type", string(ev.Type))
	return errors.Wrapf(p.pub.Publish(TopicForSession(ev.SessionID), msg), "publish %s", ev.Type)
}
