package webchat

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/assistant-relay/pkg/redisstream"
	"github.com/go-go-golems/assistant-relay/pkg/relay"
)

// StreamBackend wraps transport setup concerns (in-memory or redis) and
// exposes publisher/subscriber construction for session streams.
type StreamBackend interface {
	Publisher() message.Publisher
	// BuildSubscriber returns a subscriber for the session topic. The bool
	// reports whether the caller owns the subscriber and must close it.
	BuildSubscriber(ctx context.Context, sessionID string) (message.Subscriber, bool, error)
	Close() error
}

func NewStreamBackend(ctx context.Context, s redisstream.Settings) (StreamBackend, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if !s.Enabled {
		return &inMemoryStreamBackend{gc: redisstream.NewInMemory()}, nil
	}
	client := redisstream.NewClient(s)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connect redis %s", s.Addr)
	}
	pub, err := redisstream.BuildPublisher(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info().Str("component", "webchat").Str("addr", s.Addr).Str("group", s.Group).Msg("using redis stream backend")
	return &redisStreamBackend{client: client, pub: pub, group: s.Group, consumer: s.Consumer}, nil
}

type inMemoryStreamBackend struct {
	gc *gochannel.GoChannel
}

func (b *inMemoryStreamBackend) Publisher() message.Publisher { return b.gc }

func (b *inMemoryStreamBackend) BuildSubscriber(_ context.Context, sessionID string) (message.Subscriber, bool, error) {
	if sessionID == "" {
		return nil, false, errors.New("sessionID is empty")
	}
	return b.gc, false, nil
}

func (b *inMemoryStreamBackend) Close() error { return b.gc.Close() }

type redisStreamBackend struct {
	client   *redis.Client
	pub      message.Publisher
	group    string
	consumer string
}

func (b *redisStreamBackend) Publisher() message.Publisher { return b.pub }

func (b *redisStreamBackend) BuildSubscriber(ctx context.Context, sessionID string) (message.Subscriber, bool, error) {
	if sessionID == "" {
		return nil, false, errors.New("sessionID is empty")
	}
	if ctx == nil {
		return nil, false, errors.New("ctx is nil")
	}
	if err := redisstream.EnsureGroupAtTail(ctx, b.client, relay.TopicForSession(sessionID), b.group); err != nil {
		return nil, false, err
	}
	sub, err := redisstream.BuildGroupSubscriber(b.client, b.group, b.consumer+":ws-forwarder:"+sessionID)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

func (b *redisStreamBackend) Close() error {
	err := b.pub.Close()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
