package lifecycle

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Bus carries lifecycle events between session controllers and whatever serves
// the browsers. It is a thin typed layer over a watermill publisher/subscriber.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	redis  *redis.Client
	logger zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ Publisher = &Bus{}

// NewInMemoryBus returns a bus backed by a watermill gochannel.
func NewInMemoryBus(logger zerolog.Logger) *Bus {
	// Blocking until ack keeps per-session frames in publish order.
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(logger))
	return &Bus{pub: ch, sub: ch, logger: logger}
}

// NewBus builds a Redis Streams bus when enabled, otherwise an in-memory one.
func NewBus(ctx context.Context, s Settings, logger zerolog.Logger) (*Bus, error) {
	if !s.Enabled {
		return NewInMemoryBus(logger), nil
	}
	if s.Addr == "" {
		return nil, errors.New("lifecycle bus: redis address is empty")
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := EnsureGroupAtTail(ctx, client, Topic, s.Group); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "lifecycle bus: ensure consumer group")
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	wlogger := NewWatermillLogger(logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wlogger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "lifecycle bus: redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, wlogger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "lifecycle bus: redis subscriber")
	}

	logger.Info().Str("addr", s.Addr).Str("group", s.Group).Str("consumer", s.Consumer).Msg("lifecycle bus using redis streams")
	return &Bus{pub: pub, sub: sub, redis: client, logger: logger}, nil
}

// EnsureGroupAtTail creates the consumer group at the stream tail ($) if it
// doesn't exist, so a fresh consumer does not replay history.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b == nil || b.pub == nil {
		return errors.New("lifecycle bus: not initialized")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "lifecycle bus: encode event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", ev.SessionID)
	msg.Metadata.Set("type", string(ev.Type))
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return errors.Wrap(b.pub.Publish(Topic, msg), "lifecycle bus: publish")
}

// Subscribe streams decoded events until ctx is done or the bus closes.
// Undecodable messages are acked and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	if b == nil || b.sub == nil {
		return nil, errors.New("lifecycle bus: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	msgs, err := b.sub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "lifecycle bus: subscribe")
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dropping undecodable lifecycle event")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() {
		var errs []string
		if err := b.pub.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		// gochannel is both ends
		if b.sub != nil && any(b.sub) != any(b.pub) {
			if err := b.sub.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if b.redis != nil {
			if err := b.redis.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			b.closeErr = errors.Errorf("lifecycle bus: close: %s", strings.Join(errs, "; "))
		}
	})
	return b.closeErr
}
