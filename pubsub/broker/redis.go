package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"ticketmarket/pubsub/bus"
)

type RedisConfig struct {
	Client        redis.UniversalClient
	ConsumerGroup string
	// KeyPrefix namespaces the binding sets and the delayed set.
	KeyPrefix    string
	PollInterval time.Duration
	BatchSize    int64
}

// RedisTransport is a broker on top of Redis streams. Every queue is a stream, bindings live in
// Redis sets and delayed messages wait in a sorted set scored by due time until RunDelayedRelay
// moves them into their queues.
type RedisTransport struct {
	client     redis.UniversalClient
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter

	keyPrefix    string
	pollInterval time.Duration
	batchSize    int64
	now          func() time.Time
}

type delayedMessage struct {
	UUID       string            `json:"uuid"`
	RoutingKey string            `json:"routingKey"`
	Metadata   map[string]string `json:"metadata"`
	Payload    []byte            `json:"payload"`
}

func NewRedisTransport(config RedisConfig, logger watermill.LoggerAdapter) (*RedisTransport, error) {
	if config.Client == nil {
		return nil, errors.New("missing redis client")
	}
	if config.ConsumerGroup == "" {
		return nil, errors.New("missing consumer group")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ticketmarket:"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 200 * time.Millisecond
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: config.Client,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("could not create redis publisher: %w", err)
	}

	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        config.Client,
		ConsumerGroup: config.ConsumerGroup,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("could not create redis subscriber: %w", err)
	}

	return &RedisTransport{
		client:       config.Client,
		publisher:    pub,
		subscriber:   sub,
		logger:       logger,
		keyPrefix:    config.KeyPrefix,
		pollInterval: config.PollInterval,
		batchSize:    config.BatchSize,
		now:          time.Now,
	}, nil
}

func (t *RedisTransport) bindingKey(exchange, routingKey string) string {
	return t.keyPrefix + "bindings:" + exchangeOrDefault(exchange) + ":" + routingKey
}

func (t *RedisTransport) delayedKey() string {
	return t.keyPrefix + "delayed"
}

func (t *RedisTransport) Bind(ctx context.Context, binding bus.Binding) error {
	if binding.Queue == "" {
		return errors.New("binding has no queue")
	}

	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range binding.RoutingKeys {
			pipe.SAdd(ctx, t.bindingKey(binding.Exchange, key), binding.Queue)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not store bindings of %s: %w", binding.Queue, err)
	}
	return nil
}

func (t *RedisTransport) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		ctx := msg.Context()

		delay := bus.DelayFromMetadata(msg)
		if delay <= 0 {
			if err := t.route(ctx, bus.ExchangeEvents, topic, msg); err != nil {
				return err
			}
			continue
		}

		if err := t.scheduleDelayed(ctx, topic, msg, t.now().Add(delay)); err != nil {
			return err
		}
	}
	return nil
}

func (t *RedisTransport) scheduleDelayed(ctx context.Context, routingKey string, msg *message.Message, due time.Time) error {
	metadata := make(map[string]string, len(msg.Metadata))
	for k, v := range msg.Metadata {
		if k != bus.MetadataDelay {
			metadata[k] = v
		}
	}

	member, err := json.Marshal(delayedMessage{
		UUID:       msg.UUID,
		RoutingKey: routingKey,
		Metadata:   metadata,
		Payload:    msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("could not marshal delayed message: %w", err)
	}

	err = t.client.ZAdd(ctx, t.delayedKey(), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("could not schedule message %s: %w", msg.UUID, err)
	}
	return nil
}

func (t *RedisTransport) route(ctx context.Context, exchange, routingKey string, msg *message.Message) error {
	queues, err := t.client.SMembers(ctx, t.bindingKey(exchange, routingKey)).Result()
	if err != nil {
		return fmt.Errorf("could not read bindings for %s: %w", routingKey, err)
	}

	for _, q := range queues {
		if err := t.publisher.Publish(q, msg.Copy()); err != nil {
			return fmt.Errorf("could not publish to %s: %w", q, err)
		}
	}
	return nil
}

// RunDelayedRelay moves due delayed messages into their queues until ctx is done.
// ZREM decides which relay instance owns a message, so several relays can run at once.
func (t *RedisTransport) RunDelayedRelay(ctx context.Context) error {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := t.PromoteDue(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error("Could not promote delayed messages", err, nil)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PromoteDue routes every delayed message whose due time has passed and returns how many were routed.
func (t *RedisTransport) PromoteDue(ctx context.Context) (int, error) {
	members, err := t.client.ZRangeByScore(ctx, t.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(t.now().UnixMilli(), 10),
		Count: t.batchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("could not read delayed messages: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := t.client.ZRem(ctx, t.delayedKey(), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("could not claim delayed message: %w", err)
		}
		if removed == 0 {
			// another relay took it
			continue
		}

		var dm delayedMessage
		if err := json.Unmarshal([]byte(member), &dm); err != nil {
			t.logger.Error("Dropping undecodable delayed message", err, nil)
			continue
		}

		msg := message.NewMessage(dm.UUID, dm.Payload)
		for k, v := range dm.Metadata {
			msg.Metadata.Set(k, v)
		}
		msg.SetContext(ctx)

		if err := t.route(ctx, bus.ExchangeDelayed, dm.RoutingKey, msg); err != nil {
			if putBackErr := t.client.ZAdd(ctx, t.delayedKey(), redis.Z{
				Score:  float64(t.now().UnixMilli()),
				Member: member,
			}).Err(); putBackErr != nil {
				err = errors.Join(err, putBackErr)
			}
			return promoted, err
		}
		promoted++
	}

	return promoted, nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error) {
	return t.subscriber.Subscribe(ctx, queue)
}

func (t *RedisTransport) Close() error {
	return errors.Join(t.publisher.Close(), t.subscriber.Close())
}
