package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/samber/lo"

	"ticketmarket/pubsub/bus"
)

// MemoryExchange routes messages between in-process queues. It keeps nothing across restarts
// and is meant for tests and the single-process mode.
type MemoryExchange struct {
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	mu       sync.RWMutex
	bindings map[routeKey][]string
	timers   map[*time.Timer]struct{}
	closed   bool
}

type routeKey struct {
	exchange   string
	routingKey string
}

func NewMemoryExchange(logger watermill.LoggerAdapter) *MemoryExchange {
	return &MemoryExchange{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			// queues behave durably: messages routed before the first subscriber are kept
			Persistent: true,
		}, logger),
		logger:   logger,
		bindings: map[routeKey][]string{},
		timers:   map[*time.Timer]struct{}{},
	}
}

func (e *MemoryExchange) Bind(_ context.Context, binding bus.Binding) error {
	if binding.Queue == "" {
		return errors.New("binding has no queue")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, key := range binding.RoutingKeys {
		rk := routeKey{exchange: exchangeOrDefault(binding.Exchange), routingKey: key}
		if !lo.Contains(e.bindings[rk], binding.Queue) {
			e.bindings[rk] = append(e.bindings[rk], binding.Queue)
		}
	}
	return nil
}

func (e *MemoryExchange) Publish(topic string, messages ...*message.Message) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrNotConnected
	}

	for _, msg := range messages {
		delay := bus.DelayFromMetadata(msg)
		if delay <= 0 {
			if err := e.route(bus.ExchangeEvents, topic, msg); err != nil {
				return err
			}
			continue
		}

		e.schedule(delay, topic, msg.Copy())
	}
	return nil
}

func (e *MemoryExchange) schedule(delay time.Duration, routingKey string, msg *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, timer)
		e.mu.Unlock()

		if err := e.route(bus.ExchangeDelayed, routingKey, msg); err != nil {
			e.logger.Error("Could not route delayed message", err, watermill.LogFields{
				"message_uuid": msg.UUID,
				"routing_key":  routingKey,
			})
		}
	})
	e.timers[timer] = struct{}{}
}

func (e *MemoryExchange) route(exchange, routingKey string, msg *message.Message) error {
	e.mu.RLock()
	queues := append([]string(nil), e.bindings[routeKey{exchange: exchange, routingKey: routingKey}]...)
	e.mu.RUnlock()

	if len(queues) == 0 {
		e.logger.Debug("Message not routed to any queue", watermill.LogFields{
			"exchange":    exchange,
			"routing_key": routingKey,
		})
		return nil
	}

	for _, q := range queues {
		if err := e.pubSub.Publish(q, msg.Copy()); err != nil {
			return err
		}
	}
	return nil
}

func (e *MemoryExchange) Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error) {
	return e.pubSub.Subscribe(ctx, queue)
}

// Close stops pending delayed deliveries.
func (e *MemoryExchange) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = map[*time.Timer]struct{}{}
	e.mu.Unlock()

	return e.pubSub.Close()
}

func exchangeOrDefault(exchange string) string {
	if exchange == "" {
		return bus.ExchangeEvents
	}
	return exchange
}
