package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"ticketmarket/pubsub/bus"
)

type AMQPConfig struct {
	URL      string
	Prefetch int
	// MaxReconnectInterval caps the backoff between reconnect attempts.
	MaxReconnectInterval time.Duration
	// ConnectTimeout bounds Start; zero means retry until ctx is done.
	ConnectTimeout time.Duration
}

// AMQPClient owns one RabbitMQ connection for the lifetime between Start and Close.
// It publishes to a topic exchange and an x-delayed-message exchange and consumes from
// durable queues, reconnecting with exponential backoff when the connection drops.
type AMQPClient struct {
	config AMQPConfig
	logger watermill.LoggerAdapter

	mu       sync.Mutex
	conn     *amqp.Connection
	connLost chan *amqp.Error
	pubCh    *amqp.Channel
	ready    chan struct{}
	bindings []bus.Binding
	closed   bool

	pubMu   sync.Mutex
	closing chan struct{}
	wg      sync.WaitGroup
}

func NewAMQPClient(config AMQPConfig, logger watermill.LoggerAdapter) *AMQPClient {
	if config.URL == "" {
		panic("missing amqp url")
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 10
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = 10 * time.Second
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	return &AMQPClient{
		config:  config,
		logger:  logger,
		ready:   make(chan struct{}),
		closing: make(chan struct{}),
	}
}

// Start connects and declares the exchanges, retrying with backoff until it succeeds,
// ctx is cancelled or ConnectTimeout elapses.
func (c *AMQPClient) Start(ctx context.Context) error {
	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	if err := backoff.Retry(c.connect, c.backoff(ctx)); err != nil {
		return fmt.Errorf("could not connect to amqp: %w", err)
	}

	c.wg.Add(1)
	go c.watch()

	return nil
}

func (c *AMQPClient) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = c.config.MaxReconnectInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

func (c *AMQPClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return backoff.Permanent(ErrNotConnected)
	}

	conn, err := amqp.Dial(c.config.URL)
	if err != nil {
		c.logger.Error("AMQP dial failed", err, nil)
		return err
	}
	// registered before anything else so a drop during setup is still seen by watch
	connLost := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	if err := declareExchanges(ch); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("could not enable publisher confirms: %w", err)
	}

	for _, b := range c.bindings {
		if err := declareBinding(ch, b); err != nil {
			_ = conn.Close()
			return err
		}
	}

	c.conn = conn
	c.connLost = connLost
	c.pubCh = ch
	close(c.ready)

	c.logger.Info("AMQP connected", nil)
	return nil
}

func declareExchanges(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(bus.ExchangeEvents, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("could not declare exchange %s: %w", bus.ExchangeEvents, err)
	}

	err := ch.ExchangeDeclare(bus.ExchangeDelayed, "x-delayed-message", true, false, false, false, amqp.Table{
		"x-delayed-type": "topic",
	})
	if err != nil {
		return fmt.Errorf("could not declare exchange %s: %w", bus.ExchangeDelayed, err)
	}
	return nil
}

func declareBinding(ch *amqp.Channel, b bus.Binding) error {
	if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("could not declare queue %s: %w", b.Queue, err)
	}
	for _, key := range b.RoutingKeys {
		if err := ch.QueueBind(b.Queue, key, exchangeOrDefault(b.Exchange), false, nil); err != nil {
			return fmt.Errorf("could not bind %s to %s: %w", b.Queue, key, err)
		}
	}
	return nil
}

// watch reconnects after the connection is lost until Close is called.
func (c *AMQPClient) watch() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		connLost := c.connLost
		c.mu.Unlock()

		select {
		case <-c.closing:
			return
		case amqpErr, ok := <-connLost:
			if !ok {
				select {
				case <-c.closing:
					return
				default:
				}
				c.logger.Error("AMQP connection closed", nil, nil)
			} else {
				c.logger.Error("AMQP connection lost", amqpErr, nil)
			}
		}

		c.mu.Lock()
		c.ready = make(chan struct{})
		c.conn = nil
		c.connLost = nil
		c.pubCh = nil
		c.mu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.closing:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := backoff.Retry(c.connect, c.backoff(ctx))
		cancel()
		if err != nil {
			return
		}
	}
}

// waitReady blocks until a connection is available.
func (c *AMQPClient) waitReady(ctx context.Context) (*amqp.Connection, error) {
	for {
		c.mu.Lock()
		ready, conn, closed := c.ready, c.conn, c.closed
		c.mu.Unlock()

		if closed {
			return nil, ErrNotConnected
		}
		if conn != nil && !conn.IsClosed() {
			return conn, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closing:
			return nil, ErrNotConnected
		}
	}
}

func (c *AMQPClient) Bind(ctx context.Context, binding bus.Binding) error {
	conn, err := c.waitReady(ctx)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("could not open channel: %w", err)
	}
	defer ch.Close()

	if err := declareBinding(ch, binding); err != nil {
		return err
	}

	c.mu.Lock()
	c.bindings = append(c.bindings, binding)
	c.mu.Unlock()

	return nil
}

// Publish sends messages with topic as routing key and waits for broker confirms.
// It never waits for a reconnect.
func (c *AMQPClient) Publish(topic string, messages ...*message.Message) error {
	c.mu.Lock()
	ch := c.pubCh
	c.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	for _, msg := range messages {
		exchange, publishing := toPublishing(msg)

		confirm, err := ch.PublishWithDeferredConfirmWithContext(msg.Context(), exchange, topic, false, false, publishing)
		if err != nil {
			return fmt.Errorf("could not publish %s: %w", msg.UUID, err)
		}
		if confirm != nil && !confirm.Wait() {
			return fmt.Errorf("broker nacked message %s", msg.UUID)
		}
	}
	return nil
}

func toPublishing(msg *message.Message) (string, amqp.Publishing) {
	headers := amqp.Table{}
	for k, v := range msg.Metadata {
		if k == bus.MetadataDelay {
			continue
		}
		headers[k] = v
	}

	exchange := bus.ExchangeEvents
	if delay := bus.DelayFromMetadata(msg); delay > 0 {
		exchange = bus.ExchangeDelayed
		headers[bus.MetadataDelay] = delay.Milliseconds()
	}

	return exchange, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.UUID,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Payload,
	}
}

func toMessage(d amqp.Delivery) *message.Message {
	id := d.MessageId
	if id == "" {
		id = watermill.NewUUID()
	}

	msg := message.NewMessage(id, d.Body)
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.Metadata.Set(k, s)
		}
	}
	return msg
}

// Subscribe consumes queue until ctx is done or the client is closed. Consumption resumes on the
// new connection after a reconnect. A message is acked or nacked with requeue once the handler decides.
func (c *AMQPClient) Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error) {
	out := make(chan *message.Message)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)

		for {
			err := c.consume(ctx, queue, out)
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrNotConnected) {
				return
			}

			c.logger.Error("AMQP consumer stopped, waiting for reconnect", err, watermill.LogFields{"queue": queue})
			select {
			case <-ctx.Done():
				return
			case <-c.closing:
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	return out, nil
}

func (c *AMQPClient) consume(ctx context.Context, queue string, out chan<- *message.Message) error {
	conn, err := c.waitReady(ctx)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("could not consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closing:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel of %s closed", queue)
			}
			if err := c.deliver(ctx, d, out); err != nil {
				return err
			}
		}
	}
}

func (c *AMQPClient) deliver(ctx context.Context, d amqp.Delivery, out chan<- *message.Message) error {
	msg := toMessage(d)
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return d.Nack(false, true)
	case <-c.closing:
		return d.Nack(false, true)
	}

	select {
	case <-msg.Acked():
		return d.Ack(false)
	case <-msg.Nacked():
		return d.Nack(false, true)
	case <-ctx.Done():
		return d.Nack(false, true)
	case <-c.closing:
		return d.Nack(false, true)
	}
}

// Close stops consumers and the reconnect loop, then closes the connection.
func (c *AMQPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}

	c.wg.Wait()
	return err
}
