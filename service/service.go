package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/forwarder"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"ticketmarket/config"
	"ticketmarket/db"
	"ticketmarket/db/memory"
	dbOrders "ticketmarket/db/orders"
	dbPayments "ticketmarket/db/payments"
	dbTickets "ticketmarket/db/tickets"
	"ticketmarket/gateway"
	"ticketmarket/http"
	"ticketmarket/inventory"
	"ticketmarket/orders"
	"ticketmarket/payments"
	"ticketmarket/pubsub"
	"ticketmarket/pubsub/broker"
	"ticketmarket/pubsub/bus"
	"ticketmarket/pubsub/outbox"
	"ticketmarket/tracing"
)

func init() {
	log.Init(logrus.InfoLevel)
}

// messageBroker is what every broker adapter provides.
type messageBroker interface {
	message.Publisher
	bus.Subscriber
}

type Service struct {
	config config.Config

	db             *sqlx.DB
	broker         messageBroker
	amqpClient     *broker.AMQPClient
	redisTransport *broker.RedisTransport
	redisClient    redis.UniversalClient
	forwarder      *forwarder.Forwarder
	traceProvider  *tracesdk.TracerProvider

	registry        *bus.Registry
	subscriptions   []bus.Subscription
	watermillRouter *message.Router
	httpServer      *http.Server
}

// New assembles the services selected by cfg. paymentProvider replaces the one cfg describes
// when set.
func New(cfg config.Config, paymentProvider payments.Provider) (*Service, error) {
	s := &Service{
		config:   cfg,
		registry: pubsub.NewRegistry(),
	}

	traceProvider, err := tracing.ConfigureTraceProvider("ticketmarket-"+cfg.Service, cfg.JaegerEndpoint)
	if err != nil {
		return nil, fmt.Errorf("could not configure tracing: %w", err)
	}
	s.traceProvider = traceProvider

	watermillLogger := log.NewWatermill(log.FromContext(context.Background()))

	if err := s.setUpBroker(watermillLogger); err != nil {
		return nil, err
	}

	var brokerPublisher message.Publisher
	brokerPublisher = tracing.PublisherDecorator{Publisher: s.broker}
	brokerPublisher = log.CorrelationPublisherDecorator{Publisher: brokerPublisher}

	if cfg.PostgresURL != "" {
		s.db, err = db.Open(cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		// the forwarder writes what the outbox collected straight to the broker
		s.forwarder, err = outbox.NewForwarder(s.db, s.broker, watermillLogger)
		if err != nil {
			return nil, err
		}
	}

	services := http.Services{}

	if cfg.RunsService(config.ServiceOrders) {
		var uow orders.UnitOfWork
		if s.db != nil {
			uow = dbOrders.NewUnitOfWork(s.db, outbox.NewPublishers(s.registry, config.ServiceOrders, watermillLogger))
		} else {
			uow = memory.NewOrdersStore(bus.NewPublisher(brokerPublisher, s.registry, config.ServiceOrders))
		}

		ordersService := orders.NewService(uow, orders.Config{OrderTTL: cfg.Orders.OrderTTL})
		services.Orders = ordersService
		s.subscriptions = append(s.subscriptions, ordersService.Subscriptions()...)
	}

	if cfg.RunsService(config.ServiceInventory) {
		var uow inventory.UnitOfWork
		if s.db != nil {
			uow = dbTickets.NewUnitOfWork(s.db, outbox.NewPublishers(s.registry, config.ServiceInventory, watermillLogger))
		} else {
			uow = memory.NewInventoryStore(bus.NewPublisher(brokerPublisher, s.registry, config.ServiceInventory))
		}

		inventoryService := inventory.NewService(uow)
		services.Inventory = inventoryService
		s.subscriptions = append(s.subscriptions, inventoryService.Subscriptions()...)
	}

	if cfg.RunsService(config.ServicePayments) {
		var uow payments.UnitOfWork
		if s.db != nil {
			uow = dbPayments.NewUnitOfWork(s.db, outbox.NewPublishers(s.registry, config.ServicePayments, watermillLogger))
		} else {
			uow = memory.NewPaymentsStore(bus.NewPublisher(brokerPublisher, s.registry, config.ServicePayments))
		}

		if paymentProvider == nil {
			paymentProvider = newPaymentProvider(cfg.Payments)
		}

		paymentsService := payments.NewService(uow, paymentProvider, payments.Config{
			Currency:     cfg.Payments.Currency,
			WebhookRetry: cfg.Payments.WebhookRetry,
		})
		services.Payments = paymentsService
		s.subscriptions = append(s.subscriptions, paymentsService.Subscriptions()...)
	}

	s.watermillRouter, err = pubsub.NewWatermillRouter(watermillLogger)
	if err != nil {
		return nil, err
	}

	s.httpServer = http.NewServer(cfg.HTTPAddr, "ticketmarket-"+cfg.Service, services)

	return s, nil
}

func (s *Service) setUpBroker(logger watermill.LoggerAdapter) error {
	switch s.config.Broker {
	case config.BrokerAMQP:
		s.amqpClient = broker.NewAMQPClient(broker.AMQPConfig{
			URL:      s.config.AMQPURL,
			Prefetch: s.config.AMQPPrefetch,
		}, logger)
		s.broker = s.amqpClient
	case config.BrokerRedis:
		s.redisClient = redis.NewClient(&redis.Options{Addr: s.config.RedisAddr})

		transport, err := broker.NewRedisTransport(broker.RedisConfig{
			Client:        s.redisClient,
			ConsumerGroup: "svc-" + s.config.Service,
		}, logger)
		if err != nil {
			return err
		}
		s.redisTransport = transport
		s.broker = transport
	case config.BrokerMemory:
		s.broker = broker.NewMemoryExchange(logger)
	default:
		return fmt.Errorf("unknown broker %q", s.config.Broker)
	}
	return nil
}

func newPaymentProvider(cfg config.Payments) payments.Provider {
	if cfg.ProviderMock {
		secret := cfg.StripeWebhookSecret
		if secret == "" {
			secret = "whsec_mock"
		}
		return &gateway.PaymentMock{Secret: secret}
	}

	return gateway.NewPaymentClient(gateway.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		APIURL:        cfg.StripeAPIURL,
	})
}

func (s *Service) Run(ctx context.Context) error {
	defer s.close()

	if s.db != nil {
		if err := db.InitializeDatabaseSchema(s.db); err != nil {
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
	}

	if s.amqpClient != nil {
		if err := s.amqpClient.Start(ctx); err != nil {
			return err
		}
	}

	// queues have to be bound before anything is published to them
	err := pubsub.AddSubscriptions(ctx, s.watermillRouter, s.broker, s.registry, s.subscriptions...)
	if err != nil {
		return fmt.Errorf("failed to add subscriptions: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.watermillRouter.Run(ctx)
	})

	if s.forwarder != nil {
		g.Go(func() error {
			return s.forwarder.Run(ctx)
		})
		g.Go(func() error {
			<-ctx.Done()
			return s.forwarder.Close()
		})
	}

	if s.redisTransport != nil {
		g.Go(func() error {
			return s.redisTransport.RunDelayedRelay(ctx)
		})
	}

	g.Go(func() error {
		// we don't want to start HTTP server before Watermill router (so service won't be healthy before it's ready)
		select {
		case <-s.watermillRouter.Running():
		case <-ctx.Done():
			return nil
		}

		return s.httpServer.Run(ctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) close() {
	logger := log.FromContext(context.Background())

	if err := s.broker.Close(); err != nil {
		logger.WithError(err).Warn("Could not close broker")
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			logger.WithError(err).Warn("Could not close redis client")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.WithError(err).Warn("Could not close database")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.traceProvider.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Could not shut down trace provider")
	}
}
