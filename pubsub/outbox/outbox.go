package outbox

import (
	stdSQL "database/sql"
	"fmt"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-sql/v2/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/components/forwarder"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jmoiron/sqlx"

	"ticketmarket/pubsub/bus"
	"ticketmarket/tracing"
)

const ForwarderTopic = "events_to_forward"

// Publishers builds bus publishers that write into the outbox table of a transaction.
type Publishers struct {
	registry *bus.Registry
	source   string
	logger   watermill.LoggerAdapter
}

func NewPublishers(registry *bus.Registry, source string, logger watermill.LoggerAdapter) Publishers {
	if registry == nil {
		panic("missing registry")
	}

	return Publishers{registry: registry, source: source, logger: logger}
}

// ForTx returns a publisher whose messages become visible to the forwarder only when tx commits.
func (p Publishers) ForTx(tx *stdSQL.Tx) (*bus.Publisher, error) {
	sqlPublisher, err := sql.NewPublisher(
		tx,
		sql.PublisherConfig{
			SchemaAdapter: sql.DefaultPostgreSQLSchema{},
		},
		p.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("could not create outbox publisher: %w", err)
	}

	var publisher message.Publisher
	publisher = forwarder.NewPublisher(sqlPublisher, forwarder.PublisherConfig{
		ForwarderTopic: ForwarderTopic,
	})
	publisher = tracing.PublisherDecorator{Publisher: publisher}
	publisher = log.CorrelationPublisherDecorator{Publisher: publisher}

	return bus.NewPublisher(publisher, p.registry, p.source), nil
}

// NewForwarder relays committed outbox messages to the broker.
func NewForwarder(db *sqlx.DB, brokerPublisher message.Publisher, logger watermill.LoggerAdapter) (*forwarder.Forwarder, error) {
	subscriber, err := sql.NewSubscriber(db, sql.SubscriberConfig{
		SchemaAdapter:    sql.DefaultPostgreSQLSchema{},
		OffsetsAdapter:   sql.DefaultPostgreSQLOffsetsAdapter{},
		InitializeSchema: true,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("could not create outbox subscriber: %w", err)
	}
	// outbox publishers run inside transactions and cannot create the table themselves
	if err := subscriber.SubscribeInitialize(ForwarderTopic); err != nil {
		return nil, fmt.Errorf("could not initialize outbox table: %w", err)
	}

	fwd, err := forwarder.NewForwarder(subscriber, brokerPublisher, logger, forwarder.Config{
		ForwarderTopic: ForwarderTopic,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create forwarder: %w", err)
	}
	return fwd, nil
}
