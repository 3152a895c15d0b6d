package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketmarket/db/memory"
	"ticketmarket/entity"
	"ticketmarket/inventory"
	"ticketmarket/orders"
	"ticketmarket/pubsub/bus"
)

type flakyPublisher struct {
	mu        sync.Mutex
	fail      bool
	published []string
}

func (p *flakyPublisher) Publish(_ context.Context, eventType string, _ any, _ ...bus.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fail {
		return errors.New("broker is gone")
	}
	p.published = append(p.published, eventType)
	return nil
}

func (p *flakyPublisher) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func TestInventoryStore_failed_publish_rolls_back(t *testing.T) {
	ctx := context.Background()
	publisher := &flakyPublisher{fail: true}
	store := memory.NewInventoryStore(publisher)

	ticket, err := entity.NewTicket("ticket-1", "Concert", 1000)
	require.NoError(t, err)

	addTicket := func(ctx context.Context, repo inventory.Repository, events inventory.EventPublisher) error {
		if err := repo.AddTicket(ctx, ticket); err != nil {
			return err
		}
		if err := repo.MarkOrderReleased(ctx, "order-1"); err != nil {
			return err
		}
		return events.Publish(ctx, entity.EventTicketCreated, entity.TicketCreated{TicketID: ticket.ID, Title: ticket.Title, Price: ticket.Price})
	}

	require.Error(t, store.Do(ctx, addTicket))

	err = store.Do(ctx, func(ctx context.Context, repo inventory.Repository, _ inventory.EventPublisher) error {
		_, err := repo.GetTicket(ctx, ticket.ID)
		assert.ErrorAs(t, err, &entity.NotFoundError{})

		released, err := repo.IsOrderReleased(ctx, "order-1")
		require.NoError(t, err)
		assert.False(t, released)
		return nil
	})
	require.NoError(t, err)

	// a retry applies the change and publishes again
	publisher.setFail(false)
	require.NoError(t, store.Do(ctx, addTicket))
	assert.Equal(t, []string{entity.EventTicketCreated}, publisher.published)
}

func TestOrdersStore_failed_publish_rolls_back(t *testing.T) {
	ctx := context.Background()
	publisher := &flakyPublisher{fail: true}
	store := memory.NewOrdersStore(publisher)

	order, err := entity.NewOrder("order-1", "user-1", []entity.OrderTicket{{TicketID: "ticket-1", Price: 1000}}, time.Now(), time.Minute)
	require.NoError(t, err)

	err = store.Do(ctx, func(ctx context.Context, repo orders.Repository, events orders.EventPublisher) error {
		if err := repo.AddOrder(ctx, order); err != nil {
			return err
		}
		return events.Publish(ctx, entity.EventOrderCreated, entity.OrderCreated{OrderID: order.ID})
	})
	require.Error(t, err)

	err = store.Do(ctx, func(ctx context.Context, repo orders.Repository, _ orders.EventPublisher) error {
		_, err := repo.GetOrder(ctx, order.ID)
		return err
	})
	assert.ErrorAs(t, err, &entity.NotFoundError{})
	assert.Empty(t, publisher.published)
}
