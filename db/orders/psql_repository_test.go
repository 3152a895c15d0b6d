package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbutils "ticketmarket/db"
	"ticketmarket/entity"
)

func addMirroredTicket(t *testing.T, repo *PostgresRepository, price int64) entity.Ticket {
	t.Helper()

	ticket, err := entity.NewTicket(uuid.NewString(), "Show", price)
	require.NoError(t, err)

	added, err := repo.AddTicket(context.Background(), ticket)
	require.NoError(t, err)
	require.True(t, added)

	return ticket
}

func addOrder(t *testing.T, repo *PostgresRepository, tickets ...entity.Ticket) entity.Order {
	t.Helper()

	orderTickets := make([]entity.OrderTicket, 0, len(tickets))
	for _, ticket := range tickets {
		orderTickets = append(orderTickets, entity.OrderTicket{TicketID: ticket.ID, Price: ticket.Price})
	}

	order, err := entity.NewOrder(uuid.NewString(), uuid.NewString(), orderTickets, time.Now().Truncate(time.Millisecond), time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.AddOrder(context.Background(), order))

	return order
}

func TestOrdersRepository_AddTicket_idempotency(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresRepository(dbutils.GetDb(t))

	ticket := addMirroredTicket(t, repo, 1000)

	added, err := repo.AddTicket(ctx, ticket)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestOrdersRepository_order_round_trip(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresRepository(dbutils.GetDb(t))

	ticket := addMirroredTicket(t, repo, 1000)
	order := addOrder(t, repo, ticket)

	stored, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Tickets, stored.Tickets)
	assert.Equal(t, order.TotalPrice, stored.TotalPrice)
	assert.True(t, order.ExpiresAt.Equal(*stored.ExpiresAt))

	paid, err := stored.Transition(entity.OrderTriggerPaymentSucceeded)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateOrder(ctx, paid, stored.Version))

	err = repo.UpdateOrder(ctx, paid, stored.Version)
	assert.ErrorAs(t, err, &entity.ConflictError{})

	list, err := repo.ListOrders(ctx, order.UserID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, entity.OrderStatusPaid, list[0].Status)
	assert.Nil(t, list[0].ExpiresAt)
}

func TestOrdersRepository_ClaimTicket(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresRepository(dbutils.GetDb(t))

	ticket := addMirroredTicket(t, repo, 1000)
	first := addOrder(t, repo, ticket)

	claimed, err := repo.ClaimTicket(ctx, ticket.ID, first.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	second := addOrder(t, repo, ticket)
	claimed, err = repo.ClaimTicket(ctx, ticket.ID, second.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "ticket held by a live order")

	expired, err := first.Transition(entity.OrderTriggerExpire)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateOrder(ctx, expired, first.Version))

	found, err := repo.FindTickets(ctx, []string{ticket.ID, uuid.NewString()})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0].Available())

	claimed, err = repo.ClaimTicket(ctx, ticket.ID, second.ID)
	require.NoError(t, err)
	assert.True(t, claimed, "ticket released by an expired order")

	stored, err := repo.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, stored.ReservationOwner)
	assert.Equal(t, entity.OrderStatusCreated, stored.OwnerStatus)
}

func TestOrdersRepository_ClaimTicket_concurrent(t *testing.T) {
	ctx := context.Background()
	db := dbutils.GetDb(t)
	repo := NewPostgresRepository(db)

	ticket := addMirroredTicket(t, repo, 1000)

	const claimers = 10
	orders := make([]entity.Order, claimers)
	for i := range orders {
		orders[i] = addOrder(t, repo, ticket)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, order := range orders {
		wg.Add(1)
		go func(orderID string) {
			defer wg.Done()

			claimed, err := NewPostgresRepository(db).ClaimTicket(ctx, ticket.ID, orderID)
			assert.NoError(t, err)
			if claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(order.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestOrdersRepository_UpdateTicket_version_guard(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresRepository(dbutils.GetDb(t))

	ticket := addMirroredTicket(t, repo, 1000)

	updated := ticket
	updated.Price = 1200
	updated.Version = 1
	require.NoError(t, repo.UpdateTicket(ctx, updated, 0))

	err := repo.UpdateTicket(ctx, updated, 0)
	assert.ErrorAs(t, err, &entity.ConflictError{})

	stored, err := repo.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), stored.Price)
}
