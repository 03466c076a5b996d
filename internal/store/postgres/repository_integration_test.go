//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/store"
)

func TestRepository_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("checkout"),
		tcpostgres.WithUsername("checkout"),
		tcpostgres.WithPassword("checkout"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := NewRepository(pool)

	amount, err := payment.ParseAmount("5000", "JPY")
	require.NoError(t, err)
	base := store.OrderPayment{OrderRef: "order-1", Provider: payment.ProviderCard, Amount: amount, CustomerID: "cust-1", Attempt: 1}

	t.Run("FailureThenSettlement", func(t *testing.T) {
		failed := base
		failed.Error = "card_declined"
		failed.Metadata = map[string]any{"decline": "card_declined"}
		failed.ReconciliationRequired = true
		require.NoError(t, repo.RecordFailure(ctx, failed))

		got, err := repo.GetOrderPayment(ctx, "order-1")
		require.NoError(t, err)
		require.Equal(t, store.StatusFailed, got.Status)
		require.Equal(t, "card_declined", got.Error)
		require.Equal(t, "card_declined", got.Metadata["decline"])
		require.True(t, got.ReconciliationRequired)

		settled := base
		settled.Attempt = 2
		settled.TransactionID = "pi_1"
		require.NoError(t, repo.RecordSettlement(ctx, settled))

		got, err = repo.GetOrderPayment(ctx, "order-1")
		require.NoError(t, err)
		require.Equal(t, store.StatusSettled, got.Status)
		require.Equal(t, "pi_1", got.TransactionID)
		require.Empty(t, got.Error)
		require.False(t, got.ReconciliationRequired)
		require.True(t, amount.Equal(got.Amount), "amount round-trips: %s", got.Amount)
		require.Equal(t, 2, got.Attempt)

		require.NoError(t, repo.RecordSettlement(ctx, settled), "same transaction is idempotent")
		other := settled
		other.TransactionID = "pi_2"
		require.ErrorIs(t, repo.RecordSettlement(ctx, other), store.ErrAlreadySettled)
		require.ErrorIs(t, repo.RecordFailure(ctx, failed), store.ErrAlreadySettled)
	})

	t.Run("ConcurrentSettlement", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			p := base
			p.OrderRef = "order-2"
			p.TransactionID = "pi_" + string(rune('a'+i))
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- repo.RecordSettlement(ctx, p)
			}()
		}
		wg.Wait()
		close(errs)

		ok := 0
		for err := range errs {
			if err == nil {
				ok++
				continue
			}
			require.ErrorIs(t, err, store.ErrAlreadySettled)
		}
		require.Equal(t, 1, ok)
	})

	t.Run("GetOrderPayment_NotFound", func(t *testing.T) {
		_, err := repo.GetOrderPayment(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PaymentMethods", func(t *testing.T) {
		card := payment.StoredPaymentMethod{ID: "pm_1", Type: payment.MethodCard, Provider: payment.ProviderCard, Last4: "4242", Brand: "visa", ExpMonth: 12, ExpYear: 2030}
		saved, err := repo.SavePaymentMethod(ctx, "user-1", card)
		require.NoError(t, err)
		require.True(t, saved.IsDefault)

		wallet := payment.StoredPaymentMethod{ID: "ba_1", Type: payment.MethodWallet, Provider: payment.ProviderWallet, Metadata: map[string]any{"payer_email": "p@example.com"}}
		saved, err = repo.SavePaymentMethod(ctx, "user-1", wallet)
		require.NoError(t, err)
		require.False(t, saved.IsDefault)

		card.HolderName = "Ada"
		saved, err = repo.SavePaymentMethod(ctx, "user-1", card)
		require.NoError(t, err)
		require.True(t, saved.IsDefault)

		list, err := repo.ListPaymentMethods(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, "pm_1", list[0].ID)
		require.Equal(t, "Ada", list[0].HolderName)
		require.Equal(t, "p@example.com", list[1].Metadata["payer_email"])
	})
}
