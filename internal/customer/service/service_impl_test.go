package service

import (
	"context"
	"sync"
	"testing"

	"github.com/smallbiznis/loyalty/internal/customer/domain"
	"github.com/smallbiznis/loyalty/internal/customer/repository"
	"github.com/smallbiznis/loyalty/internal/shopcontext"
	"github.com/smallbiznis/loyalty/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testShop = "demo.myshopify.com"

func newService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()
	conn := testutil.NewDB(t)
	svc := New(Params{
		DB:    conn,
		UoW:   testutil.NewUnitOfWork(conn),
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Clock: testutil.NewClock(),
		Repo:  repository.Provide(),
	})
	return svc, conn
}

func TestFindOrProvisionCreatesOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	created, isNew, err := svc.FindOrProvision(ctx, "Demo.MyShopify.com ", "701")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, testShop, created.ShopID)
	assert.Equal(t, int64(0), created.CurrentBalance)

	again, isNew, err := svc.FindOrProvision(ctx, testShop, "701")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, created.ID, again.ID)
}

func TestFindOrProvisionConcurrentFirstSighting(t *testing.T) {
	svc, conn := newService(t)

	const workers = 8
	var wg sync.WaitGroup
	ids := make(chan string, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := svc.FindOrProvision(context.Background(), testShop, "race-1")
			errs <- err
			ids <- c.ID.String()
		}()
	}
	wg.Wait()
	close(errs)
	close(ids)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := map[string]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 1)

	var count int64
	require.NoError(t, conn.Model(&domain.Customer{}).Where("external_id = ?", "race-1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIdentityValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.FindOrProvision(ctx, "", "1")
	assert.ErrorIs(t, err, domain.ErrInvalidShop)

	_, _, err = svc.FindOrProvision(ctx, testShop, "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidExternalID)

	_, err = svc.GetByExternalID(shopcontext.WithShop(ctx, testShop), "", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.GetByID(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidID)
}

func TestUpsertUpdatesProfileKeepsBalance(t *testing.T) {
	svc, conn := newService(t)
	ctx := context.Background()

	c, err := svc.Upsert(ctx, domain.UpsertCustomerRequest{
		ShopID:     testShop,
		ExternalID: "42",
		Email:      "ana@example.com",
		FirstName:  "Ana",
		Tags:       []string{"vip", " vip ", "", "wholesale"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"vip", "wholesale"}, []string(c.Tags))

	require.NoError(t, conn.Exec(`UPDATE customers SET current_balance = 75 WHERE id = ?`, c.ID).Error)

	updated, err := svc.Upsert(ctx, domain.UpsertCustomerRequest{
		ShopID:     testShop,
		ExternalID: "42",
		Email:      "ana@example.org",
		LastName:   "Lima",
	})
	require.NoError(t, err)
	assert.Equal(t, c.ID, updated.ID)

	stored, err := svc.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.org", stored.Email)
	assert.Equal(t, "Lima", stored.LastName)
	assert.Equal(t, int64(75), stored.CurrentBalance)
}

func TestDeleteByExternalIDCascades(t *testing.T) {
	svc, conn := newService(t)
	ctx := context.Background()

	c, _, err := svc.FindOrProvision(ctx, testShop, "88")
	require.NoError(t, err)
	require.NoError(t, conn.Exec(
		`INSERT INTO ledger_entries (id, shop_id, customer_id, amount, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		1, testShop, c.ID, 10, "purchase", testutil.Epoch,
	).Error)

	require.NoError(t, svc.DeleteByExternalID(ctx, testShop, "88"))

	_, err = svc.GetByID(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var entries int64
	require.NoError(t, conn.Table("ledger_entries").Where("customer_id = ?", c.ID).Count(&entries).Error)
	assert.Zero(t, entries)

	assert.ErrorIs(t, svc.DeleteByExternalID(ctx, testShop, "88"), domain.ErrNotFound)
}

func TestListPagesAndSearches(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for _, ext := range []string{"1", "2", "3"} {
		_, err := svc.Upsert(ctx, domain.UpsertCustomerRequest{ShopID: testShop, ExternalID: ext, Email: "user" + ext + "@example.com"})
		require.NoError(t, err)
	}
	_, _, err := svc.FindOrProvision(ctx, "other.myshopify.com", "1")
	require.NoError(t, err)

	page, err := svc.List(ctx, domain.ListCustomerRequest{ShopID: testShop, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Customers, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "3", page.Customers[0].ExternalID)

	rest, err := svc.List(ctx, domain.ListCustomerRequest{ShopID: testShop, PageSize: 2, PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, rest.Customers, 1)
	assert.Equal(t, "1", rest.Customers[0].ExternalID)

	found, err := svc.List(ctx, domain.ListCustomerRequest{ShopID: testShop, Search: "USER2@"})
	require.NoError(t, err)
	require.Len(t, found.Customers, 1)
	assert.Equal(t, "2", found.Customers[0].ExternalID)

	_, err = svc.List(ctx, domain.ListCustomerRequest{ShopID: testShop, PageToken: "not-a-token"})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}
