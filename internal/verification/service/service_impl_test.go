package service

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	customerrepo "github.com/smallbiznis/loyalty/internal/customer/repository"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/loyalty/internal/ledger/repository"
	"github.com/smallbiznis/loyalty/internal/mirrorsync"
	"github.com/smallbiznis/loyalty/internal/testutil"
	"github.com/smallbiznis/loyalty/internal/verification/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testShop = "demo.myshopify.com"

type recordingMirror struct {
	mu   sync.Mutex
	jobs []mirrorsync.Job
	full bool
}

func (m *recordingMirror) Enqueue(job mirrorsync.Job) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return false
	}
	m.jobs = append(m.jobs, job)
	return true
}

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	customers customerdomain.Repository
	ledger    ledgerdomain.Repository
	mirror    *recordingMirror
	svc       domain.Service
}

func newFixture(t *testing.T, withMirror bool) *fixture {
	t.Helper()
	conn := testutil.NewDB(t)
	f := &fixture{
		db:        conn,
		node:      testutil.NewNode(t),
		customers: customerrepo.Provide(),
		ledger:    ledgerrepo.Provide(),
		mirror:    &recordingMirror{},
	}
	params := Params{
		DB:        conn,
		UoW:       testutil.NewUnitOfWork(conn),
		Log:       zap.NewNop(),
		Clock:     testutil.NewClock(),
		Customers: f.customers,
		Ledger:    f.ledger,
	}
	if withMirror {
		params.Mirror = f.mirror
	}
	f.svc = New(params)
	return f
}

// seed creates a customer whose ledger sums to the given amounts and whose
// cached balance is stored as-is.
func (f *fixture) seed(t *testing.T, shop, externalID string, stored int64, amounts ...int64) customerdomain.Customer {
	t.Helper()
	ctx := context.Background()
	c := customerdomain.Customer{
		ID:             f.node.Generate(),
		ShopID:         shop,
		ExternalID:     externalID,
		CurrentBalance: stored,
		CreatedAt:      testutil.Epoch,
		UpdatedAt:      testutil.Epoch,
	}
	require.NoError(t, f.customers.Insert(ctx, f.db, &c))
	for _, amount := range amounts {
		require.NoError(t, f.ledger.Insert(ctx, f.db, &ledgerdomain.LedgerEntry{
			ID:         f.node.Generate(),
			ShopID:     shop,
			CustomerID: c.ID,
			Amount:     amount,
			Reason:     ledgerdomain.ReasonManualAdjustment,
			CreatedAt:  testutil.Epoch,
		}))
	}
	return c
}

func TestVerifyCustomerCorrectsDrift(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c := f.seed(t, testShop, "1", 999, 100)

	res, err := f.svc.VerifyCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyResult{
		CustomerID:        c.ID,
		ShopID:            testShop,
		Verified:          false,
		StoredBalance:     999,
		CalculatedBalance: 100,
		Corrected:         true,
	}, res)

	balance, err := f.customers.Balance(ctx, f.db, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	require.Len(t, f.mirror.jobs, 1)
	assert.Equal(t, c.ID, f.mirror.jobs[0].CustomerID)

	again, err := f.svc.VerifyCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, again.Verified)
	assert.False(t, again.Corrected)
	assert.Len(t, f.mirror.jobs, 1)
}

func TestVerifyCustomerErrors(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.VerifyCustomer(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidCustomer)

	_, err = f.svc.VerifyCustomer(context.Background(), 424242)
	assert.ErrorIs(t, err, customerdomain.ErrNotFound)
}

func TestVerifyAllReportsDiscrepancies(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.seed(t, testShop, "1", 30, 10, 20)
	drifted := f.seed(t, testShop, "2", 5, 50, -10)
	f.seed(t, testShop, "3", 0)
	other := f.seed(t, "other.myshopify.com", "1", 7)

	res, err := f.svc.VerifyAll(ctx, testShop)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Verified)
	assert.Equal(t, 1, res.Corrected)
	require.Len(t, res.Discrepancies, 1)
	assert.Equal(t, domain.Discrepancy{
		CustomerID: drifted.ID,
		ShopID:     testShop,
		Stored:     5,
		Calculated: 40,
		Difference: 35,
	}, res.Discrepancies[0])

	otherBalance, err := f.customers.Balance(ctx, f.db, other.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), otherBalance)

	global, err := f.svc.VerifyAll(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, global.Total)
	assert.Equal(t, 1, global.Corrected)
}

func TestSyncBalances(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, testShop, "1", 10, 10)
	f.seed(t, testShop, "2", 3, 8)
	f.seed(t, "other.myshopify.com", "9", 0)

	res, err := f.svc.SyncBalances(ctx, domain.SyncRequest{ShopID: testShop, Verify: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	require.NotNil(t, res.Verification)
	assert.Equal(t, 1, res.Verification.Corrected)

	one, err := f.svc.SyncBalances(ctx, domain.SyncRequest{ShopID: testShop, CustomerID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, one.Enqueued)

	_, err = f.svc.SyncBalances(ctx, domain.SyncRequest{ShopID: "other.myshopify.com", CustomerID: a.ID})
	assert.ErrorIs(t, err, customerdomain.ErrNotFound)

	f.mirror.full = true
	skipped, err := f.svc.SyncBalances(ctx, domain.SyncRequest{ShopID: testShop})
	require.NoError(t, err)
	assert.Equal(t, 2, skipped.Skipped)
}

func TestSyncBalancesWithoutMirror(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.SyncBalances(context.Background(), domain.SyncRequest{ShopID: testShop})
	assert.ErrorIs(t, err, domain.ErrMirrorDisabled)
}

// lockedCustomers runs afterLock once the customer row has been read for
// update, standing in for a post that commits right behind the read.
type lockedCustomers struct {
	customerdomain.Repository
	afterLock func(tx *gorm.DB)
}

func (r *lockedCustomers) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*customerdomain.Customer, error) {
	customer, err := r.Repository.FindByIDForUpdate(ctx, tx, id)
	if err == nil && r.afterLock != nil {
		r.afterLock(tx)
	}
	return customer, err
}

type summedLedger struct {
	ledgerdomain.Repository
	afterSum func(tx *gorm.DB)
}

func (r *summedLedger) SumByCustomer(ctx context.Context, tx *gorm.DB, id snowflake.ID) (int64, error) {
	sum, err := r.Repository.SumByCustomer(ctx, tx, id)
	if err == nil && r.afterSum != nil {
		r.afterSum(tx)
	}
	return sum, err
}

func TestVerifyCustomerNeverLeavesDriftBehindInterleavedPosts(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	c := f.seed(t, testShop, "1", 100, 100)

	post := func(tx *gorm.DB, amount int64) {
		require.NoError(t, f.ledger.Insert(ctx, tx, &ledgerdomain.LedgerEntry{
			ID:         f.node.Generate(),
			ShopID:     testShop,
			CustomerID: c.ID,
			Amount:     amount,
			Reason:     ledgerdomain.ReasonManualAdjustment,
			CreatedAt:  testutil.Epoch,
		}))
		ok, err := f.customers.AddToBalance(ctx, tx, c.ID, amount, testutil.Epoch)
		require.NoError(t, err)
		require.True(t, ok)
	}

	svc := New(Params{
		DB:    f.db,
		UoW:   testutil.NewUnitOfWork(f.db),
		Log:   zap.NewNop(),
		Clock: testutil.NewClock(),
		Customers: &lockedCustomers{
			Repository: f.customers,
			afterLock:  func(tx *gorm.DB) { post(tx, 10) },
		},
		Ledger: &summedLedger{
			Repository: f.ledger,
			afterSum:   func(tx *gorm.DB) { post(tx, -10) },
		},
	})

	_, err := svc.VerifyCustomer(ctx, c.ID)
	require.NoError(t, err)

	stored, err := f.customers.Balance(ctx, f.db, c.ID)
	require.NoError(t, err)
	sum, err := f.ledger.SumByCustomer(ctx, f.db, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum)
	assert.Equal(t, sum, stored)
}

func TestResetBalanceToLedgerMissingCustomer(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.customers.ResetBalanceToLedger(context.Background(), f.db, 424242, testutil.Epoch)
	assert.ErrorIs(t, err, customerdomain.ErrNotFound)
}
