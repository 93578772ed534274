package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/config"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	customerrepo "github.com/smallbiznis/loyalty/internal/customer/repository"
	customerservice "github.com/smallbiznis/loyalty/internal/customer/service"
	"github.com/smallbiznis/loyalty/internal/discount"
	"github.com/smallbiznis/loyalty/internal/events"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/loyalty/internal/ledger/repository"
	"github.com/smallbiznis/loyalty/internal/mirrorsync"
	"github.com/smallbiznis/loyalty/internal/redemption/domain"
	"github.com/smallbiznis/loyalty/internal/redemption/repository"
	rewarddomain "github.com/smallbiznis/loyalty/internal/reward/domain"
	rewardrepo "github.com/smallbiznis/loyalty/internal/reward/repository"
	rewardservice "github.com/smallbiznis/loyalty/internal/reward/service"
	"github.com/smallbiznis/loyalty/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testShop = "demo.myshopify.com"

// fakeIssuer creates each code at most once, like the storefront does.
type fakeIssuer struct {
	mu      sync.Mutex
	fail    error
	block   bool
	created map[string]discount.IssueRequest
	calls   int
	onIssue func()
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{created: map[string]discount.IssueRequest{}}
}

func (f *fakeIssuer) IssueDiscountCode(ctx context.Context, req discount.IssueRequest) (discount.IssueResult, error) {
	f.mu.Lock()
	f.calls++
	fail, block := f.fail, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return discount.IssueResult{}, ctx.Err()
	}
	if fail != nil {
		return discount.IssueResult{}, fail
	}

	if f.onIssue != nil {
		f.onIssue()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.created[req.Code]; ok {
		return discount.IssueResult{Code: req.Code, ExternalID: "gid://discount/" + req.Code, AlreadyExisted: true}, nil
	}
	f.created[req.Code] = req
	return discount.IssueResult{Code: req.Code, ExternalID: "gid://discount/" + req.Code}, nil
}

func (f *fakeIssuer) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

type countingMirror struct {
	mu   sync.Mutex
	jobs int
}

func (m *countingMirror) Enqueue(mirrorsync.Job) bool {
	m.mu.Lock()
	m.jobs++
	m.mu.Unlock()
	return true
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) ofType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	customers customerdomain.Repository
	rewards   rewarddomain.Service
	issuer    *fakeIssuer
	mirror    *countingMirror
	events    *recordingPublisher
	svc       domain.Service
}

func newFixture(t *testing.T, withIssuer bool) *fixture {
	t.Helper()
	conn := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := testutil.NewClock()
	uow := testutil.NewUnitOfWork(conn)
	customers := customerrepo.Provide()

	program := config.DefaultProgram()
	program.Discount.IssueTimeout = 50 * time.Millisecond

	f := &fixture{
		db:        conn,
		node:      node,
		customers: customers,
		mirror:    &countingMirror{},
		events:    &recordingPublisher{},
	}
	f.rewards = rewardservice.New(rewardservice.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: rewardrepo.Provide(),
	})
	params := Params{
		DB:        conn,
		UoW:       uow,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Program:   config.NewStaticProgramHolder(program),
		Repo:      repository.Provide(),
		Ledger:    ledgerrepo.Provide(),
		Customers: customers,
		CustomerSv: customerservice.New(customerservice.Params{
			DB: conn, UoW: uow, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: customers,
		}),
		Rewards: f.rewards,
		Mirror:  f.mirror,
		Events:  f.events,
	}
	if withIssuer {
		f.issuer = newFakeIssuer()
		params.Issuer = f.issuer
	}
	f.svc = New(params)
	return f
}

func (f *fixture) customer(t *testing.T, externalID string, balance int64) customerdomain.Customer {
	t.Helper()
	c := customerdomain.Customer{
		ID:         f.node.Generate(),
		ShopID:     testShop,
		ExternalID: externalID,
		CreatedAt:  testutil.Epoch,
		UpdatedAt:  testutil.Epoch,
	}
	require.NoError(t, f.customers.Insert(context.Background(), f.db, &c))
	if balance != 0 {
		// Seed through the ledger so balance and ledger agree.
		require.NoError(t, ledgerrepo.Provide().Insert(context.Background(), f.db, &ledgerdomain.LedgerEntry{
			ID:         f.node.Generate(),
			ShopID:     testShop,
			CustomerID: c.ID,
			Amount:     balance,
			Reason:     ledgerdomain.ReasonPurchase,
			CreatedAt:  testutil.Epoch,
		}))
		_, err := f.customers.AddToBalance(context.Background(), f.db, c.ID, balance, testutil.Epoch)
		require.NoError(t, err)
		c.CurrentBalance = balance
	}
	return c
}

func (f *fixture) reward(t *testing.T, name string, cost int64) rewarddomain.Reward {
	t.Helper()
	min := int64(5000)
	r, err := f.rewards.Create(context.Background(), rewarddomain.CreateRequest{
		ShopID:           testShop,
		Name:             name,
		PointsCost:       cost,
		DiscountType:     discount.TypeFixedAmount,
		DiscountValue:    1000,
		MinimumCartValue: &min,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) balance(t *testing.T, id snowflake.ID) int64 {
	t.Helper()
	b, err := f.customers.Balance(context.Background(), f.db, id)
	require.NoError(t, err)
	return b
}

func (f *fixture) ledgerSum(t *testing.T, id snowflake.ID) int64 {
	t.Helper()
	sum, err := ledgerrepo.Provide().SumByCustomer(context.Background(), f.db, id)
	require.NoError(t, err)
	return sum
}

func (f *fixture) redeem(customer customerdomain.Customer, reward rewarddomain.Reward) (domain.RedeemResult, error) {
	return f.svc.Redeem(context.Background(), domain.RedeemRequest{
		ShopID:             testShop,
		CustomerExternalID: customer.ExternalID,
		RewardID:           reward.ID,
	})
}

func TestRedeemThenRefundRoundTrip(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c := f.customer(t, "7012345", 100)
	r := f.reward(t, "$10 off", 60)

	res, err := f.redeem(c, r)
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.NewBalance)
	assert.True(t, res.DiscountCreated)
	assert.Equal(t, int64(60), res.Redemption.PointsSpent)
	assert.Equal(t, "$10 off", res.Redemption.RewardName)
	assert.Regexp(t, `^LOYAL2345_[0-9A-Z]+$`, res.DiscountCode)
	require.NotNil(t, res.Redemption.ExternalDiscountID)
	assert.Equal(t, 1, f.mirror.jobs)

	issued := f.issuer.created[res.DiscountCode]
	assert.Equal(t, discount.TypeFixedAmount, issued.Shape.Type)
	assert.Equal(t, "7012345", issued.CustomerExternalID)
	assert.Equal(t, testutil.Epoch.AddDate(0, 0, 30), issued.EndsAt)

	assert.Equal(t, int64(40), f.balance(t, c.ID))
	assert.Equal(t, int64(40), f.ledgerSum(t, c.ID))

	_, err = f.redeem(c, f.reward(t, "Big", 500))
	var insufficient *domain.InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.ErrorIs(t, err, domain.ErrInsufficientPoints)
	assert.Equal(t, int64(500), insufficient.Required)
	assert.Equal(t, int64(40), insufficient.Current)
	assert.Equal(t, int64(40), f.balance(t, c.ID))

	del, err := f.svc.DeleteRedemption(ctx, testShop, res.Redemption.ID, true)
	require.NoError(t, err)
	assert.True(t, del.Refunded)
	assert.Equal(t, int64(100), del.NewBalance)
	assert.Equal(t, int64(100), f.ledgerSum(t, c.ID))

	_, err = f.svc.Get(ctx, testShop, res.Redemption.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var amounts []int64
	require.NoError(t, f.db.Table("ledger_entries").
		Where("customer_id = ? AND reason IN ?", c.ID, []string{"redemption", "redemption_refund"}).
		Order("id asc").Pluck("amount", &amounts).Error)
	assert.Equal(t, []int64{-60, 60}, amounts)
}

func TestRedeemExactBalanceAndOneShort(t *testing.T) {
	f := newFixture(t, true)
	exact := f.customer(t, "1", 60)
	short := f.customer(t, "2", 59)
	r := f.reward(t, "Tote bag", 60)

	res, err := f.redeem(exact, r)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewBalance)

	_, err = f.redeem(short, r)
	assert.ErrorIs(t, err, domain.ErrInsufficientPoints)
	assert.Equal(t, int64(59), f.balance(t, short.ID))

	var count int64
	require.NoError(t, f.db.Model(&domain.Redemption{}).Where("customer_id = ?", short.ID).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, 1, f.issuer.calls)
}

func TestRedeemValidation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.reward(t, "Mug", 10)

	_, err := f.svc.Redeem(ctx, domain.RedeemRequest{CustomerExternalID: "1", RewardID: r.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidShop)

	_, err = f.svc.Redeem(ctx, domain.RedeemRequest{ShopID: testShop, RewardID: r.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidCustomer)

	_, err = f.svc.Redeem(ctx, domain.RedeemRequest{ShopID: testShop, CustomerExternalID: "1"})
	assert.ErrorIs(t, err, domain.ErrInvalidReward)

	_, err = f.svc.Redeem(ctx, domain.RedeemRequest{ShopID: testShop, CustomerExternalID: "1", RewardID: 12345})
	assert.ErrorIs(t, err, rewarddomain.ErrNotFound)

	inactive := false
	_, err = f.rewards.Update(ctx, testShop, r.ID, rewarddomain.UpdateRequest{IsActive: &inactive})
	require.NoError(t, err)
	c := f.customer(t, "3", 100)
	_, err = f.redeem(c, r)
	assert.ErrorIs(t, err, domain.ErrRewardInactive)
	assert.Equal(t, int64(100), f.balance(t, c.ID))
}

func TestRedeemProvisionsUnknownCustomer(t *testing.T) {
	f := newFixture(t, true)
	r := f.reward(t, "Sticker", 1)

	_, err := f.svc.Redeem(context.Background(), domain.RedeemRequest{
		ShopID:             testShop,
		CustomerExternalID: "never-seen",
		RewardID:           r.ID,
	})
	var insufficient *domain.InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(0), insufficient.Current)

	stored, err := f.customers.FindByExternalID(context.Background(), f.db, testShop, "never-seen")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(0), stored.CurrentBalance)
}

func TestRedeemDegradedIssuanceThenReconcile(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c := f.customer(t, "55", 200)
	r := f.reward(t, "Free shipping", 50)

	f.issuer.setFail(errors.New("graphql: throttled"))
	res, err := f.redeem(c, r)
	require.NoError(t, err)
	assert.False(t, res.DiscountCreated)
	assert.NotEmpty(t, res.DiscountCode)
	assert.Equal(t, int64(150), res.NewBalance)
	assert.Empty(t, f.issuer.created)

	_, err = f.svc.ReconcileDiscounts(ctx, testShop, 10)
	require.NoError(t, err)

	f.issuer.setFail(nil)
	out, err := f.svc.ReconcileDiscounts(ctx, testShop, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempted)
	assert.Equal(t, 1, out.Created)
	require.Len(t, out.Items, 1)
	assert.Equal(t, res.DiscountCode, out.Items[0].DiscountCode)
	assert.Contains(t, f.issuer.created, res.DiscountCode)

	stored, err := f.svc.Get(ctx, testShop, res.Redemption.ID)
	require.NoError(t, err)
	assert.True(t, stored.DiscountCreated)

	again, err := f.svc.ReconcileDiscounts(ctx, "", 10)
	require.NoError(t, err)
	assert.Zero(t, again.Attempted)
	assert.Len(t, f.issuer.created, 1)
}

func TestRedeemIssuerTimeoutIsDegraded(t *testing.T) {
	f := newFixture(t, true)
	f.issuer.block = true
	c := f.customer(t, "66", 20)
	r := f.reward(t, "Timeout", 20)

	res, err := f.redeem(c, r)
	require.NoError(t, err)
	assert.False(t, res.DiscountCreated)
	assert.Equal(t, int64(0), res.NewBalance)
}

func TestRedeemWithoutIssuerCapability(t *testing.T) {
	f := newFixture(t, false)
	c := f.customer(t, "77", 30)
	r := f.reward(t, "Offline", 10)

	res, err := f.redeem(c, r)
	require.NoError(t, err)
	assert.False(t, res.DiscountCreated)
	assert.Equal(t, int64(20), res.NewBalance)

	_, err = f.svc.ReconcileDiscounts(context.Background(), testShop, 0)
	assert.ErrorIs(t, err, domain.ErrIssuerUnavailable)
}

func TestConcurrentRedemptionsAreLinearized(t *testing.T) {
	f := newFixture(t, true)
	c := f.customer(t, "88", 100)
	r := f.reward(t, "Thirty", 30)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.redeem(c, r)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientPoints):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, workers-3, rejected)
	assert.Equal(t, int64(10), f.balance(t, c.ID))
	assert.Equal(t, int64(10), f.ledgerSum(t, c.ID))
}

func TestRedeemLosingDebitPublishesOrphanedDiscount(t *testing.T) {
	f := newFixture(t, true)
	c := f.customer(t, "77", 100)
	r := f.reward(t, "Eighty", 80)

	// Another redemption spends the points while the code is being issued.
	f.issuer.onIssue = func() {
		_, err := f.customers.AddToBalance(context.Background(), f.db, c.ID, -50, testutil.Epoch)
		require.NoError(t, err)
	}

	_, err := f.redeem(c, r)
	var insufficient *domain.InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(50), insufficient.Current)
	require.Len(t, f.issuer.created, 1)

	orphaned := f.events.ofType(events.TypeDiscountOrphaned)
	require.Len(t, orphaned, 1)
	event := orphaned[0]
	assert.Equal(t, testShop, event.ShopID)
	assert.Equal(t, c.ID, event.CustomerID)
	for code := range f.issuer.created {
		assert.Equal(t, code, event.Payload["code"])
		assert.Equal(t, "gid://discount/"+code, event.Payload["external_discount_id"])
	}
	assert.Empty(t, f.events.ofType(events.TypeRedemptionCreated))

	list, err := f.svc.List(context.Background(), domain.ListRequest{ShopID: testShop, CustomerID: c.ID})
	require.NoError(t, err)
	assert.Empty(t, list.Redemptions)
}

func TestRedeemShortBalanceNeverReachesIssuer(t *testing.T) {
	f := newFixture(t, true)
	c := f.customer(t, "78", 50)
	r := f.reward(t, "Eighty", 80)

	_, err := f.redeem(c, r)
	assert.ErrorIs(t, err, domain.ErrInsufficientPoints)
	assert.Zero(t, f.issuer.calls)
	assert.Empty(t, f.events.ofType(events.TypeDiscountOrphaned))
}

func TestRewardDeletionKeepsRedemptionHistory(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c := f.customer(t, "99", 100)
	r := f.reward(t, "Limited edition", 40)

	res, err := f.redeem(c, r)
	require.NoError(t, err)
	require.NoError(t, f.rewards.Delete(ctx, testShop, r.ID))

	stored, err := f.svc.Get(ctx, testShop, res.Redemption.ID)
	require.NoError(t, err)
	assert.Equal(t, "Limited edition", stored.RewardName)
	assert.Equal(t, int64(40), stored.PointsSpent)
	require.NotNil(t, stored.RewardID)
	assert.Equal(t, r.ID, *stored.RewardID)
}

func TestDeleteWithoutRefundKeepsBalance(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c := f.customer(t, "100", 100)
	r := f.reward(t, "Hat", 25)

	res, err := f.redeem(c, r)
	require.NoError(t, err)

	del, err := f.svc.DeleteRedemption(ctx, testShop, res.Redemption.ID, false)
	require.NoError(t, err)
	assert.False(t, del.Refunded)
	assert.Equal(t, int64(75), f.balance(t, c.ID))

	_, err = f.svc.DeleteRedemption(ctx, testShop, res.Redemption.ID, true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListWithTotals(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c := f.customer(t, "200", 100)
	other := f.customer(t, "201", 100)

	for _, cost := range []int64{10, 20} {
		_, err := f.redeem(c, f.reward(t, "R", cost))
		require.NoError(t, err)
	}
	_, err := f.redeem(other, f.reward(t, "R", 5))
	require.NoError(t, err)

	all, err := f.svc.List(ctx, domain.ListRequest{ShopID: testShop})
	require.NoError(t, err)
	assert.Len(t, all.Redemptions, 3)
	assert.Equal(t, domain.Totals{PointsSpent: 35, Count: 3}, all.Totals)

	mine, err := f.svc.List(ctx, domain.ListRequest{ShopID: testShop, CustomerID: c.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, mine.Redemptions, 1)
	assert.True(t, mine.HasMore)
	assert.Equal(t, int64(20), mine.Redemptions[0].PointsSpent)
	assert.Equal(t, domain.Totals{PointsSpent: 30, Count: 2}, mine.Totals)
}
