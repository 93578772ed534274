package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/loyalty/internal/config"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	"github.com/smallbiznis/loyalty/internal/discount"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	rewarddomain "github.com/smallbiznis/loyalty/internal/reward/domain"
	"github.com/smallbiznis/loyalty/internal/shopcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	signupBonusPoints = 100
	signupExternalID  = "seed-signup"
)

var Module = fx.Module("seed",
	fx.Invoke(Run),
)

type demoCustomer struct {
	externalID string
	email      string
	firstName  string
	tags       []string
	purchases  []int64
}

var demoCustomers = []demoCustomer{
	{externalID: "7891234567890", email: "ada@example.com", firstName: "Ada", tags: []string{"VIP", "Early Adopter"}, purchases: []int64{600, 800}},
	{externalID: "7891234567891", email: "bo@example.com", firstName: "Bo", tags: []string{"Regular"}, purchases: []int64{650}},
	{externalID: "7891234567892", email: "cy@example.com", firstName: "Cy", tags: []string{"VIP", "Ambassador"}, purchases: []int64{1200, 900, 1000}},
	{externalID: "7891234567893", email: "di@example.com", firstName: "Di", purchases: []int64{100}},
}

func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }

var demoRewards = []rewarddomain.CreateRequest{
	{Name: "5% Discount", Description: "Get 5% off your next purchase", PointsCost: 200, DiscountType: discount.TypePercentage, DiscountValue: 5},
	{Name: "$10 Off", Description: "Get $10 off your order", PointsCost: 400, DiscountType: discount.TypeFixedAmount, DiscountValue: 1000, MinimumCartValue: int64Ptr(5000)},
	{Name: "Free Shipping", Description: "Free standard shipping on your order", PointsCost: 150, DiscountType: discount.TypeFreeShipping, MinimumCartValue: int64Ptr(2000)},
	{Name: "20% Discount", Description: "Get 20% off everything", PointsCost: 1500, DiscountType: discount.TypePercentage, DiscountValue: 20, MinimumCartValue: int64Ptr(7500)},
	{Name: "$50 Off (Premium)", Description: "Premium reward", PointsCost: 1800, DiscountType: discount.TypeFixedAmount, DiscountValue: 5000, MinimumCartValue: int64Ptr(20000), IsActive: boolPtr(false)},
}

type Params struct {
	fx.In

	Config    config.Config
	Log       *zap.Logger
	Customers customerdomain.Service
	Ledger    ledgerdomain.Service
	Rewards   rewarddomain.Service
}

// Run seeds the development shop named by SEED_SHOP_ID. It never runs in
// production.
func Run(p Params) error {
	shop := shopcontext.NormalizeShop(p.Config.SeedShopID)
	if shop == "" {
		return nil
	}
	if p.Config.IsProduction() {
		p.Log.Warn("seed skipped in production", zap.String("shop", shop))
		return nil
	}
	return EnsureDemoShop(context.Background(), p, shop)
}

// EnsureDemoShop creates a demo reward catalog and demo customers with
// purchase history. Balances are derived from ledger postings so the shop
// passes verification. Reruns are idempotent.
func EnsureDemoShop(ctx context.Context, p Params, shop string) error {
	if p.Customers == nil || p.Ledger == nil || p.Rewards == nil {
		return errors.New("seed services are required")
	}
	log := p.Log.Named("seed").With(zap.String("shop", shop))

	created, err := ensureRewards(ctx, p.Rewards, shop)
	if err != nil {
		return err
	}

	posted := 0
	for _, demo := range demoCustomers {
		customer, err := p.Customers.Upsert(ctx, customerdomain.UpsertCustomerRequest{
			ShopID:     shop,
			ExternalID: demo.externalID,
			Email:      demo.email,
			FirstName:  demo.firstName,
			Tags:       demo.tags,
		})
		if err != nil {
			return fmt.Errorf("seed customer %s: %w", demo.externalID, err)
		}

		entries := []ledgerdomain.PostRequest{{
			CustomerID: customer.ID,
			Amount:     signupBonusPoints,
			Reason:     ledgerdomain.ReasonSignupBonus,
			ExternalID: signupExternalID,
			Metadata:   map[string]any{"source": "welcome_campaign"},
		}}
		for i, amount := range demo.purchases {
			entries = append(entries, ledgerdomain.PostRequest{
				CustomerID:      customer.ID,
				Amount:          amount,
				Reason:          ledgerdomain.ReasonPurchase,
				ExternalID:      fmt.Sprintf("seed-order-%s-%d", demo.externalID, i+1),
				ExternalOrderID: fmt.Sprintf("%s%d", demo.externalID, i+1),
				Metadata:        map[string]any{"currency": "EUR"},
			})
		}

		for _, entry := range entries {
			result, err := p.Ledger.Post(ctx, entry)
			if err != nil {
				return fmt.Errorf("seed ledger %s: %w", entry.ExternalID, err)
			}
			if result.Posted {
				posted++
			}
		}
	}

	log.Info("demo shop seeded",
		zap.Int("rewards_created", created),
		zap.Int("customers", len(demoCustomers)),
		zap.Int("entries_posted", posted),
	)
	return nil
}

// ensureRewards only fills an empty catalog.
func ensureRewards(ctx context.Context, rewards rewarddomain.Service, shop string) (int, error) {
	existing, err := rewards.List(ctx, rewarddomain.ListRequest{ShopID: shop})
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	for _, req := range demoRewards {
		req.ShopID = shop
		if _, err := rewards.Create(ctx, req); err != nil {
			return 0, fmt.Errorf("seed reward %q: %w", req.Name, err)
		}
	}
	return len(demoRewards), nil
}
