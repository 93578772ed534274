package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/loyalty/internal/clock"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	"github.com/smallbiznis/loyalty/internal/pointstats/domain"
	redemptiondomain "github.com/smallbiznis/loyalty/internal/redemption/domain"
	"github.com/smallbiznis/loyalty/internal/shopcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const topCustomers = 5

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Ledger      ledgerdomain.Repository
	Customers   customerdomain.Repository
	Redemptions redemptiondomain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	ledger      ledgerdomain.Repository
	customers   customerdomain.Repository
	redemptions redemptiondomain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("pointstats.service"),
		clock:       p.Clock,
		ledger:      p.Ledger,
		customers:   p.Customers,
		redemptions: p.Redemptions,
	}
}

func (s *Service) Series(ctx context.Context, req domain.SeriesRequest) (domain.Series, error) {
	shopID, ok := shopcontext.Resolve(ctx, req.ShopID)
	if !ok {
		return domain.Series{}, domain.ErrInvalidShop
	}
	rangeName := strings.TrimSpace(req.Range)
	if rangeName == "" && req.From == nil && req.To == nil {
		rangeName = domain.DefaultRange
	}
	window, err := domain.ResolveWindow(rangeName, req.From, req.To, s.clock.Now())
	if err != nil {
		return domain.Series{}, err
	}

	points, err := s.ledger.Amounts(ctx, s.db, shopID, window.From, window.To)
	if err != nil {
		return domain.Series{}, err
	}

	starts := window.Starts()
	buckets := make([]domain.Bucket, len(starts))
	index := make(map[int64]int, len(starts))
	for i, start := range starts {
		buckets[i] = domain.Bucket{Start: start, Label: window.Label(start)}
		index[start.Unix()] = i
	}

	series := domain.Series{
		Range:       rangeName,
		Granularity: window.Granularity,
		From:        window.From,
		To:          window.To,
	}
	for _, p := range points {
		i, ok := index[window.BucketOf(p.CreatedAt).Unix()]
		if !ok {
			continue
		}
		if p.Amount >= 0 {
			buckets[i].Credited += p.Amount
			series.CreditedTotal += p.Amount
		} else {
			buckets[i].Debited -= p.Amount
			series.DebitedTotal -= p.Amount
		}
	}
	series.Buckets = buckets

	prev := window.Previous()
	previous, err := s.ledger.Aggregate(ctx, s.db, shopID, prev.From, prev.To)
	if err != nil {
		return domain.Series{}, err
	}
	series.PreviousCredited = previous.Credited
	series.Percentage = domain.PercentageChange(series.CreditedTotal, previous.Credited)
	return series, nil
}

func (s *Service) Summary(ctx context.Context, shopID string) (domain.Summary, error) {
	shop, ok := shopcontext.Resolve(ctx, shopID)
	if !ok {
		return domain.Summary{}, domain.ErrInvalidShop
	}

	customers, err := s.customers.Count(ctx, s.db, shop)
	if err != nil {
		return domain.Summary{}, err
	}
	agg, err := s.ledger.Aggregate(ctx, s.db, shop, time.Time{}, time.Time{})
	if err != nil {
		return domain.Summary{}, err
	}
	redemptions, err := s.redemptions.Totals(ctx, s.db, redemptiondomain.ListFilter{ShopID: shop})
	if err != nil {
		return domain.Summary{}, err
	}
	top, err := s.customers.TopByBalance(ctx, s.db, shop, topCustomers)
	if err != nil {
		return domain.Summary{}, err
	}

	summary := domain.Summary{
		Customers:      customers,
		LedgerEntries:  agg.Count,
		Redemptions:    redemptions.Count,
		PointsIssued:   agg.Credited,
		PointsRedeemed: agg.Debited,
		NetPoints:      agg.Credited - agg.Debited,
		TopCustomers:   make([]domain.TopCustomer, 0, len(top)),
	}
	for _, c := range top {
		summary.TopCustomers = append(summary.TopCustomers, domain.TopCustomer{
			CustomerID: c.ID,
			ExternalID: c.ExternalID,
			Email:      c.Email,
			Balance:    c.CurrentBalance,
		})
	}
	return summary, nil
}
