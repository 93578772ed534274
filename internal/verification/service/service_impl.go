package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/clock"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	"github.com/smallbiznis/loyalty/internal/mirrorsync"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	"github.com/smallbiznis/loyalty/internal/shopcontext"
	"github.com/smallbiznis/loyalty/internal/verification/domain"
	"github.com/smallbiznis/loyalty/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const batchSize = 500

type Params struct {
	fx.In

	DB         *gorm.DB
	UoW        *db.UnitOfWork
	Log        *zap.Logger
	Clock      clock.Clock
	Customers  customerdomain.Repository
	Ledger     ledgerdomain.Repository
	Mirror     mirrorsync.Enqueuer `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	uow        *db.UnitOfWork
	log        *zap.Logger
	clock      clock.Clock
	customers  customerdomain.Repository
	ledger     ledgerdomain.Repository
	mirror     mirrorsync.Enqueuer
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		uow:        p.UoW,
		log:        p.Log.Named("verification.service"),
		clock:      p.Clock,
		customers:  p.Customers,
		ledger:     p.Ledger,
		mirror:     p.Mirror,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) VerifyCustomer(ctx context.Context, customerID snowflake.ID) (domain.VerifyResult, error) {
	if customerID == 0 {
		return domain.VerifyResult{}, domain.ErrInvalidCustomer
	}

	result, err := s.verifyOnce(ctx, customerID)
	if err != nil {
		return domain.VerifyResult{}, err
	}

	if result.Corrected {
		s.log.Warn("balance drift corrected",
			zap.String("shop", result.ShopID),
			zap.String("customer_id", customerID.String()),
			zap.Int64("stored", result.StoredBalance),
			zap.Int64("calculated", result.CalculatedBalance),
		)
		s.obsMetrics.RecordBalanceCorrection(ctx, result.ShopID)
		if s.mirror != nil {
			s.mirror.Enqueue(mirrorsync.Job{ShopID: result.ShopID, CustomerID: customerID})
		}
	}
	return result, nil
}

// verifyOnce holds the customer row lock for the whole check. Posts and
// redemptions update the balance in the same transaction as their ledger
// insert, so they wait for the lock and the sum cannot go stale before the
// correction lands. The correction itself recomputes from the ledger inside
// the UPDATE.
func (s *Service) verifyOnce(ctx context.Context, customerID snowflake.ID) (domain.VerifyResult, error) {
	var result domain.VerifyResult
	err := s.uow.Do(ctx, func(tx *gorm.DB) error {
		customer, err := s.customers.FindByIDForUpdate(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return customerdomain.ErrNotFound
		}
		calculated, err := s.ledger.SumByCustomer(ctx, tx, customerID)
		if err != nil {
			return err
		}

		result = domain.VerifyResult{
			CustomerID:        customerID,
			ShopID:            customer.ShopID,
			Verified:          customer.CurrentBalance == calculated,
			StoredBalance:     customer.CurrentBalance,
			CalculatedBalance: calculated,
		}
		if result.Verified {
			return nil
		}

		corrected, err := s.customers.ResetBalanceToLedger(ctx, tx, customerID, s.clock.Now())
		if err != nil {
			return err
		}
		result.CalculatedBalance = corrected
		result.Corrected = true
		return nil
	})
	return result, err
}

func (s *Service) VerifyAll(ctx context.Context, shopID string) (domain.VerifyAllResult, error) {
	shopID = shopcontext.NormalizeShop(shopID)
	result := domain.VerifyAllResult{Discrepancies: []domain.Discrepancy{}}

	err := s.eachCustomer(ctx, shopID, func(id snowflake.ID) error {
		result.Total++
		res, err := s.VerifyCustomer(ctx, id)
		if err != nil {
			if errors.Is(err, customerdomain.ErrNotFound) {
				// Deleted while the batch was running.
				result.Total--
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			result.Errors = append(result.Errors, domain.ItemError{CustomerID: id, Error: err.Error()})
			return nil
		}
		if res.Verified {
			result.Verified++
			return nil
		}
		if res.Corrected {
			result.Corrected++
		}
		result.Discrepancies = append(result.Discrepancies, domain.Discrepancy{
			CustomerID: id,
			ShopID:     res.ShopID,
			Stored:     res.StoredBalance,
			Calculated: res.CalculatedBalance,
			Difference: res.CalculatedBalance - res.StoredBalance,
		})
		return nil
	})
	if err != nil {
		return result, err
	}

	s.log.Info("balance verification finished",
		zap.String("shop", shopID),
		zap.Int("total", result.Total),
		zap.Int("verified", result.Verified),
		zap.Int("corrected", result.Corrected),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

func (s *Service) SyncBalances(ctx context.Context, req domain.SyncRequest) (domain.SyncResult, error) {
	if s.mirror == nil {
		return domain.SyncResult{}, domain.ErrMirrorDisabled
	}
	shopID, _ := shopcontext.Resolve(ctx, req.ShopID)

	var result domain.SyncResult
	if req.CustomerID != 0 {
		customer, err := s.customers.FindByID(ctx, s.db, req.CustomerID)
		if err != nil {
			return domain.SyncResult{}, err
		}
		if customer == nil || (shopID != "" && customer.ShopID != shopID) {
			return domain.SyncResult{}, customerdomain.ErrNotFound
		}
		if req.Verify {
			if _, err := s.VerifyCustomer(ctx, customer.ID); err != nil {
				return domain.SyncResult{}, err
			}
		}
		s.enqueue(&result, customer.ShopID, customer.ID)
		return result, nil
	}

	if req.Verify {
		verification, err := s.VerifyAll(ctx, shopID)
		if err != nil {
			return domain.SyncResult{}, err
		}
		result.Verification = &verification
	}

	err := s.eachCustomer(ctx, shopID, func(id snowflake.ID) error {
		s.enqueue(&result, shopID, id)
		return nil
	})
	if err != nil {
		return result, err
	}
	s.log.Info("balance mirror sync enqueued",
		zap.String("shop", shopID),
		zap.Int("enqueued", result.Enqueued),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (s *Service) enqueue(result *domain.SyncResult, shopID string, id snowflake.ID) {
	if s.mirror.Enqueue(mirrorsync.Job{ShopID: shopID, CustomerID: id}) {
		result.Enqueued++
		return
	}
	result.Skipped++
}

// eachCustomer walks customer ids in ascending batches so the scan never
// holds a long transaction.
func (s *Service) eachCustomer(ctx context.Context, shopID string, fn func(snowflake.ID) error) error {
	var after snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := s.customers.ListIDs(ctx, s.db, shopID, after, batchSize)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := fn(id); err != nil {
				return err
			}
		}
		if len(ids) < batchSize {
			return nil
		}
		after = ids[len(ids)-1]
	}
}
