package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/config"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	"github.com/smallbiznis/loyalty/internal/discount"
	"github.com/smallbiznis/loyalty/internal/events"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	"github.com/smallbiznis/loyalty/internal/mirrorsync"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	"github.com/smallbiznis/loyalty/internal/redemption/domain"
	rewarddomain "github.com/smallbiznis/loyalty/internal/reward/domain"
	"github.com/smallbiznis/loyalty/internal/shopcontext"
	"github.com/smallbiznis/loyalty/pkg/db"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultListLimit      = 50
	maxListLimit          = 200
	defaultReconcileLimit = 100

	outcomeRedeemed     = "redeemed"
	outcomeInsufficient = "insufficient_points"
	outcomeFailed       = "failed"

	issuanceCreated     = "created"
	issuanceFailed      = "failed"
	issuanceUnavailable = "unavailable"
	issuanceOrphaned    = "orphaned"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	UoW        *db.UnitOfWork
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Program    *config.ProgramHolder
	Repo       domain.Repository
	Ledger     ledgerdomain.Repository
	Customers  customerdomain.Repository
	CustomerSv customerdomain.Service
	Rewards    rewarddomain.Service
	Issuer     discount.Issuer     `optional:"true"`
	Mirror     mirrorsync.Enqueuer `optional:"true"`
	Events     events.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	uow        *db.UnitOfWork
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	program    *config.ProgramHolder
	repo       domain.Repository
	ledger     ledgerdomain.Repository
	customers  customerdomain.Repository
	customerSv customerdomain.Service
	rewards    rewarddomain.Service
	issuer     discount.Issuer
	mirror     mirrorsync.Enqueuer
	events     events.Publisher
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		uow:        p.UoW,
		log:        p.Log.Named("redemption.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		program:    p.Program,
		repo:       p.Repo,
		ledger:     p.Ledger,
		customers:  p.Customers,
		customerSv: p.CustomerSv,
		rewards:    p.Rewards,
		issuer:     p.Issuer,
		mirror:     p.Mirror,
		events:     p.Events,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Redeem(ctx context.Context, req domain.RedeemRequest) (domain.RedeemResult, error) {
	shopID, ok := shopcontext.Resolve(ctx, req.ShopID)
	if !ok {
		return domain.RedeemResult{}, domain.ErrInvalidShop
	}
	externalID := strings.TrimSpace(req.CustomerExternalID)
	if externalID == "" {
		return domain.RedeemResult{}, domain.ErrInvalidCustomer
	}
	if req.RewardID == 0 {
		return domain.RedeemResult{}, domain.ErrInvalidReward
	}

	customer, provisioned, err := s.customerSv.FindOrProvision(ctx, shopID, externalID)
	if err != nil {
		return domain.RedeemResult{}, err
	}
	externalID = customer.ExternalID

	reward, err := s.rewards.Get(ctx, shopID, req.RewardID)
	if err != nil {
		return domain.RedeemResult{}, err
	}
	if !reward.IsActive {
		return domain.RedeemResult{}, domain.ErrRewardInactive
	}

	log := s.log.With(
		zap.String("shop", shopID),
		zap.String("customer_id", customer.ID.String()),
		zap.String("reward_id", reward.ID.String()),
	)

	// Fail fast before touching the external issuer; the guarded debit
	// below is what actually decides.
	if customer.CurrentBalance < reward.PointsCost {
		s.obsMetrics.RecordRedemption(ctx, shopID, outcomeInsufficient)
		return domain.RedeemResult{}, &domain.InsufficientPointsError{
			Required: reward.PointsCost,
			Current:  customer.CurrentBalance,
		}
	}

	settings := s.program.Current().Discount
	now := s.clock.Now()
	redemption := domain.Redemption{
		ID:               s.genID.Generate(),
		ShopID:           shopID,
		CustomerID:       customer.ID,
		RewardID:         &reward.ID,
		RewardName:       reward.Name,
		DiscountType:     reward.DiscountType,
		DiscountValue:    reward.DiscountValue,
		MinimumCartValue: reward.MinimumCartValue,
		PointsSpent:      reward.PointsCost,
		DiscountCode:     discount.GenerateCode(settings.CodePrefix, externalID, s.genID.Generate()),
		ExpiresAt:        now.AddDate(0, 0, settings.ExpirationDays),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	issued, issueErr := s.issue(ctx, discount.IssueRequest{
		ShopID:             shopID,
		CustomerExternalID: externalID,
		Code:               redemption.DiscountCode,
		Shape:              redemption.Shape(),
		ExpirationDays:     settings.ExpirationDays,
		EndsAt:             redemption.ExpiresAt,
	}, settings.IssueTimeout)
	if issueErr != nil {
		log.Warn("discount issuance degraded; keeping local code for reconciliation",
			zap.String("code", redemption.DiscountCode),
			zap.Error(issueErr),
		)
	} else {
		redemption.DiscountCreated = true
		if issued.ExternalID != "" {
			redemption.ExternalDiscountID = &issued.ExternalID
		}
	}

	var balance int64
	err = s.uow.Do(ctx, func(tx *gorm.DB) error {
		debited, err := s.customers.DebitIfSufficient(ctx, tx, customer.ID, redemption.PointsSpent, now)
		if err != nil {
			return err
		}
		if !debited {
			current, err := s.customers.Balance(ctx, tx, customer.ID)
			if err != nil {
				return err
			}
			return &domain.InsufficientPointsError{Required: redemption.PointsSpent, Current: current}
		}
		if err := s.repo.Insert(ctx, tx, &redemption); err != nil {
			return err
		}
		if err := s.ledger.Insert(ctx, tx, s.debitEntry(redemption)); err != nil {
			return err
		}
		balance, err = s.customers.Balance(ctx, tx, customer.ID)
		return err
	})
	if err != nil {
		outcome := outcomeFailed
		if errors.Is(err, domain.ErrInsufficientPoints) {
			outcome = outcomeInsufficient
		}
		s.obsMetrics.RecordRedemption(ctx, shopID, outcome)
		if redemption.DiscountCreated {
			s.orphanDiscount(ctx, log, redemption, err)
		}
		return domain.RedeemResult{}, err
	}

	log.Info("reward redeemed",
		zap.String("redemption_id", redemption.ID.String()),
		zap.Int64("points_spent", redemption.PointsSpent),
		zap.Bool("discount_created", redemption.DiscountCreated),
		zap.Int64("balance", balance),
	)
	s.obsMetrics.RecordRedemption(ctx, shopID, outcomeRedeemed)
	s.afterCommit(ctx, redemption, balance, -redemption.PointsSpent, string(ledgerdomain.ReasonRedemption))
	s.publish(ctx, events.Event{
		Type:       events.TypeRedemptionCreated,
		ShopID:     shopID,
		CustomerID: customer.ID,
		Payload: map[string]any{
			"redemption_id":    redemption.ID.String(),
			"reward_name":      redemption.RewardName,
			"points_spent":     redemption.PointsSpent,
			"discount_created": redemption.DiscountCreated,
		},
		OccurredAt: now,
	})

	return domain.RedeemResult{
		Redemption:          redemption,
		DiscountCode:        redemption.DiscountCode,
		DiscountCreated:     redemption.DiscountCreated,
		NewBalance:          balance,
		CustomerProvisioned: provisioned,
	}, nil
}

// issue calls the external issuer under a bounded timeout. Any failure is
// reported as discount.ErrDegraded.
func (s *Service) issue(ctx context.Context, req discount.IssueRequest, timeout time.Duration) (discount.IssueResult, error) {
	if s.issuer == nil {
		s.obsMetrics.RecordDiscountIssuance(ctx, req.ShopID, issuanceUnavailable)
		return discount.IssueResult{}, discount.ErrDegraded
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.issuer.IssueDiscountCode(callCtx, req)
	if err != nil {
		result := issuanceFailed
		if errors.Is(err, discount.ErrNoSession) {
			result = issuanceUnavailable
		}
		s.obsMetrics.RecordDiscountIssuance(ctx, req.ShopID, result)
		if errors.Is(err, discount.ErrDegraded) {
			return discount.IssueResult{}, err
		}
		return discount.IssueResult{}, errors.Join(discount.ErrDegraded, err)
	}
	s.obsMetrics.RecordDiscountIssuance(ctx, req.ShopID, issuanceCreated)
	return res, nil
}

func (s *Service) debitEntry(r domain.Redemption) *ledgerdomain.LedgerEntry {
	ref := r.ID.String()
	return &ledgerdomain.LedgerEntry{
		ID:         s.genID.Generate(),
		ShopID:     r.ShopID,
		CustomerID: r.CustomerID,
		Amount:     -r.PointsSpent,
		Reason:     ledgerdomain.ReasonRedemption,
		ExternalID: &ref,
		Metadata: datatypes.JSONMap{
			"redemption_id": ref,
			"reward_id":     rewardRef(r.RewardID),
			"reward_name":   r.RewardName,
			"discount_code": r.DiscountCode,
		},
		CreatedAt: r.CreatedAt,
	}
}

func (s *Service) DeleteRedemption(ctx context.Context, shopID string, id snowflake.ID, refund bool) (domain.DeleteResult, error) {
	shop, ok := shopcontext.Resolve(ctx, shopID)
	if !ok {
		return domain.DeleteResult{}, domain.ErrInvalidShop
	}
	if id == 0 {
		return domain.DeleteResult{}, domain.ErrInvalidID
	}

	now := s.clock.Now()
	var result domain.DeleteResult
	err := s.uow.Do(ctx, func(tx *gorm.DB) error {
		redemption, err := s.repo.FindByID(ctx, tx, shop, id)
		if err != nil {
			return err
		}
		if redemption == nil {
			return domain.ErrNotFound
		}
		deleted, err := s.repo.Delete(ctx, tx, id)
		if err != nil {
			return err
		}
		if !deleted {
			return domain.ErrNotFound
		}
		result = domain.DeleteResult{Redemption: *redemption}
		if !refund {
			return nil
		}

		ref := redemption.ID.String()
		if err := s.ledger.Insert(ctx, tx, &ledgerdomain.LedgerEntry{
			ID:         s.genID.Generate(),
			ShopID:     redemption.ShopID,
			CustomerID: redemption.CustomerID,
			Amount:     redemption.PointsSpent,
			Reason:     ledgerdomain.ReasonRedemptionRefund,
			ExternalID: &ref,
			Metadata: datatypes.JSONMap{
				"redemption_id": ref,
				"reward_name":   redemption.RewardName,
				"discount_code": redemption.DiscountCode,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		found, err := s.customers.AddToBalance(ctx, tx, redemption.CustomerID, redemption.PointsSpent, now)
		if err != nil {
			return err
		}
		if !found {
			return customerdomain.ErrNotFound
		}
		result.Refunded = true
		result.NewBalance, err = s.customers.Balance(ctx, tx, redemption.CustomerID)
		return err
	})
	if err != nil {
		return domain.DeleteResult{}, err
	}

	s.log.Warn("redemption deleted",
		zap.String("shop", shop),
		zap.String("redemption_id", id.String()),
		zap.String("customer_id", result.Redemption.CustomerID.String()),
		zap.Bool("refunded", result.Refunded),
	)
	if result.Refunded {
		s.obsMetrics.RecordLedgerEntry(ctx, shop, string(ledgerdomain.ReasonRedemptionRefund))
		s.afterCommit(ctx, result.Redemption, result.NewBalance, result.Redemption.PointsSpent, string(ledgerdomain.ReasonRedemptionRefund))
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, shopID string, id snowflake.ID) (domain.Redemption, error) {
	shop, ok := shopcontext.Resolve(ctx, shopID)
	if !ok {
		return domain.Redemption{}, domain.ErrInvalidShop
	}
	if id == 0 {
		return domain.Redemption{}, domain.ErrInvalidID
	}
	item, err := s.repo.FindByID(ctx, s.db, shop, id)
	if err != nil {
		return domain.Redemption{}, err
	}
	if item == nil {
		return domain.Redemption{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	shopID, ok := shopcontext.Resolve(ctx, req.ShopID)
	if !ok {
		return domain.ListResponse{}, domain.ErrInvalidShop
	}
	if req.From != nil && req.To != nil && !req.From.Before(*req.To) {
		return domain.ListResponse{}, domain.ErrInvalidRange
	}

	filter := domain.ListFilter{
		ShopID:     shopID,
		CustomerID: req.CustomerID,
		From:       req.From,
		To:         req.To,
		Limit:      listLimit(req.Limit),
	}
	totals, err := s.repo.Totals(ctx, s.db, filter)
	if err != nil {
		return domain.ListResponse{}, err
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		beforeID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		filter.BeforeID = beforeID
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return domain.ListResponse{}, err
	}
	items, hasMore := pagination.Trim(items, filter.Limit)

	redemptions := make([]domain.Redemption, 0, len(items))
	for _, item := range items {
		redemptions = append(redemptions, *item)
	}
	return domain.ListResponse{
		PageInfo: pagination.BuildCursorPageInfo(items, hasMore, func(r *domain.Redemption) pagination.Cursor {
			return pagination.Cursor{ID: r.ID.String()}
		}),
		Redemptions: redemptions,
		Totals:      totals,
	}, nil
}

func (s *Service) ReconcileDiscounts(ctx context.Context, shopID string, limit int) (domain.ReconcileResult, error) {
	if s.issuer == nil {
		return domain.ReconcileResult{}, domain.ErrIssuerUnavailable
	}
	shopID = shopcontext.NormalizeShop(shopID)
	if limit <= 0 {
		limit = defaultReconcileLimit
	}

	now := s.clock.Now()
	pending, err := s.repo.ListPendingDiscounts(ctx, s.db, shopID, now, limit)
	if err != nil {
		return domain.ReconcileResult{}, err
	}

	settings := s.program.Current().Discount
	result := domain.ReconcileResult{Items: make([]domain.ReconcileItem, 0, len(pending))}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++
		item := domain.ReconcileItem{
			RedemptionID: p.ID,
			ShopID:       p.ShopID,
			DiscountCode: p.DiscountCode,
		}

		issued, err := s.issue(ctx, discount.IssueRequest{
			ShopID:             p.ShopID,
			CustomerExternalID: p.CustomerExternalID,
			Code:               p.DiscountCode,
			Shape:              p.Shape(),
			ExpirationDays:     settings.ExpirationDays,
			EndsAt:             p.ExpiresAt,
		}, settings.IssueTimeout)
		if err != nil {
			result.Failed++
			item.Status = domain.ReconcileFailed
			item.Error = err.Error()
			result.Items = append(result.Items, item)
			continue
		}

		var externalID *string
		if issued.ExternalID != "" {
			externalID = &issued.ExternalID
		}
		if err := s.repo.MarkDiscountCreated(ctx, s.db, p.ID, externalID, s.clock.Now()); err != nil {
			return result, err
		}
		result.Created++
		item.Status = domain.ReconcileCreated
		if issued.AlreadyExisted {
			item.Status = domain.ReconcileAlreadyExists
		}
		result.Items = append(result.Items, item)
	}

	if result.Attempted > 0 {
		s.log.Info("discount reconciliation finished",
			zap.String("shop", shopID),
			zap.Int("attempted", result.Attempted),
			zap.Int("created", result.Created),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

// orphanDiscount hands a discount whose redemption rolled back (usually a
// concurrent redemption won the debit) to the event stream for revocation.
func (s *Service) orphanDiscount(ctx context.Context, log *zap.Logger, r domain.Redemption, cause error) {
	log.Error("discount issued but redemption was not recorded",
		zap.String("code", r.DiscountCode),
		zap.Error(cause),
	)
	s.obsMetrics.RecordDiscountIssuance(ctx, r.ShopID, issuanceOrphaned)
	s.publish(ctx, events.DiscountOrphaned(r.ShopID, r.CustomerID, r.DiscountCode, r.ExternalDiscountID, cause.Error(), s.clock.Now()))
}

func (s *Service) afterCommit(ctx context.Context, r domain.Redemption, balance, delta int64, reason string) {
	if s.mirror != nil {
		s.mirror.Enqueue(mirrorsync.Job{ShopID: r.ShopID, CustomerID: r.CustomerID})
	}
	s.publish(ctx, events.BalanceChanged(r.ShopID, r.CustomerID, balance, delta, reason, s.clock.Now()))
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("event publish failed",
			zap.String("type", event.Type),
			zap.String("shop", event.ShopID),
			zap.Error(err),
		)
	}
}

func listLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

func rewardRef(id *snowflake.ID) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(id.Int64(), 10)
}
