package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/clock"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	"github.com/smallbiznis/loyalty/internal/events"
	"github.com/smallbiznis/loyalty/internal/ledger/domain"
	"github.com/smallbiznis/loyalty/internal/mirrorsync"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	"github.com/smallbiznis/loyalty/internal/shopcontext"
	"github.com/smallbiznis/loyalty/pkg/db"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// errReplayed aborts a transaction that lost an idempotency race.
var errReplayed = errors.New("ledger_entry_replayed")

type Params struct {
	fx.In

	DB         *gorm.DB
	UoW        *db.UnitOfWork
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Customers  customerdomain.Repository
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
	repo       domain.Repository
	customers  customerdomain.Repository
	mirror     mirrorsync.Enqueuer
	events     events.Publisher
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		uow:        p.UoW,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		customers:  p.Customers,
		mirror:     p.Mirror,
		events:     p.Events,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Post(ctx context.Context, req domain.PostRequest) (domain.PostResult, error) {
	if req.CustomerID == 0 {
		return domain.PostResult{}, domain.ErrInvalidCustomer
	}
	if req.Amount == 0 {
		return domain.PostResult{}, domain.ErrInvalidAmount
	}
	if !req.Reason.Valid() {
		return domain.PostResult{}, domain.ErrInvalidReason
	}

	entry := domain.LedgerEntry{
		ID:              s.genID.Generate(),
		CustomerID:      req.CustomerID,
		Amount:          req.Amount,
		Reason:          req.Reason,
		ExternalID:      optional(req.ExternalID),
		ExternalOrderID: optional(req.ExternalOrderID),
		CreatedAt:       s.clock.Now(),
	}
	if len(req.Metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(req.Metadata)
	}

	var result domain.PostResult
	err := s.uow.Do(ctx, func(tx *gorm.DB) error {
		customer, err := s.customers.FindByID(ctx, tx, req.CustomerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return customerdomain.ErrNotFound
		}
		entry.ShopID = customer.ShopID

		if entry.ExternalID != nil {
			existing, err := s.repo.FindByExternalID(ctx, tx, entry.CustomerID, entry.Reason, *entry.ExternalID)
			if err != nil {
				return err
			}
			if existing != nil {
				result = domain.PostResult{Entry: *existing, NewBalance: customer.CurrentBalance}
				return nil
			}
		}

		if err := s.repo.Insert(ctx, tx, &entry); err != nil {
			if entry.ExternalID != nil && db.IsDuplicateKeyErr(err) {
				return errReplayed
			}
			return err
		}
		if _, err := s.customers.AddToBalance(ctx, tx, entry.CustomerID, entry.Amount, entry.CreatedAt); err != nil {
			return err
		}
		balance, err := s.customers.Balance(ctx, tx, entry.CustomerID)
		if err != nil {
			return err
		}
		result = domain.PostResult{Entry: entry, NewBalance: balance, Posted: true}
		return nil
	})
	if errors.Is(err, errReplayed) {
		return s.replay(ctx, entry)
	}
	if err != nil {
		return domain.PostResult{}, err
	}

	if !result.Posted {
		s.log.Info("ledger entry already recorded",
			zap.String("shop", result.Entry.ShopID),
			zap.String("customer_id", result.Entry.CustomerID.String()),
			zap.String("ledger_entry_id", result.Entry.ID.String()),
		)
		return result, nil
	}

	s.log.Info("ledger entry posted",
		zap.String("shop", entry.ShopID),
		zap.String("customer_id", entry.CustomerID.String()),
		zap.String("ledger_entry_id", entry.ID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("reason", string(entry.Reason)),
		zap.Int64("balance", result.NewBalance),
	)
	s.obsMetrics.RecordLedgerEntry(ctx, entry.ShopID, string(entry.Reason))
	s.afterCommit(ctx, entry.ShopID, entry.CustomerID, result.NewBalance, entry.Amount, string(entry.Reason))
	return result, nil
}

// replay returns the entry that won a concurrent post with the same external id.
func (s *Service) replay(ctx context.Context, entry domain.LedgerEntry) (domain.PostResult, error) {
	existing, err := s.repo.FindByExternalID(ctx, s.db, entry.CustomerID, entry.Reason, *entry.ExternalID)
	if err != nil {
		return domain.PostResult{}, err
	}
	if existing == nil {
		return domain.PostResult{}, db.ErrStorageConflict
	}
	balance, err := s.customers.Balance(ctx, s.db, entry.CustomerID)
	if err != nil {
		return domain.PostResult{}, err
	}
	return domain.PostResult{Entry: *existing, NewBalance: balance}, nil
}

// Reverse deletes an entry and takes its amount back out of the balance.
func (s *Service) Reverse(ctx context.Context, id snowflake.ID) (domain.ReverseResult, error) {
	if id == 0 {
		return domain.ReverseResult{}, domain.ErrInvalidID
	}

	var result domain.ReverseResult
	err := s.uow.Do(ctx, func(tx *gorm.DB) error {
		entry, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if entry == nil {
			return domain.ErrNotFound
		}
		deleted, err := s.repo.Delete(ctx, tx, id)
		if err != nil {
			return err
		}
		if !deleted {
			return domain.ErrNotFound
		}
		found, err := s.customers.AddToBalance(ctx, tx, entry.CustomerID, -entry.Amount, s.clock.Now())
		if err != nil {
			return err
		}
		if !found {
			return customerdomain.ErrNotFound
		}
		balance, err := s.customers.Balance(ctx, tx, entry.CustomerID)
		if err != nil {
			return err
		}
		result = domain.ReverseResult{Entry: *entry, NewBalance: balance}
		return nil
	})
	if err != nil {
		return domain.ReverseResult{}, err
	}

	entry := result.Entry
	s.log.Warn("ledger entry reversed",
		zap.String("shop", entry.ShopID),
		zap.String("customer_id", entry.CustomerID.String()),
		zap.String("ledger_entry_id", entry.ID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("reason", string(entry.Reason)),
		zap.Int64("balance", result.NewBalance),
	)
	s.obsMetrics.RecordLedgerReversal(ctx, entry.ShopID)
	s.afterCommit(ctx, entry.ShopID, entry.CustomerID, result.NewBalance, -entry.Amount, "reversal")
	return result, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.LedgerEntry, error) {
	if id == 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidID
	}
	entry, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if entry == nil {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	return *entry, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	shopID, ok := shopcontext.Resolve(ctx, req.ShopID)
	if !ok && req.CustomerID == 0 {
		return domain.ListResponse{}, customerdomain.ErrInvalidShop
	}
	if req.Reason != "" && !req.Reason.Valid() {
		return domain.ListResponse{}, domain.ErrInvalidReason
	}
	if req.From != nil && req.To != nil && !req.From.Before(*req.To) {
		return domain.ListResponse{}, domain.ErrInvalidRange
	}

	filter := domain.ListFilter{
		ShopID:     shopID,
		CustomerID: req.CustomerID,
		Reason:     req.Reason,
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

	entries := make([]domain.LedgerEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, *item)
	}

	return domain.ListResponse{
		PageInfo: pagination.BuildCursorPageInfo(items, hasMore, func(e *domain.LedgerEntry) pagination.Cursor {
			return pagination.Cursor{ID: e.ID.String()}
		}),
		Entries: entries,
		Totals:  totals,
	}, nil
}

// afterCommit hands the new balance to the mirror queue and the event bus.
// Neither can undo the local commit.
func (s *Service) afterCommit(ctx context.Context, shopID string, customerID snowflake.ID, balance, delta int64, reason string) {
	if s.mirror != nil {
		s.mirror.Enqueue(mirrorsync.Job{ShopID: shopID, CustomerID: customerID})
	}
	if s.events == nil {
		return
	}
	event := events.BalanceChanged(shopID, customerID, balance, delta, reason, s.clock.Now())
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("balance event publish failed",
			zap.String("shop", shopID),
			zap.String("customer_id", customerID.String()),
			zap.Error(err),
		)
	}
}

func listLimit(limit int) int {
	switch {
	case limit <= 0:
		return domain.DefaultListLimit
	case limit > domain.MaxListLimit:
		return domain.MaxListLimit
	default:
		return limit
	}
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
