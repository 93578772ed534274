package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/customer/domain"
	"github.com/smallbiznis/loyalty/internal/shopcontext"
	"github.com/smallbiznis/loyalty/pkg/db"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	UoW   *db.UnitOfWork
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	uow   *db.UnitOfWork
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		uow:   p.UoW,
		log:   p.Log.Named("customer.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (domain.Customer, error) {
	if id == 0 {
		return domain.Customer{}, domain.ErrInvalidID
	}
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) GetByExternalID(ctx context.Context, shopID, externalID string) (domain.Customer, error) {
	shopID, externalID, err := s.identity(ctx, shopID, externalID)
	if err != nil {
		return domain.Customer{}, err
	}
	item, err := s.repo.FindByExternalID(ctx, s.db, shopID, externalID)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) FindOrProvision(ctx context.Context, shopID, externalID string) (domain.Customer, bool, error) {
	shopID, externalID, err := s.identity(ctx, shopID, externalID)
	if err != nil {
		return domain.Customer{}, false, err
	}

	existing, err := s.repo.FindByExternalID(ctx, s.db, shopID, externalID)
	if err != nil {
		return domain.Customer{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	now := s.clock.Now()
	customer := domain.Customer{
		ID:         s.genID.Generate(),
		ShopID:     shopID,
		ExternalID: externalID,
		Tags:       datatypes.JSONSlice[string]{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Insert(ctx, s.db, &customer); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return domain.Customer{}, false, err
		}
		// Lost the race against a concurrent provision; use the winner's row.
		winner, findErr := s.repo.FindByExternalID(ctx, s.db, shopID, externalID)
		if findErr != nil {
			return domain.Customer{}, false, findErr
		}
		if winner == nil {
			return domain.Customer{}, false, err
		}
		return *winner, false, nil
	}

	s.log.Info("customer provisioned",
		zap.String("shop", shopID),
		zap.String("customer_id", customer.ID.String()),
	)
	return customer, true, nil
}

func (s *Service) Upsert(ctx context.Context, req domain.UpsertCustomerRequest) (domain.Customer, error) {
	customer, _, err := s.FindOrProvision(ctx, req.ShopID, req.ExternalID)
	if err != nil {
		return domain.Customer{}, err
	}

	customer.Email = strings.TrimSpace(req.Email)
	customer.FirstName = strings.TrimSpace(req.FirstName)
	customer.LastName = strings.TrimSpace(req.LastName)
	customer.Tags = datatypes.JSONSlice[string](normalizeTags(req.Tags))
	customer.UpdatedAt = s.clock.Now()

	if err := s.repo.UpdateProfile(ctx, s.db, &customer); err != nil {
		return domain.Customer{}, err
	}
	return customer, nil
}

func (s *Service) DeleteByExternalID(ctx context.Context, shopID, externalID string) error {
	customer, err := s.GetByExternalID(ctx, shopID, externalID)
	if err != nil {
		return err
	}
	if err := s.uow.Do(ctx, func(tx *gorm.DB) error {
		return s.repo.DeleteCascade(ctx, tx, customer.ID)
	}); err != nil {
		return err
	}

	s.log.Info("customer deleted",
		zap.String("shop", customer.ShopID),
		zap.String("customer_id", customer.ID.String()),
	)
	return nil
}

func (s *Service) List(ctx context.Context, req domain.ListCustomerRequest) (domain.ListCustomerResponse, error) {
	shopID, ok := shopcontext.Resolve(ctx, req.ShopID)
	if !ok {
		return domain.ListCustomerResponse{}, domain.ErrInvalidShop
	}

	filter := domain.ListCustomerFilter{
		Search: strings.TrimSpace(req.Search),
		Limit:  pagination.Limit(req.PageSize),
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListCustomerResponse{}, domain.ErrInvalidPageToken
		}
		afterID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return domain.ListCustomerResponse{}, domain.ErrInvalidPageToken
		}
		filter.AfterID = afterID
	}

	items, err := s.repo.List(ctx, s.db, shopID, filter)
	if err != nil {
		return domain.ListCustomerResponse{}, err
	}
	items, hasMore := pagination.Trim(items, filter.Limit)

	customers := make([]domain.Customer, 0, len(items))
	for _, item := range items {
		customers = append(customers, *item)
	}

	return domain.ListCustomerResponse{
		PageInfo: pagination.BuildCursorPageInfo(items, hasMore, func(c *domain.Customer) pagination.Cursor {
			return pagination.Cursor{ID: c.ID.String()}
		}),
		Customers: customers,
	}, nil
}

func (s *Service) identity(ctx context.Context, shopID, externalID string) (string, string, error) {
	shop, ok := shopcontext.Resolve(ctx, shopID)
	if !ok {
		return "", "", domain.ErrInvalidShop
	}
	externalID = domain.NormalizeExternalID(externalID)
	if externalID == "" {
		return "", "", domain.ErrInvalidExternalID
	}
	return shop, externalID, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
