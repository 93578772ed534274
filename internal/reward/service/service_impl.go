package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/reward/domain"
	"github.com/smallbiznis/loyalty/internal/shopcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("reward.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (domain.Reward, error) {
	shopID, ok := shopcontext.Resolve(ctx, req.ShopID)
	if !ok {
		return domain.Reward{}, domain.ErrInvalidShop
	}

	now := s.clock.Now()
	reward := domain.Reward{
		ID:               s.genID.Generate(),
		ShopID:           shopID,
		Name:             strings.TrimSpace(req.Name),
		Description:      strings.TrimSpace(req.Description),
		ImageURL:         strings.TrimSpace(req.ImageURL),
		PointsCost:       req.PointsCost,
		DiscountType:     req.DiscountType,
		DiscountValue:    req.DiscountValue,
		MinimumCartValue: req.MinimumCartValue,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.IsActive != nil {
		reward.IsActive = *req.IsActive
	}
	if err := validate(reward); err != nil {
		return domain.Reward{}, err
	}

	if err := s.repo.Insert(ctx, s.db, &reward); err != nil {
		return domain.Reward{}, err
	}
	s.log.Info("reward created",
		zap.String("shop", shopID),
		zap.String("reward_id", reward.ID.String()),
		zap.Int64("points_cost", reward.PointsCost),
	)
	return reward, nil
}

func (s *Service) Update(ctx context.Context, shopID string, id snowflake.ID, req domain.UpdateRequest) (domain.Reward, error) {
	reward, err := s.Get(ctx, shopID, id)
	if err != nil {
		return domain.Reward{}, err
	}

	if req.Name != nil {
		reward.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		reward.Description = strings.TrimSpace(*req.Description)
	}
	if req.ImageURL != nil {
		reward.ImageURL = strings.TrimSpace(*req.ImageURL)
	}
	if req.PointsCost != nil {
		reward.PointsCost = *req.PointsCost
	}
	if req.DiscountType != nil {
		reward.DiscountType = *req.DiscountType
	}
	if req.DiscountValue != nil {
		reward.DiscountValue = *req.DiscountValue
	}
	if req.ClearMinimum {
		reward.MinimumCartValue = nil
	} else if req.MinimumCartValue != nil {
		reward.MinimumCartValue = req.MinimumCartValue
	}
	if req.IsActive != nil {
		reward.IsActive = *req.IsActive
	}
	if err := validate(reward); err != nil {
		return domain.Reward{}, err
	}

	reward.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, &reward); err != nil {
		return domain.Reward{}, err
	}
	return reward, nil
}

// Delete removes the reward. Past redemptions keep their snapshot.
func (s *Service) Delete(ctx context.Context, shopID string, id snowflake.ID) error {
	shop, err := s.scope(ctx, shopID, id)
	if err != nil {
		return err
	}
	deleted, err := s.repo.Delete(ctx, s.db, shop, id)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrNotFound
	}
	s.log.Info("reward deleted", zap.String("shop", shop), zap.String("reward_id", id.String()))
	return nil
}

func (s *Service) Get(ctx context.Context, shopID string, id snowflake.ID) (domain.Reward, error) {
	shop, err := s.scope(ctx, shopID, id)
	if err != nil {
		return domain.Reward{}, err
	}
	item, err := s.repo.FindByID(ctx, s.db, shop, id)
	if err != nil {
		return domain.Reward{}, err
	}
	if item == nil {
		return domain.Reward{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) ListActive(ctx context.Context, shopID string) ([]domain.Reward, error) {
	return s.List(ctx, domain.ListRequest{ShopID: shopID, ActiveOnly: true})
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.Reward, error) {
	shop, ok := shopcontext.Resolve(ctx, req.ShopID)
	if !ok {
		return nil, domain.ErrInvalidShop
	}
	items, err := s.repo.List(ctx, s.db, shop, req.ActiveOnly)
	if err != nil {
		return nil, err
	}
	rewards := make([]domain.Reward, 0, len(items))
	for _, item := range items {
		rewards = append(rewards, *item)
	}
	return rewards, nil
}

func (s *Service) scope(ctx context.Context, shopID string, id snowflake.ID) (string, error) {
	shop, ok := shopcontext.Resolve(ctx, shopID)
	if !ok {
		return "", domain.ErrInvalidShop
	}
	if id == 0 {
		return "", domain.ErrInvalidID
	}
	return shop, nil
}

func validate(reward domain.Reward) error {
	if reward.Name == "" {
		return domain.ErrInvalidName
	}
	if reward.PointsCost <= 0 {
		return domain.ErrInvalidPointsCost
	}
	return reward.Shape().Validate()
}
