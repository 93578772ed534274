package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/reward/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, reward *domain.Reward) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO rewards (
			id, shop_id, name, description, image_url, points_cost, discount_type,
			discount_value, minimum_cart_value, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reward.ID,
		reward.ShopID,
		reward.Name,
		reward.Description,
		reward.ImageURL,
		reward.PointsCost,
		reward.DiscountType,
		reward.DiscountValue,
		reward.MinimumCartValue,
		reward.IsActive,
		reward.CreatedAt,
		reward.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, reward *domain.Reward) error {
	return db.WithContext(ctx).Exec(
		`UPDATE rewards SET
			name = ?, description = ?, image_url = ?, points_cost = ?, discount_type = ?,
			discount_value = ?, minimum_cart_value = ?, is_active = ?, updated_at = ?
		 WHERE id = ? AND shop_id = ?`,
		reward.Name,
		reward.Description,
		reward.ImageURL,
		reward.PointsCost,
		reward.DiscountType,
		reward.DiscountValue,
		reward.MinimumCartValue,
		reward.IsActive,
		reward.UpdatedAt,
		reward.ID,
		reward.ShopID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, shopID string, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM rewards WHERE id = ? AND shop_id = ?`, id, shopID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, shopID string, id snowflake.ID) (*domain.Reward, error) {
	var reward domain.Reward
	err := db.WithContext(ctx).
		Where("id = ? AND shop_id = ?", id, shopID).
		Limit(1).
		Find(&reward).Error
	if err != nil {
		return nil, err
	}
	if reward.ID == 0 {
		return nil, nil
	}
	return &reward, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, shopID string, activeOnly bool) ([]*domain.Reward, error) {
	var rewards []*domain.Reward
	stmt := db.WithContext(ctx).Where("shop_id = ?", shopID)
	if activeOnly {
		stmt = stmt.Where("is_active = ?", true)
	}
	if err := stmt.Order("points_cost asc").Order("id asc").Find(&rewards).Error; err != nil {
		return nil, err
	}
	return rewards, nil
}
