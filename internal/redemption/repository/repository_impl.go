package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/redemption/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, redemption *domain.Redemption) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO redemptions (
			id, shop_id, customer_id, reward_id, reward_name, discount_type, discount_value,
			minimum_cart_value, points_spent, discount_code, discount_created, external_discount_id,
			expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		redemption.ID,
		redemption.ShopID,
		redemption.CustomerID,
		redemption.RewardID,
		redemption.RewardName,
		redemption.DiscountType,
		redemption.DiscountValue,
		redemption.MinimumCartValue,
		redemption.PointsSpent,
		redemption.DiscountCode,
		redemption.DiscountCreated,
		redemption.ExternalDiscountID,
		redemption.ExpiresAt,
		redemption.CreatedAt,
		redemption.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, shopID string, id snowflake.ID) (*domain.Redemption, error) {
	var redemption domain.Redemption
	stmt := db.WithContext(ctx).Where("id = ?", id)
	if shopID != "" {
		stmt = stmt.Where("shop_id = ?", shopID)
	}
	if err := stmt.Limit(1).Find(&redemption).Error; err != nil {
		return nil, err
	}
	if redemption.ID == 0 {
		return nil, nil
	}
	return &redemption, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM redemptions WHERE id = ?`, id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Redemption, error) {
	var redemptions []*domain.Redemption
	stmt := applyFilter(db.WithContext(ctx).Model(&domain.Redemption{}), filter)
	if filter.BeforeID != 0 {
		stmt = stmt.Where("id < ?", filter.BeforeID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Order("id desc").Find(&redemptions).Error; err != nil {
		return nil, err
	}
	return redemptions, nil
}

func (r *repo) Totals(ctx context.Context, db *gorm.DB, filter domain.ListFilter) (domain.Totals, error) {
	var totals domain.Totals
	err := applyFilter(db.WithContext(ctx).Model(&domain.Redemption{}), filter).
		Select("COALESCE(SUM(points_spent), 0) AS points_total, COUNT(*) AS redemption_count").
		Scan(&totals).Error
	return totals, err
}

func (r *repo) ListPendingDiscounts(ctx context.Context, db *gorm.DB, shopID string, now time.Time, limit int) ([]domain.PendingDiscount, error) {
	var pending []domain.PendingDiscount
	stmt := db.WithContext(ctx).
		Table("redemptions AS r").
		Select("r.*, c.external_id AS customer_external_id").
		Joins("JOIN customers c ON c.id = r.customer_id").
		Where("r.discount_created = ? AND r.expires_at > ?", false, now)
	if shopID != "" {
		stmt = stmt.Where("r.shop_id = ?", shopID)
	}
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Order("r.id asc").Scan(&pending).Error; err != nil {
		return nil, err
	}
	return pending, nil
}

func (r *repo) MarkDiscountCreated(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID *string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE redemptions SET discount_created = ?, external_discount_id = COALESCE(?, external_discount_id), updated_at = ?
		 WHERE id = ?`,
		true,
		externalID,
		now,
		id,
	).Error
}

func applyFilter(stmt *gorm.DB, filter domain.ListFilter) *gorm.DB {
	if filter.ShopID != "" {
		stmt = stmt.Where("shop_id = ?", filter.ShopID)
	}
	if filter.CustomerID != 0 {
		stmt = stmt.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.From != nil {
		stmt = stmt.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		stmt = stmt.Where("created_at < ?", filter.To.UTC())
	}
	return stmt
}
