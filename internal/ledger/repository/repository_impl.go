package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.LedgerEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, shop_id, customer_id, amount, reason, external_id, external_order_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.ShopID,
		entry.CustomerID,
		entry.Amount,
		entry.Reason,
		entry.ExternalID,
		entry.ExternalOrderID,
		entry.Metadata,
		entry.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, customerID snowflake.ID, reason domain.Reason, externalID string) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("customer_id = ? AND reason = ? AND external_id = ?", customerID, reason, externalID).
		Limit(1).
		Find(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM ledger_entries WHERE id = ?`, id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	stmt := applyFilter(db.WithContext(ctx).Model(&domain.LedgerEntry{}), filter)
	if filter.BeforeID != 0 {
		stmt = stmt.Where("id < ?", filter.BeforeID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Order("id desc").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) Totals(ctx context.Context, db *gorm.DB, filter domain.ListFilter) (domain.Totals, error) {
	var totals domain.Totals
	err := applyFilter(db.WithContext(ctx).Model(&domain.LedgerEntry{}), filter).
		Select("COALESCE(SUM(amount), 0) AS total_amount, COUNT(*) AS entry_count").
		Scan(&totals).Error
	return totals, err
}

func (r *repo) SumByCustomer(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (int64, error) {
	var sum int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE customer_id = ?`,
		customerID,
	).Scan(&sum).Error
	return sum, err
}

func (r *repo) Amounts(ctx context.Context, db *gorm.DB, shopID string, from, to time.Time) ([]domain.AmountPoint, error) {
	var points []domain.AmountPoint
	err := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Select("created_at, amount").
		Where("shop_id = ? AND created_at >= ? AND created_at < ?", shopID, from, to).
		Order("created_at asc").
		Scan(&points).Error
	return points, err
}

func (r *repo) Aggregate(ctx context.Context, db *gorm.DB, shopID string, from, to time.Time) (domain.Aggregate, error) {
	var agg domain.Aggregate
	stmt := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Select(`COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS credited,
			COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0) AS debited,
			COUNT(*) AS entry_count`).
		Where("shop_id = ?", shopID)
	if !from.IsZero() {
		stmt = stmt.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		stmt = stmt.Where("created_at < ?", to)
	}
	err := stmt.Scan(&agg).Error
	return agg, err
}

func applyFilter(stmt *gorm.DB, filter domain.ListFilter) *gorm.DB {
	if filter.ShopID != "" {
		stmt = stmt.Where("shop_id = ?", filter.ShopID)
	}
	if filter.CustomerID != 0 {
		stmt = stmt.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.Reason != "" {
		stmt = stmt.Where("reason = ?", filter.Reason)
	}
	if filter.From != nil {
		stmt = stmt.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		stmt = stmt.Where("created_at < ?", filter.To.UTC())
	}
	return stmt
}
