package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/customer/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const customerColumns = `id, shop_id, external_id, email, first_name, last_name, tags, current_balance, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO customers (`+customerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		customer.ID,
		customer.ShopID,
		customer.ExternalID,
		customer.Email,
		customer.FirstName,
		customer.LastName,
		customer.Tags,
		customer.CurrentBalance,
		customer.CreatedAt,
		customer.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT `+customerColumns+` FROM customers WHERE id = ?`,
		id,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, nil
	}
	return &customer, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, shopID, externalID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT `+customerColumns+` FROM customers WHERE shop_id = ? AND external_id = ?`,
		shopID,
		externalID,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, nil
	}
	return &customer, nil
}

func (r *repo) UpdateProfile(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Exec(
		`UPDATE customers SET email = ?, first_name = ?, last_name = ?, tags = ?, updated_at = ? WHERE id = ?`,
		customer.Email,
		customer.FirstName,
		customer.LastName,
		customer.Tags,
		customer.UpdatedAt,
		customer.ID,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, shopID string, filter domain.ListCustomerFilter) ([]*domain.Customer, error) {
	var customers []*domain.Customer
	stmt := db.WithContext(ctx).
		Model(&domain.Customer{}).
		Where("shop_id = ?", shopID)
	if search := strings.TrimSpace(filter.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		stmt = stmt.Where("(LOWER(email) LIKE ? OR external_id = ? OR LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ?)", like, search, like, like)
	}
	if filter.AfterID != 0 {
		stmt = stmt.Where("id < ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Order("id desc").Find(&customers).Error; err != nil {
		return nil, err
	}
	return customers, nil
}

func (r *repo) ListIDs(ctx context.Context, db *gorm.DB, shopID string, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []int64
	stmt := db.WithContext(ctx).Table("customers").Select("id").Where("id > ?", afterID)
	if shopID != "" {
		stmt = stmt.Where("shop_id = ?", shopID)
	}
	if err := stmt.Order("id asc").Limit(limit).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		out = append(out, snowflake.ID(id))
	}
	return out, nil
}

func (r *repo) DeleteCascade(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	for _, stmt := range []string{
		`DELETE FROM redemptions WHERE customer_id = ?`,
		`DELETE FROM ledger_entries WHERE customer_id = ?`,
		`DELETE FROM customers WHERE id = ?`,
	} {
		if err := db.WithContext(ctx).Exec(stmt, id).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) AddToBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE customers SET current_balance = current_balance + ?, updated_at = ? WHERE id = ?`,
		delta,
		now,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) DebitIfSufficient(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE customers SET current_balance = current_balance - ?, updated_at = ?
		 WHERE id = ? AND current_balance >= ?`,
		amount,
		now,
		id,
		amount,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Customer, error) {
	var customers []domain.Customer
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Limit(1).
		Find(&customers).Error
	if err != nil {
		return nil, err
	}
	if len(customers) == 0 {
		return nil, nil
	}
	return &customers[0], nil
}

func (r *repo) ResetBalanceToLedger(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE customers
		 SET current_balance = (SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE customer_id = ?),
		     updated_at = ?
		 WHERE id = ?`,
		id,
		now,
		id,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, domain.ErrNotFound
	}
	return r.Balance(ctx, db, id)
}

func (r *repo) TopByBalance(ctx context.Context, db *gorm.DB, shopID string, limit int) ([]*domain.Customer, error) {
	var customers []*domain.Customer
	err := db.WithContext(ctx).
		Where("shop_id = ?", shopID).
		Order("current_balance desc").
		Order("id asc").
		Limit(limit).
		Find(&customers).Error
	return customers, err
}

func (r *repo) Count(ctx context.Context, db *gorm.DB, shopID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Customer{}).Where("shop_id = ?", shopID).Count(&count).Error
	return count, err
}

func (r *repo) Balance(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	var rows []int64
	err := db.WithContext(ctx).Raw(`SELECT current_balance FROM customers WHERE id = ?`, id).Scan(&rows).Error
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, domain.ErrNotFound
	}
	return rows[0], nil
}
