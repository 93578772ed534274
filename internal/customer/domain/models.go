package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Customer is a loyalty member of a shop. CurrentBalance caches the sum of
// the customer's ledger entries and is only written by the ledger and
// redemption engines and by balance verification.
type Customer struct {
	ID             snowflake.ID                `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ShopID         string                      `gorm:"column:shop_id;type:varchar(255);not null;uniqueIndex:ux_customers_shop_external,priority:1" json:"shop_id"`
	ExternalID     string                      `gorm:"column:external_id;type:varchar(255);not null;uniqueIndex:ux_customers_shop_external,priority:2" json:"external_id"`
	Email          string                      `gorm:"type:varchar(320)" json:"email,omitempty"`
	FirstName      string                      `gorm:"type:varchar(255)" json:"first_name,omitempty"`
	LastName       string                      `gorm:"type:varchar(255)" json:"last_name,omitempty"`
	Tags           datatypes.JSONSlice[string] `json:"tags"`
	CurrentBalance int64                       `gorm:"not null;default:0" json:"current_balance"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }

const storefrontCustomerGIDPrefix = "gid://shopify/Customer/"

// NormalizeExternalID reduces a storefront customer reference to its numeric
// id so webhook payloads (global ids) and proxy requests (plain ids) resolve
// to the same customer.
func NormalizeExternalID(externalID string) string {
	externalID = strings.TrimSpace(externalID)
	return strings.TrimPrefix(externalID, storefrontCustomerGIDPrefix)
}
