package events

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	TypeBalanceChanged    = "loyalty.balance.changed"
	TypeRedemptionCreated = "loyalty.redemption.created"
	// TypeDiscountOrphaned reports a storefront discount that was created
	// for a redemption that never committed. Consumers revoke the code.
	TypeDiscountOrphaned = "loyalty.discount.orphaned"
)

// Event is a domain notification emitted after a local commit. The event
// type doubles as the routing key on the topic exchange.
type Event struct {
	ID         snowflake.ID   `json:"id"`
	Type       string         `json:"type"`
	ShopID     string         `json:"shop_id"`
	CustomerID snowflake.ID   `json:"customer_id"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

// BalanceChanged builds the event for a balance mutation.
func BalanceChanged(shopID string, customerID snowflake.ID, balance, delta int64, reason string, at time.Time) Event {
	return Event{
		Type:       TypeBalanceChanged,
		ShopID:     shopID,
		CustomerID: customerID,
		Payload: map[string]any{
			"balance": balance,
			"delta":   delta,
			"reason":  reason,
		},
		OccurredAt: at,
	}
}

// DiscountOrphaned carries what a consumer needs to revoke the code.
func DiscountOrphaned(shopID string, customerID snowflake.ID, code string, externalDiscountID *string, cause string, at time.Time) Event {
	payload := map[string]any{
		"code":  code,
		"cause": cause,
	}
	if externalDiscountID != nil {
		payload["external_discount_id"] = *externalDiscountID
	}
	return Event{
		Type:       TypeDiscountOrphaned,
		ShopID:     shopID,
		CustomerID: customerID,
		Payload:    payload,
		OccurredAt: at,
	}
}
