// Package discount declares the external capabilities the loyalty engines
// depend on: issuing single-use discount codes and mirroring balances onto
// the storefront customer profile.
package discount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Type string

const (
	TypePercentage   Type = "percentage"
	TypeFixedAmount  Type = "fixed_amount"
	TypeFreeShipping Type = "free_shipping"
)

var (
	// ErrDegraded marks a failed or unreachable external call.
	ErrDegraded = errors.New("external_service_degraded")
	// ErrNoSession is returned when the shop has no Admin API session.
	ErrNoSession = errors.New("no_shop_session")
	// ErrUnknownCustomer is returned when the storefront has no such customer.
	ErrUnknownCustomer = errors.New("unknown_storefront_customer")

	ErrInvalidType  = errors.New("invalid_discount_type")
	ErrInvalidValue = errors.New("invalid_discount_value")
)

// Shape is the reward's discount definition. Value is percentage points for
// TypePercentage and minor currency units for TypeFixedAmount.
type Shape struct {
	Title            string
	Type             Type
	Value            int64
	MinimumCartValue *int64
}

func (s Shape) Validate() error {
	switch s.Type {
	case TypePercentage:
		if s.Value < 0 || s.Value > 100 {
			return ErrInvalidValue
		}
	case TypeFixedAmount, TypeFreeShipping:
		if s.Value < 0 {
			return ErrInvalidValue
		}
	default:
		return ErrInvalidType
	}
	if s.MinimumCartValue != nil && *s.MinimumCartValue < 0 {
		return ErrInvalidValue
	}
	return nil
}

// Percentage returns the discount as a fraction between 0 and 1.
func (s Shape) Percentage() decimal.Decimal {
	return decimal.NewFromInt(s.Value).Div(decimal.NewFromInt(100))
}

// Amount returns the fixed amount in major currency units.
func (s Shape) Amount() decimal.Decimal {
	return decimal.New(s.Value, -2)
}

// MinimumSubtotal returns the minimum cart value in major currency units.
func (s Shape) MinimumSubtotal() (decimal.Decimal, bool) {
	if s.MinimumCartValue == nil || *s.MinimumCartValue <= 0 {
		return decimal.Zero, false
	}
	return decimal.New(*s.MinimumCartValue, -2), true
}

type IssueRequest struct {
	ShopID             string
	CustomerExternalID string
	// Code is pre-generated by the caller so that retries create the same code.
	Code           string
	Shape          Shape
	ExpirationDays int
	// EndsAt overrides ExpirationDays when set.
	EndsAt time.Time
}

type IssueResult struct {
	Code       string
	ExternalID string
	// AlreadyExisted reports that the code had been created by an earlier attempt.
	AlreadyExisted bool
}

type Issuer interface {
	IssueDiscountCode(ctx context.Context, req IssueRequest) (IssueResult, error)
}

// BalanceMirror is an eventually consistent copy of the balance kept on the
// storefront. It is never authoritative.
type BalanceMirror interface {
	SyncBalance(ctx context.Context, shopID, customerExternalID string, balance int64) error
	// ReadBalance returns nil when no value is mirrored yet.
	ReadBalance(ctx context.Context, shopID, customerExternalID string) (*int64, error)
}

// GenerateCode builds a discount code from the configured prefix, the tail of
// the customer's external id and a unique snowflake suffix.
func GenerateCode(prefix, customerExternalID string, id snowflake.ID) string {
	tail := customerExternalID
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return strings.ToUpper(fmt.Sprintf("%s%s_%s", prefix, tail, id.Base36()))
}
