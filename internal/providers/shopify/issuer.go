package shopify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/loyalty/internal/discount"
	"go.uber.org/zap"
)

const (
	defaultExpirationDays = 30

	discountByCodeQuery = `query DiscountByCode($code: String!) {
  codeDiscountNodeByCode(code: $code) { id }
}`

	discountCreateMutation = `mutation DiscountCodeBasicCreate($discount: DiscountCodeBasicInput!) {
  discountCodeBasicCreate(basicCodeDiscount: $discount) {
    codeDiscountNode { id }
    userErrors { field code message }
  }
}`
)

type discountByCodeData struct {
	Node *struct {
		ID string `json:"id"`
	} `json:"codeDiscountNodeByCode"`
}

type discountCreateData struct {
	Create struct {
		Node *struct {
			ID string `json:"id"`
		} `json:"codeDiscountNode"`
		UserErrors []UserError `json:"userErrors"`
	} `json:"discountCodeBasicCreate"`
}

// IssueDiscountCode creates a single-use discount code restricted to one
// customer. A code that already exists is reported as AlreadyExisted, so a
// retry with the same code never creates a second discount.
func (c *Client) IssueDiscountCode(ctx context.Context, req discount.IssueRequest) (discount.IssueResult, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return discount.IssueResult{}, fmt.Errorf("discount code is required")
	}
	if err := req.Shape.Validate(); err != nil {
		return discount.IssueResult{}, err
	}

	var existing discountByCodeData
	if err := c.do(ctx, req.ShopID, discountByCodeQuery, map[string]any{"code": code}, &existing); err != nil {
		return discount.IssueResult{}, err
	}
	if existing.Node != nil && existing.Node.ID != "" {
		return discount.IssueResult{Code: code, ExternalID: existing.Node.ID, AlreadyExisted: true}, nil
	}

	input := c.discountInput(req, code)
	var created discountCreateData
	if err := c.do(ctx, req.ShopID, discountCreateMutation, map[string]any{"discount": input}, &created); err != nil {
		return discount.IssueResult{}, err
	}
	if err := userErrorsErr("discountCodeBasicCreate", created.Create.UserErrors); err != nil {
		return discount.IssueResult{}, err
	}
	if created.Create.Node == nil {
		return discount.IssueResult{}, fmt.Errorf("%w: discountCodeBasicCreate returned no node", discount.ErrDegraded)
	}

	c.log.Info("discount code created",
		zap.String("shop", req.ShopID),
		zap.String("code", code),
		zap.String("discount_id", created.Create.Node.ID),
	)
	return discount.IssueResult{Code: code, ExternalID: created.Create.Node.ID}, nil
}

func (c *Client) discountInput(req discount.IssueRequest, code string) map[string]any {
	now := c.clock.Now().UTC()
	endsAt := req.EndsAt
	if endsAt.IsZero() {
		days := req.ExpirationDays
		if days <= 0 {
			days = defaultExpirationDays
		}
		endsAt = now.AddDate(0, 0, days)
	}

	title := strings.TrimSpace(req.Shape.Title)
	if title == "" {
		title = code
	}

	input := map[string]any{
		"title":    "Loyalty Reward: " + title,
		"code":     code,
		"startsAt": now.Format(time.RFC3339),
		"endsAt":   endsAt.UTC().Format(time.RFC3339),
		"customerSelection": map[string]any{
			"customers": map[string]any{
				"add": []string{CustomerGID(req.CustomerExternalID)},
			},
		},
		"customerGets":           customerGets(req.Shape),
		"usageLimit":             1,
		"appliesOncePerCustomer": true,
	}

	if req.Shape.Type == discount.TypeFreeShipping {
		input["combinesWith"] = map[string]any{
			"orderDiscounts":    true,
			"productDiscounts":  true,
			"shippingDiscounts": false,
		}
	}

	if subtotal, ok := req.Shape.MinimumSubtotal(); ok {
		input["minimumRequirement"] = map[string]any{
			"subtotal": map[string]any{
				"greaterThanOrEqualToSubtotal": subtotal.StringFixed(2),
			},
		}
	}
	return input
}

func customerGets(shape discount.Shape) map[string]any {
	var value map[string]any
	switch shape.Type {
	case discount.TypeFixedAmount:
		value = map[string]any{
			"discountAmount": map[string]any{
				"amount":            shape.Amount().StringFixed(2),
				"appliesOnEachItem": false,
			},
		}
	case discount.TypeFreeShipping:
		value = map[string]any{"percentage": 1.0}
	default:
		value = map[string]any{"percentage": shape.Percentage().InexactFloat64()}
	}
	return map[string]any{
		"value": value,
		"items": map[string]any{"all": true},
	}
}
