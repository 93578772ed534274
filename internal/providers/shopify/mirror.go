package shopify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/smallbiznis/loyalty/internal/discount"
	"go.uber.org/zap"
)

const (
	balanceQuery = `query CustomerBalance($id: ID!, $namespace: String!, $key: String!) {
  customer(id: $id) {
    id
    metafield(namespace: $namespace, key: $key) { value }
  }
}`

	balanceMutation = `mutation CustomerBalanceUpdate($input: CustomerInput!) {
  customerUpdate(input: $input) {
    customer { id }
    userErrors { field message }
  }
}`

	definitionMutation = `mutation BalanceDefinitionCreate($definition: MetafieldDefinitionInput!) {
  metafieldDefinitionCreate(definition: $definition) {
    createdDefinition { id }
    userErrors { field code message }
  }
}`
)

type balanceQueryData struct {
	Customer *struct {
		ID        string `json:"id"`
		Metafield *struct {
			Value string `json:"value"`
		} `json:"metafield"`
	} `json:"customer"`
}

type balanceMutationData struct {
	Update struct {
		Customer *struct {
			ID string `json:"id"`
		} `json:"customer"`
		UserErrors []UserError `json:"userErrors"`
	} `json:"customerUpdate"`
}

type definitionMutationData struct {
	Create struct {
		UserErrors []UserError `json:"userErrors"`
	} `json:"metafieldDefinitionCreate"`
}

// ReadBalance returns the mirrored balance, or nil when the customer has no
// balance metafield yet.
func (c *Client) ReadBalance(ctx context.Context, shopID, customerExternalID string) (*int64, error) {
	var data balanceQueryData
	err := c.do(ctx, shopID, balanceQuery, map[string]any{
		"id":        CustomerGID(customerExternalID),
		"namespace": MetafieldNamespace,
		"key":       MetafieldKey,
	}, &data)
	if err != nil {
		return nil, err
	}
	if data.Customer == nil {
		return nil, discount.ErrUnknownCustomer
	}
	if data.Customer.Metafield == nil {
		return nil, nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(data.Customer.Metafield.Value), 10, 64)
	if err != nil {
		c.log.Warn("mirrored balance unreadable; overwriting",
			zap.String("shop", shopID),
			zap.String("customer_external_id", customerExternalID),
			zap.String("value", data.Customer.Metafield.Value),
		)
		return nil, nil
	}
	return &value, nil
}

// SyncBalance writes balance to the customer's points metafield.
func (c *Client) SyncBalance(ctx context.Context, shopID, customerExternalID string, balance int64) error {
	var data balanceMutationData
	err := c.do(ctx, shopID, balanceMutation, map[string]any{
		"input": map[string]any{
			"id": CustomerGID(customerExternalID),
			"metafields": []map[string]any{{
				"namespace": MetafieldNamespace,
				"key":       MetafieldKey,
				"value":     strconv.FormatInt(balance, 10),
				"type":      "number_integer",
			}},
		},
	}, &data)
	if err != nil {
		return err
	}
	if err := userErrorsErr("customerUpdate", data.Update.UserErrors); err != nil {
		return err
	}
	if data.Update.Customer == nil {
		return discount.ErrUnknownCustomer
	}
	return nil
}

// EnsureBalanceDefinition registers the points metafield definition so the
// balance is visible to storefront themes. An existing definition is success.
func (c *Client) EnsureBalanceDefinition(ctx context.Context, shopID string) error {
	var data definitionMutationData
	err := c.do(ctx, shopID, definitionMutation, map[string]any{
		"definition": map[string]any{
			"name":        "Loyalty Points Balance",
			"namespace":   MetafieldNamespace,
			"key":         MetafieldKey,
			"description": "Current loyalty points balance",
			"type":        "number_integer",
			"ownerType":   "CUSTOMER",
			"access":      map[string]any{"storefront": "PUBLIC_READ"},
		},
	}, &data)
	if err != nil {
		return err
	}

	remaining := make([]UserError, 0, len(data.Create.UserErrors))
	for _, ue := range data.Create.UserErrors {
		if ue.Code == "TAKEN" {
			continue
		}
		remaining = append(remaining, ue)
	}
	if err := userErrorsErr("metafieldDefinitionCreate", remaining); err != nil {
		return fmt.Errorf("ensure balance definition: %w", err)
	}
	return nil
}
