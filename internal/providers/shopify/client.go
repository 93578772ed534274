// Package shopify talks to the Shopify Admin GraphQL API on behalf of a shop.
// It issues customer-scoped discount codes and mirrors the points balance
// onto a customer metafield.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/discount"
	obstracing "github.com/smallbiznis/loyalty/internal/observability/tracing"
	"go.uber.org/zap"
)

const (
	defaultAPIVersion = "2025-01"
	defaultTimeout    = 12 * time.Second
	maxErrorBody      = 2048

	MetafieldNamespace = "loyalty"
	MetafieldKey       = "points_balance"
)

// SessionSource resolves the Admin API access token of a shop.
type SessionSource interface {
	AccessToken(shop string) (string, bool)
}

type Options struct {
	APIVersion string
	Timeout    time.Duration
	// BaseURL replaces https://<shop> when set.
	BaseURL string
}

type Client struct {
	httpClient *http.Client
	sessions   SessionSource
	clock      clock.Clock
	log        *zap.Logger
	apiVersion string
	baseURL    string
}

func NewClient(sessions SessionSource, clk clock.Clock, log *zap.Logger, opts Options) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	version := strings.TrimSpace(opts.APIVersion)
	if version == "" {
		version = defaultAPIVersion
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: obstracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
		sessions:   sessions,
		clock:      clk,
		log:        log.Named("shopify"),
		apiVersion: version,
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// UserError is a mutation-level validation error reported by Shopify.
type UserError struct {
	Field   []string `json:"field"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
}

func (c *Client) endpoint(shop string) string {
	base := c.baseURL
	if base == "" {
		base = "https://" + shop
	}
	return fmt.Sprintf("%s/admin/api/%s/graphql.json", base, c.apiVersion)
}

// do runs a GraphQL document for shop and decodes data into out.
// Transport failures, non-2xx responses and top-level GraphQL errors wrap
// discount.ErrDegraded.
func (c *Client) do(ctx context.Context, shop, query string, variables map[string]any, out any) error {
	shop = strings.ToLower(strings.TrimSpace(shop))
	token, ok := c.sessions.AccessToken(shop)
	if !ok {
		return discount.ErrNoSession
	}

	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(shop), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Shopify-Access-Token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Join(discount.ErrDegraded, fmt.Errorf("graphql request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Warn("shop session rejected",
			zap.String("shop", shop),
			zap.Int("status", resp.StatusCode),
			zap.String("body", strings.TrimSpace(string(body))),
		)
		return discount.ErrNoSession
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errors.Join(discount.ErrDegraded,
			fmt.Errorf("graphql status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var envelope graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Join(discount.ErrDegraded, fmt.Errorf("decode graphql response: %w", err))
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			messages = append(messages, e.Message)
		}
		return errors.Join(discount.ErrDegraded, fmt.Errorf("graphql errors: %s", strings.Join(messages, "; ")))
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return errors.Join(discount.ErrDegraded, fmt.Errorf("decode graphql data: %w", err))
	}
	return nil
}

func userErrorsErr(op string, userErrors []UserError) error {
	if len(userErrors) == 0 {
		return nil
	}
	messages := make([]string, 0, len(userErrors))
	for _, ue := range userErrors {
		msg := ue.Message
		if len(ue.Field) > 0 {
			msg = strings.Join(ue.Field, ".") + ": " + msg
		}
		messages = append(messages, msg)
	}
	return errors.Join(discount.ErrDegraded, fmt.Errorf("%s: %s", op, strings.Join(messages, "; ")))
}

// CustomerGID converts a numeric storefront customer id to its global id.
func CustomerGID(externalID string) string {
	externalID = strings.TrimSpace(externalID)
	if strings.HasPrefix(externalID, "gid://") {
		return externalID
	}
	return "gid://shopify/Customer/" + externalID
}
