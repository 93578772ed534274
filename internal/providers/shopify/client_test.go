package shopify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/discount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testShop = "demo.myshopify.com"

type staticSessions map[string]string

func (s staticSessions) AccessToken(shop string) (string, bool) {
	token, ok := s[shop]
	return token, ok
}

type recordedCall struct {
	Path      string
	Token     string
	Query     string
	Variables map[string]any
}

type fakeAdmin struct {
	mu    sync.Mutex
	calls []recordedCall
	// respond returns the status and the JSON body for a GraphQL document.
	respond func(query string, variables map[string]any) (int, string)
}

func (f *fakeAdmin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{
		Path:      r.URL.Path,
		Token:     r.Header.Get("X-Shopify-Access-Token"),
		Query:     req.Query,
		Variables: req.Variables,
	})
	f.mu.Unlock()

	status, body := f.respond(req.Query, req.Variables)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (f *fakeAdmin) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func newTestClient(t *testing.T, admin *fakeAdmin) *Client {
	t.Helper()
	server := httptest.NewServer(admin)
	t.Cleanup(server.Close)
	return NewClient(
		staticSessions{testShop: "shpat_test"},
		clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
		zap.NewNop(),
		Options{APIVersion: "2025-01", Timeout: 2 * time.Second, BaseURL: server.URL},
	)
}

func TestIssueDiscountCode_CreatesPercentageDiscount(t *testing.T) {
	admin := &fakeAdmin{respond: func(query string, _ map[string]any) (int, string) {
		if strings.Contains(query, "codeDiscountNodeByCode") {
			return http.StatusOK, `{"data":{"codeDiscountNodeByCode":null}}`
		}
		return http.StatusOK, `{"data":{"discountCodeBasicCreate":{"codeDiscountNode":{"id":"gid://shopify/DiscountCodeNode/9"},"userErrors":[]}}}`
	}}
	client := newTestClient(t, admin)

	minimum := int64(5000)
	res, err := client.IssueDiscountCode(context.Background(), discount.IssueRequest{
		ShopID:             testShop,
		CustomerExternalID: "12345",
		Code:               "LOYAL2345_ABC",
		Shape: discount.Shape{
			Title:            "10% off",
			Type:             discount.TypePercentage,
			Value:            10,
			MinimumCartValue: &minimum,
		},
		ExpirationDays: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, "LOYAL2345_ABC", res.Code)
	assert.Equal(t, "gid://shopify/DiscountCodeNode/9", res.ExternalID)
	assert.False(t, res.AlreadyExisted)

	calls := admin.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "/admin/api/2025-01/graphql.json", calls[1].Path)
	assert.Equal(t, "shpat_test", calls[1].Token)

	input, ok := calls[1].Variables["discount"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Loyalty Reward: 10% off", input["title"])
	assert.Equal(t, "LOYAL2345_ABC", input["code"])
	assert.Equal(t, "2026-03-10T12:00:00Z", input["startsAt"])
	assert.Equal(t, "2026-04-09T12:00:00Z", input["endsAt"])
	assert.EqualValues(t, 1, input["usageLimit"])
	assert.Equal(t, true, input["appliesOncePerCustomer"])

	selection := input["customerSelection"].(map[string]any)["customers"].(map[string]any)
	assert.Equal(t, []any{"gid://shopify/Customer/12345"}, selection["add"])

	value := input["customerGets"].(map[string]any)["value"].(map[string]any)
	assert.InDelta(t, 0.1, value["percentage"], 1e-9)

	subtotal := input["minimumRequirement"].(map[string]any)["subtotal"].(map[string]any)
	assert.Equal(t, "50.00", subtotal["greaterThanOrEqualToSubtotal"])
}

func TestIssueDiscountCode_ShapeEncoding(t *testing.T) {
	tests := []struct {
		name   string
		shape  discount.Shape
		assert func(t *testing.T, input map[string]any)
	}{
		{
			name:  "fixed amount",
			shape: discount.Shape{Title: "$5 off", Type: discount.TypeFixedAmount, Value: 500},
			assert: func(t *testing.T, input map[string]any) {
				value := input["customerGets"].(map[string]any)["value"].(map[string]any)
				amount := value["discountAmount"].(map[string]any)
				assert.Equal(t, "5.00", amount["amount"])
				assert.Equal(t, false, amount["appliesOnEachItem"])
				assert.NotContains(t, input, "minimumRequirement")
			},
		},
		{
			name:  "free shipping",
			shape: discount.Shape{Title: "Free shipping", Type: discount.TypeFreeShipping},
			assert: func(t *testing.T, input map[string]any) {
				value := input["customerGets"].(map[string]any)["value"].(map[string]any)
				assert.InDelta(t, 1.0, value["percentage"], 1e-9)
				combines := input["combinesWith"].(map[string]any)
				assert.Equal(t, false, combines["shippingDiscounts"])
				assert.Equal(t, true, combines["orderDiscounts"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin := &fakeAdmin{respond: func(query string, _ map[string]any) (int, string) {
				if strings.Contains(query, "codeDiscountNodeByCode") {
					return http.StatusOK, `{"data":{"codeDiscountNodeByCode":null}}`
				}
				return http.StatusOK, `{"data":{"discountCodeBasicCreate":{"codeDiscountNode":{"id":"gid://shopify/DiscountCodeNode/1"},"userErrors":[]}}}`
			}}
			client := newTestClient(t, admin)

			_, err := client.IssueDiscountCode(context.Background(), discount.IssueRequest{
				ShopID:             testShop,
				CustomerExternalID: "42",
				Code:               "LOYAL42_X",
				Shape:              tt.shape,
			})
			require.NoError(t, err)

			calls := admin.recorded()
			require.Len(t, calls, 2)
			input := calls[1].Variables["discount"].(map[string]any)
			tt.assert(t, input)
		})
	}
}

func TestIssueDiscountCode_ExistingCodeIsNotRecreated(t *testing.T) {
	admin := &fakeAdmin{respond: func(query string, _ map[string]any) (int, string) {
		return http.StatusOK, `{"data":{"codeDiscountNodeByCode":{"id":"gid://shopify/DiscountCodeNode/7"}}}`
	}}
	client := newTestClient(t, admin)

	res, err := client.IssueDiscountCode(context.Background(), discount.IssueRequest{
		ShopID:             testShop,
		CustomerExternalID: "42",
		Code:               "LOYAL42_X",
		Shape:              discount.Shape{Type: discount.TypePercentage, Value: 5},
	})
	require.NoError(t, err)
	assert.True(t, res.AlreadyExisted)
	assert.Equal(t, "gid://shopify/DiscountCodeNode/7", res.ExternalID)
	assert.Len(t, admin.recorded(), 1)
}

func TestIssueDiscountCode_Failures(t *testing.T) {
	tests := []struct {
		name    string
		shop    string
		status  int
		body    string
		wantErr error
	}{
		{name: "no session", shop: "other.myshopify.com", wantErr: discount.ErrNoSession},
		{name: "server error", shop: testShop, status: http.StatusBadGateway, body: `upstream`, wantErr: discount.ErrDegraded},
		{name: "unauthorized", shop: testShop, status: http.StatusUnauthorized, body: `{}`, wantErr: discount.ErrNoSession},
		{name: "graphql errors", shop: testShop, status: http.StatusOK, body: `{"errors":[{"message":"Throttled"}]}`, wantErr: discount.ErrDegraded},
		{
			name:    "user errors",
			shop:    testShop,
			status:  http.StatusOK,
			body:    `{"data":{"codeDiscountNodeByCode":null,"discountCodeBasicCreate":{"codeDiscountNode":null,"userErrors":[{"field":["basicCodeDiscount","code"],"message":"Code must be unique"}]}}}`,
			wantErr: discount.ErrDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin := &fakeAdmin{respond: func(string, map[string]any) (int, string) {
				return tt.status, tt.body
			}}
			client := newTestClient(t, admin)

			_, err := client.IssueDiscountCode(context.Background(), discount.IssueRequest{
				ShopID:             tt.shop,
				CustomerExternalID: "42",
				Code:               "LOYAL42_X",
				Shape:              discount.Shape{Type: discount.TypePercentage, Value: 5},
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReadBalance(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    *int64
		wantErr error
	}{
		{name: "mirrored", body: `{"data":{"customer":{"id":"gid://shopify/Customer/42","metafield":{"value":"135"}}}}`, want: ptr(135)},
		{name: "not mirrored yet", body: `{"data":{"customer":{"id":"gid://shopify/Customer/42","metafield":null}}}`},
		{name: "unknown customer", body: `{"data":{"customer":null}}`, wantErr: discount.ErrUnknownCustomer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin := &fakeAdmin{respond: func(string, map[string]any) (int, string) {
				return http.StatusOK, tt.body
			}}
			client := newTestClient(t, admin)

			got, err := client.ReadBalance(context.Background(), testShop, "42")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			calls := admin.recorded()
			require.Len(t, calls, 1)
			assert.Equal(t, "gid://shopify/Customer/42", calls[0].Variables["id"])
			assert.Equal(t, MetafieldNamespace, calls[0].Variables["namespace"])
		})
	}
}

func TestSyncBalance_WritesMetafield(t *testing.T) {
	admin := &fakeAdmin{respond: func(string, map[string]any) (int, string) {
		return http.StatusOK, `{"data":{"customerUpdate":{"customer":{"id":"gid://shopify/Customer/42"},"userErrors":[]}}}`
	}}
	client := newTestClient(t, admin)

	require.NoError(t, client.SyncBalance(context.Background(), testShop, "42", 40))

	calls := admin.recorded()
	require.Len(t, calls, 1)
	input := calls[0].Variables["input"].(map[string]any)
	assert.Equal(t, "gid://shopify/Customer/42", input["id"])
	metafields := input["metafields"].([]any)
	require.Len(t, metafields, 1)
	field := metafields[0].(map[string]any)
	assert.Equal(t, "40", field["value"])
	assert.Equal(t, "number_integer", field["type"])
	assert.Equal(t, MetafieldKey, field["key"])
}

func TestEnsureBalanceDefinition_TakenIsSuccess(t *testing.T) {
	admin := &fakeAdmin{respond: func(string, map[string]any) (int, string) {
		return http.StatusOK, `{"data":{"metafieldDefinitionCreate":{"createdDefinition":null,"userErrors":[{"field":["definition","key"],"code":"TAKEN","message":"Key is in use"}]}}}`
	}}
	client := newTestClient(t, admin)

	assert.NoError(t, client.EnsureBalanceDefinition(context.Background(), testShop))
}

func TestCustomerGID(t *testing.T) {
	assert.Equal(t, "gid://shopify/Customer/42", CustomerGID(" 42 "))
	assert.Equal(t, "gid://shopify/Customer/42", CustomerGID("gid://shopify/Customer/42"))
}

func ptr(v int64) *int64 { return &v }
