package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/loyalty/internal/config"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	pointstatsdomain "github.com/smallbiznis/loyalty/internal/pointstats/domain"
	redemptiondomain "github.com/smallbiznis/loyalty/internal/redemption/domain"
	rewarddomain "github.com/smallbiznis/loyalty/internal/reward/domain"
	"github.com/smallbiznis/loyalty/internal/shopcontext"
	verificationdomain "github.com/smallbiznis/loyalty/internal/verification/domain"
	"github.com/smallbiznis/loyalty/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testShop  = "demo.myshopify.com"
	otherShop = "other.myshopify.com"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeCustomers struct {
	customerdomain.Service

	byID       map[snowflake.ID]customerdomain.Customer
	lastUpsert customerdomain.UpsertCustomerRequest
}

func (f *fakeCustomers) GetByID(_ context.Context, id snowflake.ID) (customerdomain.Customer, error) {
	c, ok := f.byID[id]
	if !ok {
		return customerdomain.Customer{}, customerdomain.ErrNotFound
	}
	return c, nil
}

func (f *fakeCustomers) GetByExternalID(_ context.Context, shopID, externalID string) (customerdomain.Customer, error) {
	for _, c := range f.byID {
		if c.ShopID == shopID && c.ExternalID == externalID {
			return c, nil
		}
	}
	return customerdomain.Customer{}, customerdomain.ErrNotFound
}

func (f *fakeCustomers) Upsert(_ context.Context, req customerdomain.UpsertCustomerRequest) (customerdomain.Customer, error) {
	f.lastUpsert = req
	return customerdomain.Customer{ID: 99, ShopID: req.ShopID, ExternalID: req.ExternalID, Email: req.Email}, nil
}

type fakeLedger struct {
	ledgerdomain.Service

	posts    []ledgerdomain.PostRequest
	replayed bool
	listReq  ledgerdomain.ListRequest
	entries  []ledgerdomain.LedgerEntry
}

func (f *fakeLedger) Post(_ context.Context, req ledgerdomain.PostRequest) (ledgerdomain.PostResult, error) {
	if req.Amount == 0 {
		return ledgerdomain.PostResult{}, ledgerdomain.ErrInvalidAmount
	}
	f.posts = append(f.posts, req)
	return ledgerdomain.PostResult{
		Entry:      ledgerdomain.LedgerEntry{ID: 500, CustomerID: req.CustomerID, Amount: req.Amount, Reason: req.Reason},
		NewBalance: 100 + req.Amount,
		Posted:     !f.replayed,
	}, nil
}

func (f *fakeLedger) List(_ context.Context, req ledgerdomain.ListRequest) (ledgerdomain.ListResponse, error) {
	f.listReq = req
	return ledgerdomain.ListResponse{
		Entries: f.entries,
		Totals:  ledgerdomain.Totals{Sum: 35, Count: int64(len(f.entries))},
	}, nil
}

type fakeRewards struct {
	rewarddomain.Service

	active []rewarddomain.Reward
}

func (f *fakeRewards) ListActive(_ context.Context, shopID string) ([]rewarddomain.Reward, error) {
	if shopID != testShop {
		return []rewarddomain.Reward{}, nil
	}
	return f.active, nil
}

func (f *fakeRewards) List(_ context.Context, req rewarddomain.ListRequest) ([]rewarddomain.Reward, error) {
	return f.active, nil
}

type fakeRedemptions struct {
	redemptiondomain.Service

	redeemReq redemptiondomain.RedeemRequest
	redeemErr error
	refund    *bool
}

func (f *fakeRedemptions) Redeem(_ context.Context, req redemptiondomain.RedeemRequest) (redemptiondomain.RedeemResult, error) {
	f.redeemReq = req
	if f.redeemErr != nil {
		return redemptiondomain.RedeemResult{}, f.redeemErr
	}
	return redemptiondomain.RedeemResult{
		Redemption:   redemptiondomain.Redemption{ID: 700, RewardName: "10% off", PointsSpent: 100},
		DiscountCode: "LOYAL4242_ABC",
		NewBalance:   35,
	}, nil
}

func (f *fakeRedemptions) DeleteRedemption(_ context.Context, shopID string, id snowflake.ID, refund bool) (redemptiondomain.DeleteResult, error) {
	f.refund = &refund
	return redemptiondomain.DeleteResult{Refunded: refund}, nil
}

type fakeVerification struct {
	verificationdomain.Service
}

type fakeStats struct {
	pointstatsdomain.Service
}

type testDeps struct {
	cfg         config.Config
	customers   *fakeCustomers
	ledger      *fakeLedger
	rewards     *fakeRewards
	redemptions *fakeRedemptions
}

func newTestDeps() *testDeps {
	return &testDeps{
		customers: &fakeCustomers{byID: map[snowflake.ID]customerdomain.Customer{
			1: {ID: 1, ShopID: testShop, ExternalID: "4242", CurrentBalance: 135},
			2: {ID: 2, ShopID: otherShop, ExternalID: "4242"},
		}},
		ledger:      &fakeLedger{},
		rewards:     &fakeRewards{},
		redemptions: &fakeRedemptions{},
	}
}

func (d *testDeps) engine() *gin.Engine {
	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	s := NewServer(ServerParams{
		Gin:             r,
		Cfg:             d.cfg,
		CustomerSvc:     d.customers,
		LedgerSvc:       d.ledger,
		RewardSvc:       d.rewards,
		RedemptionSvc:   d.redemptions,
		VerificationSvc: &fakeVerification{},
		StatsSvc:        &fakeStats{},
	})
	RegisterRoutes(s)
	return r
}

func do(t *testing.T, r http.Handler, method, target string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func shopHeader() http.Header {
	return http.Header{headerShopDomain: []string{testShop}}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestAPIRequiresShop(t *testing.T) {
	r := newTestDeps().engine()

	w := do(t, r, http.MethodGet, "/api/rewards", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_shop", payload.Errors[0].Code)

	w = do(t, r, http.MethodGet, "/api/rewards?shop=Demo.myshopify.com", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminTokenRequired(t *testing.T) {
	deps := newTestDeps()
	deps.cfg.AdminAPIToken = "s3cret"
	r := deps.engine()

	w := do(t, r, http.MethodGet, "/api/rewards", nil, shopHeader())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	header := shopHeader()
	header.Set("Authorization", "Bearer wrong")
	w = do(t, r, http.MethodGet, "/api/rewards", nil, header)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	header.Set("Authorization", "Bearer s3cret")
	w = do(t, r, http.MethodGet, "/api/rewards", nil, header)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAPIClosedInProductionWithoutToken(t *testing.T) {
	deps := newTestDeps()
	deps.cfg.Environment = "production"
	r := deps.engine()

	w := do(t, r, http.MethodGet, "/api/rewards", nil, shopHeader())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStorefrontProxyClosedInProductionWithoutSecret(t *testing.T) {
	deps := newTestDeps()
	deps.cfg.Environment = "production"
	r := deps.engine()

	w := do(t, r, http.MethodGet, "/proxy/customer?shop="+testShop+"&logged_in_customer_id=4242", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, "/proxy/redeem?shop="+testShop+"&logged_in_customer_id=4242", gin.H{"reward_id": "7"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, deps.redemptions.redeemReq)
}

func TestGetCustomerIsShopScoped(t *testing.T) {
	r := newTestDeps().engine()

	w := do(t, r, http.MethodGet, "/api/customers/1", nil, shopHeader())
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data customerdomain.Customer `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(135), resp.Data.CurrentBalance)

	w = do(t, r, http.MethodGet, "/api/customers/2", nil, shopHeader())
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/customers/abc", nil, shopHeader())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpsertCustomerUsesRequestShop(t *testing.T) {
	deps := newTestDeps()
	r := deps.engine()

	w := do(t, r, http.MethodPut, "/api/customers", gin.H{
		"external_id": " 777 ",
		"email":       "a@example.com",
		"tags":        []string{"vip"},
	}, shopHeader())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testShop, deps.customers.lastUpsert.ShopID)
	assert.Equal(t, "777", deps.customers.lastUpsert.ExternalID)
	assert.Equal(t, []string{"vip"}, deps.customers.lastUpsert.Tags)
}

func TestPostLedgerEntry(t *testing.T) {
	deps := newTestDeps()
	r := deps.engine()

	w := do(t, r, http.MethodPost, "/api/ledger", gin.H{
		"customer_id": "1",
		"amount":      50,
		"reason":      "purchase",
		"external_id": "order-1",
	}, shopHeader())
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, deps.ledger.posts, 1)
	assert.Equal(t, snowflake.ID(1), deps.ledger.posts[0].CustomerID)
	assert.Equal(t, ledgerdomain.ReasonPurchase, deps.ledger.posts[0].Reason)
	assert.Equal(t, "order-1", deps.ledger.posts[0].ExternalID)

	deps.ledger.replayed = true
	w = do(t, r, http.MethodPost, "/api/ledger", gin.H{
		"customer_id": "1",
		"amount":      50,
		"reason":      "purchase",
		"external_id": "order-1",
	}, shopHeader())
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPostLedgerEntryFailures(t *testing.T) {
	tests := []struct {
		name     string
		body     gin.H
		wantCode int
		wantErr  string
	}{
		{name: "missing customer", body: gin.H{"amount": 5, "reason": "purchase"}, wantCode: http.StatusBadRequest, wantErr: "invalid_customer"},
		{name: "customer of another shop", body: gin.H{"customer_id": "2", "amount": 5, "reason": "purchase"}, wantCode: http.StatusNotFound},
		{name: "unknown customer", body: gin.H{"customer_id": "3", "amount": 5, "reason": "purchase"}, wantCode: http.StatusNotFound},
		{name: "zero amount", body: gin.H{"customer_id": "1", "amount": 0, "reason": "purchase"}, wantCode: http.StatusBadRequest, wantErr: "invalid_amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestDeps().engine()
			w := do(t, r, http.MethodPost, "/api/ledger", tt.body, shopHeader())
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantErr != "" {
				payload := decodeError(t, w)
				require.Len(t, payload.Errors, 1)
				assert.Equal(t, tt.wantErr, payload.Errors[0].Code)
			}
		})
	}
}

func TestListLedgerEntriesPassesFilters(t *testing.T) {
	deps := newTestDeps()
	r := deps.engine()

	w := do(t, r, http.MethodGet, "/api/ledger?customer_id=1&reason=purchase&from=2026-03-01&to=2026-03-10&limit=10", nil, shopHeader())
	require.Equal(t, http.StatusOK, w.Code)

	req := deps.ledger.listReq
	assert.Equal(t, testShop, req.ShopID)
	assert.Equal(t, snowflake.ID(1), req.CustomerID)
	assert.Equal(t, ledgerdomain.ReasonPurchase, req.Reason)
	assert.Equal(t, 10, req.Limit)
	require.NotNil(t, req.From)
	require.NotNil(t, req.To)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *req.From)
	assert.Equal(t, 23, req.To.Hour())

	w = do(t, r, http.MethodGet, "/api/ledger?from=yesterday", nil, shopHeader())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRedemptionInsufficientPoints(t *testing.T) {
	deps := newTestDeps()
	deps.redemptions.redeemErr = &redemptiondomain.InsufficientPointsError{Required: 200, Current: 135}
	r := deps.engine()

	w := do(t, r, http.MethodPost, "/api/redemptions", gin.H{
		"customer_external_id": "4242",
		"reward_id":            "10",
	}, shopHeader())
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	payload := decodeError(t, w)
	assert.Equal(t, "insufficient_points", payload.Type)
	require.NotNil(t, payload.Required)
	require.NotNil(t, payload.Current)
	assert.Equal(t, int64(200), *payload.Required)
	assert.Equal(t, int64(135), *payload.Current)
}

func TestCreateRedemptionRejectsBadRewardID(t *testing.T) {
	r := newTestDeps().engine()

	w := do(t, r, http.MethodPost, "/api/redemptions", gin.H{
		"customer_external_id": "4242",
		"reward_id":            "not-an-id",
	}, shopHeader())
	require.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_reward_id", payload.Errors[0].Code)
}

func TestDeleteRedemptionRefundFlag(t *testing.T) {
	deps := newTestDeps()
	r := deps.engine()

	w := do(t, r, http.MethodDelete, "/api/redemptions/700?refund=true", nil, shopHeader())
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, deps.redemptions.refund)
	assert.True(t, *deps.redemptions.refund)

	w = do(t, r, http.MethodDelete, "/api/redemptions/700", nil, shopHeader())
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, *deps.redemptions.refund)
}

func TestProxyCustomer(t *testing.T) {
	r := newTestDeps().engine()

	w := do(t, r, http.MethodGet, "/proxy/customer?shop="+testShop+"&logged_in_customer_id=4242", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data proxyCustomer `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(135), resp.Data.CurrentBalance)

	w = do(t, r, http.MethodGet, "/proxy/customer?shop="+testShop+"&logged_in_customer_id=9999", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp.Data = proxyCustomer{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Data.CurrentBalance)
	assert.Empty(t, resp.Data.ID)
	assert.NotNil(t, resp.Data.Tags)

	w = do(t, r, http.MethodGet, "/proxy/customer?shop="+testShop, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProxyTransactionsLatestTwenty(t *testing.T) {
	deps := newTestDeps()
	deps.ledger.entries = []ledgerdomain.LedgerEntry{
		{ID: 11, Amount: -100, Reason: ledgerdomain.ReasonRedemption, CreatedAt: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)},
		{ID: 10, Amount: 135, Reason: ledgerdomain.ReasonPurchase, CreatedAt: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)},
	}
	r := deps.engine()

	w := do(t, r, http.MethodGet, "/proxy/transactions?shop="+testShop+"&logged_in_customer_id=4242", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, proxyTransactionsLimit, deps.ledger.listReq.Limit)
	assert.Equal(t, snowflake.ID(1), deps.ledger.listReq.CustomerID)

	var resp struct {
		Data []proxyTransaction `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "11", resp.Data[0].ID)
	assert.Equal(t, "redemption", resp.Data[0].Reason)
}

func TestProxyRedeemUsesLoggedInCustomer(t *testing.T) {
	deps := newTestDeps()
	r := deps.engine()

	w := do(t, r, http.MethodPost, "/proxy/redeem?shop="+testShop+"&logged_in_customer_id=4242", gin.H{
		"reward_id":  "10",
		"cart_total": 5000,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4242", deps.redemptions.redeemReq.CustomerExternalID)
	assert.Equal(t, testShop, deps.redemptions.redeemReq.ShopID)
	assert.Equal(t, snowflake.ID(10), deps.redemptions.redeemReq.RewardID)
	require.NotNil(t, deps.redemptions.redeemReq.CartTotal)
	assert.Equal(t, int64(5000), *deps.redemptions.redeemReq.CartTotal)

	var resp struct {
		Data struct {
			DiscountCode string `json:"discount_code"`
			NewBalance   int64  `json:"new_balance"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "LOYAL4242_ABC", resp.Data.DiscountCode)
	assert.Equal(t, int64(35), resp.Data.NewBalance)

	w = do(t, r, http.MethodPost, "/proxy/redeem?shop="+testShop, gin.H{"reward_id": "10"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProxySignature(t *testing.T) {
	deps := newTestDeps()
	deps.cfg.ShopifyAPISecret = "hush"
	r := deps.engine()

	params := url.Values{}
	params.Set("shop", testShop)
	params.Set("logged_in_customer_id", "4242")
	params.Set("path_prefix", "/apps/loyalty")
	params.Set("timestamp", "1773144000")
	mac := hmac.New(sha256.New, []byte("hush"))
	mac.Write([]byte("logged_in_customer_id=4242path_prefix=/apps/loyaltyshop=" + testShop + "timestamp=1773144000"))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	w := do(t, r, http.MethodGet, "/proxy/rewards?"+params.Encode(), nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	params.Set("logged_in_customer_id", "1")
	w = do(t, r, http.MethodGet, "/proxy/rewards?"+params.Encode(), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	params.Del("signature")
	w = do(t, r, http.MethodGet, "/proxy/rewards?"+params.Encode(), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUnknownRouteReturnsJSONNotFound(t *testing.T) {
	r := newTestDeps().engine()

	w := do(t, r, http.MethodGet, "/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Type)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{name: "storage conflict", err: fmt.Errorf("redeem: %w", db.ErrStorageConflict), wantStatus: http.StatusConflict, wantType: "storage_conflict"},
		{name: "issuer unavailable", err: redemptiondomain.ErrIssuerUnavailable, wantStatus: http.StatusServiceUnavailable, wantType: "service_unavailable"},
		{name: "mirror disabled", err: verificationdomain.ErrMirrorDisabled, wantStatus: http.StatusServiceUnavailable, wantType: "service_unavailable"},
		{name: "reward inactive", err: redemptiondomain.ErrRewardInactive, wantStatus: http.StatusUnprocessableEntity, wantType: "reward_unavailable"},
		{name: "rate limited", err: ErrRateLimited, wantStatus: http.StatusTooManyRequests, wantType: "rate_limited"},
		{name: "reward not found", err: rewarddomain.ErrNotFound, wantStatus: http.StatusNotFound, wantType: "not_found"},
		{name: "range", err: pointstatsdomain.ErrInvalidRange, wantStatus: http.StatusBadRequest, wantType: "validation_error"},
		{name: "unexpected", err: fmt.Errorf("boom"), wantStatus: http.StatusInternalServerError, wantType: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, payload := mapError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantType, payload.Type)
		})
	}
}

func TestValidationCodeUnwrapsSentinel(t *testing.T) {
	_, payload := mapError(fmt.Errorf("post: %w", ledgerdomain.ErrInvalidReason))
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_reason", payload.Errors[0].Code)
	assert.Equal(t, "reason", payload.Errors[0].Field)

	errType, code := classifyErrorForLog(ledgerdomain.ErrInvalidReason)
	assert.Equal(t, "validation_error", errType)
	assert.Equal(t, "invalid_reason", code)
}

func TestShopRequiredStoresShopOnContext(t *testing.T) {
	deps := newTestDeps()
	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	s := NewServer(ServerParams{Gin: r, Cfg: deps.cfg})

	var seen string
	r.GET("/probe", s.ShopRequired(), func(c *gin.Context) {
		seen, _ = shopcontext.ShopFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := do(t, r, http.MethodGet, "/probe", nil, http.Header{headerShopDomain: []string{" Demo.MyShopify.com "}})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, testShop, seen)
}
