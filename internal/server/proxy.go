package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	"github.com/smallbiznis/loyalty/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	proxyCustomerParam     = "logged_in_customer_id"
	proxyTransactionsLimit = 20
)

type proxyCustomer struct {
	ID             string   `json:"id,omitempty"`
	CurrentBalance int64    `json:"current_balance"`
	Tags           []string `json:"tags"`
}

type proxyTransaction struct {
	ID     string    `json:"id"`
	Amount int64     `json:"amount"`
	Reason string    `json:"reason"`
	Date   time.Time `json:"date"`
}

type proxyRedeemRequest struct {
	RewardID  string `json:"reward_id"`
	CartTotal *int64 `json:"cart_total"`
}

// proxyCustomerID is the storefront customer the proxy request was made for.
// Anonymous visitors carry an empty value.
func proxyCustomerID(c *gin.Context) string {
	return customerdomain.NormalizeExternalID(c.Query(proxyCustomerParam))
}

// ProxyCustomer returns the logged-in customer's balance. Customers the
// program has not seen yet get a zero balance.
func (s *Server) ProxyCustomer(c *gin.Context) {
	externalID := proxyCustomerID(c)
	if externalID == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	customer, err := s.customerSvc.GetByExternalID(c.Request.Context(), shopFromGin(c), externalID)
	if errors.Is(err, customerdomain.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"data": proxyCustomer{Tags: []string{}}})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	tags := []string(customer.Tags)
	if tags == nil {
		tags = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"data": proxyCustomer{
		ID:             customer.ID.String(),
		CurrentBalance: customer.CurrentBalance,
		Tags:           tags,
	}})
}

func (s *Server) ProxyRewards(c *gin.Context) {
	rewards, err := s.rewardSvc.ListActive(c.Request.Context(), shopFromGin(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rewards})
}

func (s *Server) ProxyTransactions(c *gin.Context) {
	externalID := proxyCustomerID(c)
	if externalID == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	ctx := c.Request.Context()
	customer, err := s.customerSvc.GetByExternalID(ctx, shopFromGin(c), externalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ledgerSvc.List(ctx, ledgerdomain.ListRequest{
		ShopID:     customer.ShopID,
		CustomerID: customer.ID,
		Limit:      proxyTransactionsLimit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]proxyTransaction, 0, len(resp.Entries))
	for _, entry := range resp.Entries {
		items = append(items, proxyTransaction{
			ID:     entry.ID.String(),
			Amount: entry.Amount,
			Reason: string(entry.Reason),
			Date:   entry.CreatedAt.UTC(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) ProxyRedeem(c *gin.Context) {
	externalID := proxyCustomerID(c)
	if externalID == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req proxyRedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	shop := shopFromGin(c)
	result, err := s.redeemLimiter.Allow(ctx, shop, externalID)
	if err != nil {
		logger.FromContext(ctx).Warn("redeem rate limit check failed", zap.Error(err))
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if !result.Allowed {
		logger.FromContext(ctx).Warn("redeem rate limit exceeded",
			zap.String("shop", shop),
			zap.String("customer_external_id", externalID),
		)
		c.Header("Retry-After", retryAfterSeconds(result.RetryAfter))
		AbortWithError(c, ErrRateLimited)
		return
	}

	resp, err := s.redeem(c, externalID, req.RewardID, req.CartTotal)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"discount_code": resp.DiscountCode,
		"new_balance":   resp.NewBalance,
		"redemption": gin.H{
			"id":           resp.Redemption.ID.String(),
			"reward_name":  resp.Redemption.RewardName,
			"points_spent": resp.Redemption.PointsSpent,
			"expires_at":   resp.Redemption.ExpiresAt.UTC(),
		},
	}})
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
