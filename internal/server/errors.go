package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	"github.com/smallbiznis/loyalty/internal/discount"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	pointstatsdomain "github.com/smallbiznis/loyalty/internal/pointstats/domain"
	redemptiondomain "github.com/smallbiznis/loyalty/internal/redemption/domain"
	rewarddomain "github.com/smallbiznis/loyalty/internal/reward/domain"
	verificationdomain "github.com/smallbiznis/loyalty/internal/verification/domain"
	"github.com/smallbiznis/loyalty/pkg/db"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type     string            `json:"type"`
	Message  string            `json:"message"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Required *int64            `json:"required,omitempty"`
	Current  *int64            `json:"current,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrShopRequired       = errors.New("shop_required")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

// validationSentinels are rejected input. Their message doubles as the
// reported code, so each must read like "invalid_<field>".
var validationSentinels = []error{
	ErrInvalidRequest,
	ErrShopRequired,
	customerdomain.ErrInvalidShop,
	customerdomain.ErrInvalidExternalID,
	customerdomain.ErrInvalidID,
	customerdomain.ErrInvalidPageToken,
	ledgerdomain.ErrInvalidCustomer,
	ledgerdomain.ErrInvalidAmount,
	ledgerdomain.ErrInvalidReason,
	ledgerdomain.ErrInvalidID,
	ledgerdomain.ErrInvalidRange,
	ledgerdomain.ErrInvalidPageToken,
	rewarddomain.ErrInvalidShop,
	rewarddomain.ErrInvalidID,
	rewarddomain.ErrInvalidName,
	rewarddomain.ErrInvalidPointsCost,
	rewarddomain.ErrInvalidDiscountType,
	rewarddomain.ErrInvalidDiscountValue,
	redemptiondomain.ErrInvalidShop,
	redemptiondomain.ErrInvalidCustomer,
	redemptiondomain.ErrInvalidReward,
	redemptiondomain.ErrInvalidID,
	redemptiondomain.ErrInvalidRange,
	redemptiondomain.ErrInvalidPageToken,
	verificationdomain.ErrInvalidCustomer,
	pointstatsdomain.ErrInvalidShop,
	pointstatsdomain.ErrInvalidRange,
}

// errorRule maps a family of sentinels onto one response. Rules are checked
// in order.
type errorRule struct {
	status    int
	errType   string
	message   string
	sentinels []error
}

var errorRules = []errorRule{
	{http.StatusUnprocessableEntity, "insufficient_points", "insufficient points", []error{redemptiondomain.ErrInsufficientPoints}},
	{http.StatusUnprocessableEntity, "reward_unavailable", "reward not available", []error{redemptiondomain.ErrRewardInactive}},
	{http.StatusUnauthorized, "unauthorized", "unauthorized", []error{ErrUnauthorized}},
	{http.StatusConflict, "storage_conflict", "concurrent update, retry the request", []error{ErrConflict, db.ErrStorageConflict}},
	{http.StatusNotFound, "not_found", "not found", []error{
		ErrNotFound,
		customerdomain.ErrNotFound,
		ledgerdomain.ErrNotFound,
		rewarddomain.ErrNotFound,
		redemptiondomain.ErrNotFound,
		gorm.ErrRecordNotFound,
	}},
	{http.StatusTooManyRequests, "rate_limited", "too many requests", []error{ErrRateLimited}},
	{http.StatusServiceUnavailable, "service_unavailable", "service unavailable", []error{
		ErrServiceUnavailable,
		redemptiondomain.ErrIssuerUnavailable,
		verificationdomain.ErrMirrorDisabled,
		discount.ErrNoSession,
	}},
}

func (r errorRule) matches(err error) bool {
	for _, sentinel := range r.sentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func mapError(err error) (int, errorPayload) {
	internal := errorPayload{Type: "internal_error", Message: "internal server error"}
	if err == nil {
		return http.StatusInternalServerError, internal
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: vErr.Errors}
	}
	if sentinel := matchSentinel(err, validationSentinels); sentinel != nil {
		code := validationCode(sentinel)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  []ValidationError{{Field: fieldForCode(code), Code: code, Message: messageForCode(code)}},
		}
	}

	var insufficient *redemptiondomain.InsufficientPointsError
	if errors.As(err, &insufficient) {
		required, current := insufficient.Required, insufficient.Current
		return http.StatusUnprocessableEntity, errorPayload{
			Type:     "insufficient_points",
			Message:  "insufficient points",
			Required: &required,
			Current:  &current,
		}
	}

	for _, rule := range errorRules {
		if rule.matches(err) {
			return rule.status, errorPayload{Type: rule.errType, Message: rule.message}
		}
	}
	return http.StatusInternalServerError, internal
}

// classifyErrorForLog returns the error type and code logged with the request.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func matchSentinel(err error, sentinels []error) error {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

func validationCode(sentinel error) string {
	if errors.Is(sentinel, ErrShopRequired) {
		return "invalid_shop"
	}
	return sentinel.Error()
}

func fieldForCode(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if field, ok := strings.CutPrefix(code, "invalid_"); ok {
		return field
	}
	return ""
}

func messageForCode(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_shop":
		return "shop is required"
	default:
		return "invalid value"
	}
}
