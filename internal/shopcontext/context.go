package shopcontext

import (
	"context"
	"strings"
)

// ShopContextKey is the request context key for the active shop domain.
type ShopContextKey struct{}

// WithShop stores the shop domain in the context.
func WithShop(ctx context.Context, shop string) context.Context {
	return context.WithValue(ctx, ShopContextKey{}, NormalizeShop(shop))
}

// ShopFromContext returns the shop domain from context, if set.
func ShopFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	shop, ok := ctx.Value(ShopContextKey{}).(string)
	if !ok || shop == "" {
		return "", false
	}
	return shop, true
}

// Resolve prefers an explicit shop and falls back to the context.
func Resolve(ctx context.Context, explicit string) (string, bool) {
	if shop := NormalizeShop(explicit); shop != "" {
		return shop, true
	}
	return ShopFromContext(ctx)
}

// NormalizeShop lowercases and trims a shop domain.
func NormalizeShop(shop string) string {
	return strings.ToLower(strings.TrimSpace(shop))
}
