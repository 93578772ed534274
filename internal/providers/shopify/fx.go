package shopify

import (
	"context"
	"time"

	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/config"
	"github.com/smallbiznis/loyalty/internal/discount"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.shopify",
	fx.Provide(provideClient),
	fx.Provide(
		func(c *Client) discount.Issuer {
			if c == nil {
				return nil
			}
			return c
		},
		func(c *Client) discount.BalanceMirror {
			if c == nil {
				return nil
			}
			return c
		},
	),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Program   *config.ProgramHolder
	Clock     clock.Clock
	Log       *zap.Logger
}

// provideClient returns nil when the integration is disabled; consumers then
// run without the issuer and mirror capabilities.
func provideClient(p Params) *Client {
	if !p.Config.ShopifyEnabled {
		p.Log.Info("shopify integration disabled")
		return nil
	}
	client := NewClient(p.Program, p.Clock, p.Log, Options{
		APIVersion: p.Config.ShopifyAPIVersion,
		Timeout:    p.Config.ShopifyTimeout,
	})

	var cancel context.CancelFunc
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
			go client.ensureDefinitions(ctx, p.Program.Current().Shops)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
	return client
}

func (c *Client) ensureDefinitions(ctx context.Context, shops []config.ShopSettings) {
	for _, shop := range shops {
		if err := c.EnsureBalanceDefinition(ctx, shop.Domain); err != nil {
			c.log.Warn("balance metafield definition not ensured",
				zap.String("shop", shop.Domain),
				zap.Error(err),
			)
		}
	}
}
