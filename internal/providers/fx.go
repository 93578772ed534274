package providers

import (
	"github.com/smallbiznis/loyalty/internal/providers/shopify"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	shopify.Module,
)
