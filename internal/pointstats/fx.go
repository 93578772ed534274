package pointstats

import (
	"github.com/smallbiznis/loyalty/internal/pointstats/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pointstats.service",
	fx.Provide(service.New),
)
