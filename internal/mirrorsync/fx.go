package mirrorsync

import (
	"context"

	"github.com/smallbiznis/loyalty/internal/config"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	"github.com/smallbiznis/loyalty/internal/discount"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("mirrorsync",
	fx.Provide(provideQueue),
	fx.Provide(func(q *Queue) Enqueuer { return q }),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Customers customerdomain.Repository
	Mirror    discount.BalanceMirror `optional:"true"`
	Program   *config.ProgramHolder
	Log       *zap.Logger
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

func provideQueue(p Params) *Queue {
	settings := p.Program.Current().Mirror
	q := NewQueue(p.DB, p.Customers, p.Mirror, p.Log, p.Metrics, Options{
		Workers:     settings.Workers,
		QueueSize:   settings.QueueSize,
		MaxAttempts: settings.MaxAttempts,
	})
	if p.Mirror == nil {
		p.Log.Info("balance mirror unavailable; mirror sync disabled")
		return q
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			q.Start()
			return nil
		},
		OnStop: q.Stop,
	})
	return q
}
