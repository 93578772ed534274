package events

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

// NewPublisher connects to RabbitMQ when RABBITMQ_URL is set. A broker that
// cannot be reached at startup degrades to the no-op publisher.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, genID *snowflake.Node, log *zap.Logger) Publisher {
	if cfg.RabbitMQURL == "" {
		return NewNopPublisher(log)
	}
	pub, err := NewRabbitPublisher(cfg.RabbitMQURL, cfg.EventsExchange, genID, log)
	if err != nil {
		log.Warn("rabbitmq unavailable; events disabled", zap.Error(err))
		return NewNopPublisher(log)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pub.Close()
			return nil
		},
	})
	return pub
}
