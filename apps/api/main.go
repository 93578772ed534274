package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/config"
	"github.com/smallbiznis/loyalty/internal/customer"
	"github.com/smallbiznis/loyalty/internal/events"
	"github.com/smallbiznis/loyalty/internal/ledger"
	"github.com/smallbiznis/loyalty/internal/lock"
	"github.com/smallbiznis/loyalty/internal/mirrorsync"
	"github.com/smallbiznis/loyalty/internal/observability"
	"github.com/smallbiznis/loyalty/internal/pointstats"
	"github.com/smallbiznis/loyalty/internal/providers"
	"github.com/smallbiznis/loyalty/internal/ratelimit"
	"github.com/smallbiznis/loyalty/internal/redemption"
	"github.com/smallbiznis/loyalty/internal/reward"
	"github.com/smallbiznis/loyalty/internal/server"
	"github.com/smallbiznis/loyalty/internal/verification"
	"github.com/smallbiznis/loyalty/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Core dependencies for API
		lock.Module, // Redis client for rate limits
		events.Module,
		providers.Module,
		customer.Module,
		ledger.Module,
		reward.Module,
		redemption.Module,
		verification.Module,
		pointstats.Module,
		mirrorsync.Module,
		ratelimit.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(server.RegisterRoutes),
		fx.Invoke(server.RunHTTP),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
