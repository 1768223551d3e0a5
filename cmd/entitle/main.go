package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/auth"
	"github.com/smallbiznis/entitle/internal/authorization"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/ledger"
	"github.com/smallbiznis/entitle/internal/migration"
	"github.com/smallbiznis/entitle/internal/observability"
	"github.com/smallbiznis/entitle/internal/payment"
	"github.com/smallbiznis/entitle/internal/providers"
	"github.com/smallbiznis/entitle/internal/ratelimit"
	"github.com/smallbiznis/entitle/internal/scheduler"
	"github.com/smallbiznis/entitle/internal/server"
	"github.com/smallbiznis/entitle/internal/subscription"
	"github.com/smallbiznis/entitle/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Domains
		providers.Module,
		payment.Module,
		ledger.Module,
		subscription.Module,
		auth.Module,
		authorization.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
