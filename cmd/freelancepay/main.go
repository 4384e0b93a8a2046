package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/freelancepay/internal/clock"
	"github.com/smallbiznis/freelancepay/internal/config"
	"github.com/smallbiznis/freelancepay/internal/migration"
	"github.com/smallbiznis/freelancepay/internal/observability"
	"github.com/smallbiznis/freelancepay/internal/server"
	"github.com/smallbiznis/freelancepay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
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
