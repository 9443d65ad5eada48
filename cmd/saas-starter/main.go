package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/vuongducdai/saas-starter/internal/migration"
	"github.com/vuongducdai/saas-starter/internal/observability"
	"github.com/vuongducdai/saas-starter/internal/server"
	"github.com/vuongducdai/saas-starter/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
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
