package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/howie/coaching-transcript-tool-sub007/internal/authorization"
	"github.com/howie/coaching-transcript-tool-sub007/internal/clock"
	"github.com/howie/coaching-transcript-tool-sub007/internal/gateway"
	"github.com/howie/coaching-transcript-tool-sub007/internal/migration"
	"github.com/howie/coaching-transcript-tool-sub007/internal/notification"
	"github.com/howie/coaching-transcript-tool-sub007/internal/observability/logger"
	"github.com/howie/coaching-transcript-tool-sub007/internal/observability/tracing"
	"github.com/howie/coaching-transcript-tool-sub007/internal/scheduler"
	"github.com/howie/coaching-transcript-tool-sub007/internal/server"
	"github.com/howie/coaching-transcript-tool-sub007/internal/subscription"
	"github.com/howie/coaching-transcript-tool-sub007/internal/webhook"
	"github.com/howie/coaching-transcript-tool-sub007/pkg/db"
)

func main() {
	app := fx.New(
		db.Module,
		logger.Module,
		tracing.Module,
		migration.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),

		gateway.Module,
		notification.Module,
		authorization.Module,
		subscription.Module,
		webhook.Module,
		scheduler.Module,

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
