package subscription

import (
	"go.uber.org/fx"

	"github.com/howie/coaching-transcript-tool-sub007/internal/subscription/service"
)

var Module = fx.Module("subscription.service",
	fx.Provide(service.NewService),
)
