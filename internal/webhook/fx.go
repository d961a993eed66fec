package webhook

import (
	"go.uber.org/fx"

	"github.com/howie/coaching-transcript-tool-sub007/internal/webhook/repository"
	"github.com/howie/coaching-transcript-tool-sub007/internal/webhook/service"
)

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
