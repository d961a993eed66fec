package authorization

import (
	"go.uber.org/fx"

	"github.com/howie/coaching-transcript-tool-sub007/internal/authorization/service"
)

var Module = fx.Module("authorization.service",
	fx.Provide(service.NewService),
)
