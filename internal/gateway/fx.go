package gateway

import (
	"go.uber.org/fx"

	"github.com/howie/coaching-transcript-tool-sub007/internal/config"
	gatewaydomain "github.com/howie/coaching-transcript-tool-sub007/internal/gateway/domain"
	"github.com/howie/coaching-transcript-tool-sub007/internal/gateway/ecpay"
)

var Module = fx.Module("gateway",
	fx.Provide(ecpay.NewProvider),
	fx.Provide(func(cfg config.Config) gatewaydomain.SignatureCodec {
		return ecpay.NewCodec(cfg.ECPay.HashKey, cfg.ECPay.HashIV)
	}),
)
