package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	authorizationdomain "github.com/howie/coaching-transcript-tool-sub007/internal/authorization/domain"
	"github.com/howie/coaching-transcript-tool-sub007/internal/config"
	"github.com/howie/coaching-transcript-tool-sub007/internal/observability/logger"
	"github.com/howie/coaching-transcript-tool-sub007/internal/scheduler"
	subscriptiondomain "github.com/howie/coaching-transcript-tool-sub007/internal/subscription/domain"
	webhookdomain "github.com/howie/coaching-transcript-tool-sub007/internal/webhook/domain"
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	DB         *gorm.DB
	Engine     *gin.Engine
	WebhookSvc webhookdomain.Service
	AuthSvc    authorizationdomain.Service
	SubSvc     subscriptiondomain.Service
	Scheduler  *scheduler.Scheduler
}

type Server struct {
	cfg        config.Config
	log        *zap.Logger
	db         *gorm.DB
	engine     *gin.Engine
	webhookSvc webhookdomain.Service
	authSvc    authorizationdomain.Service
	subSvc     subscriptiondomain.Service
	scheduler  *scheduler.Scheduler
}

func NewEngine(cfg config.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	return engine
}

func NewServer(p Params) *Server {
	return &Server{
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		db:         p.DB,
		engine:     p.Engine,
		webhookSvc: p.WebhookSvc,
		authSvc:    p.AuthSvc,
		subSvc:     p.SubSvc,
		scheduler:  p.Scheduler,
	}
}

func (s *Server) RegisterRoutes() {
	s.engine.GET("/healthz", s.Healthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	webhooks := s.engine.Group("/webhooks/ecpay")
	{
		webhooks.POST("/auth", s.HandleAuthResult)
		webhooks.POST("/charge", s.HandleChargeResult)
	}

	api := s.engine.Group("/api")
	{
		api.POST("/subscriptions", s.CreateSubscription)
		api.POST("/subscriptions/:id/cancel", s.CancelSubscription)
		api.GET("/owners/:owner_id/subscription", s.GetOwnerSubscription)
	}

	admin := s.engine.Group("/admin", s.AdminRequired())
	{
		admin.GET("/owners/:owner_id", s.AdminInspectOwner)
		admin.POST("/payment-attempts/:id/retry", s.AdminForceRetry)
		admin.POST("/sweep", s.AdminRunSweep)
	}
}

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RunHTTP binds the engine to the configured port and ties its lifetime to
// the fx lifecycle.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, engine *gin.Engine) {
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
