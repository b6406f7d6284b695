package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/collator/internal/analytics/cycle"
	"github.com/smallbiznis/collator/internal/config"
	"github.com/smallbiznis/collator/internal/observability"
	obslogger "github.com/smallbiznis/collator/internal/observability/logger"
	obstracing "github.com/smallbiznis/collator/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(provideStatusSource),
	fx.Provide(NewServer),
	fx.Provide(registerGin),
	fx.Invoke(run),
)

const shutdownTimeout = 10 * time.Second

// StatusSource reports the latest collation cycle.
type StatusSource interface {
	Status() cycle.Status
}

func provideStatusSource(driver *cycle.Driver) StatusSource {
	return driver
}

type Server struct {
	db     *gorm.DB
	status StatusSource
	log    *zap.Logger
}

func NewServer(db *gorm.DB, status StatusSource, log *zap.Logger) *Server {
	return &Server{db: db, status: status, log: log.Named("collator.server")}
}

// NewEngine builds the ops router.
func NewEngine(obsCfg observability.Config, s *Server) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(s.log))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", s.Healthz)
	r.GET("/readyz", s.Readyz)
	r.GET("/status", s.Status)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, s *Server) *gin.Engine {
	return NewEngine(obsCfg, s)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("ops server stopped", zap.String("addr", srv.Addr), zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
