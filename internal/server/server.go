// Package server exposes the optimization service over HTTP: auth, lab
// management, feedback ingestion and the optimization control endpoints.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kimjune01/looplearner/config"
	"github.com/kimjune01/looplearner/internal/optimizer"
	"github.com/kimjune01/looplearner/internal/runtime"
	"github.com/kimjune01/looplearner/internal/store"
	"github.com/kimjune01/looplearner/internal/telemetry"
	"github.com/kimjune01/looplearner/provider"
)

// Run wires the full service and blocks serving HTTP on addr. An empty addr
// falls back to server.address from config.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	prov, err := provider.New(cfg.LLM)
	if err != nil {
		return err
	}

	tele := telemetry.New(cfg.Telemetry)

	var rdb *redis.Client
	var locker optimizer.RunLocker
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Pass,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		locker = &optimizer.RedisRunLocker{Client: rdb}
	}

	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch, err := optimizer.NewOrchestrator(cfg, orchLogger, tele, st, prov, locker)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	auth := &AuthHandler{Store: st, Secret: secret}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(runtime.EchoAuthMiddleware(secret))
	me.GET("", func(c echo.Context) error {
		return c.JSON(200, MeResponse{UserID: c.Get("user_id").(string)})
	})

	costs := api.Group("/costs")
	costs.Use(runtime.EchoAuthMiddleware(secret))
	costs.GET("", func(c echo.Context) error {
		byOp, total := tele.CostSummary()
		return c.JSON(200, CostSummaryResponse{ByOperation: byOp, Total: total})
	})

	lh := &LabsHandler{Store: st, Orch: orch}
	lh.Register(api.Group("/labs"), secret)

	e.GET("/readyz", func(c echo.Context) error {
		if err := st.DB.PingContext(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "postgres unreachable")
		}
		if err := provider.HealthCheck(c.Request().Context(), prov); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "llm provider unreachable")
		}
		return c.String(http.StatusOK, "ready")
	})

	sched := &Scheduler{
		Store:  st,
		Orch:   orch,
		Rdb:    rdb,
		Cfg:    cfg.Optimization,
		Logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		Stop:   make(chan struct{}),
	}
	sched.Start()

	if addr == "" {
		addr = cfg.Server.Address
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10002"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
