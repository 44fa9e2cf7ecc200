package restapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/infrastructure/configloader"
)

// SetupRouter builds the gin engine of the relay. gatherer may be nil, in which case
// /metrics serves the default registry.
func SetupRouter(h *RelayHandler, cfg configloader.ServerConfig, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	router.Use(cors.New(corsConfig))
	router.Use(requestLogger(h.logger))

	router.POST("/rpc", h.ForwardHandler)
	router.POST("/rpc/read", h.ReadHandler)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", h.StatusHandler)
		v1.POST("/backoff/stop", h.StopBackoffHandler)
		v1.GET("/networks", h.NetworksHandler)
		v1.GET("/network", h.NetworkHandler)
		v1.PUT("/network/:identifier", h.SelectNetworkHandler)
		v1.POST("/network/ensure", h.EnsureNetworkHandler)
		v1.GET("/node/status", h.NodeStatusHandler)
		v1.GET("/node/block", h.BlockHandler)
		v1.GET("/node/endpoint", h.EndpointHandler)
		v1.GET("/balance/:address", h.BalanceHandler)
		v1.GET("/fee", h.FeeHandler)
		v1.POST("/classify", h.ClassifyHandler)
	}

	if gatherer == nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	} else {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

// requestLogger logs every request at debug level and server errors at error level.
func requestLogger(logger port.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		args := []any{"method", c.Request.Method, "path", c.FullPath(), "status", status, "latency", time.Since(start)}
		if status >= 500 {
			logger.Error("HTTP request failed", args...)
			return
		}
		logger.Debug("HTTP request", args...)
	}
}
