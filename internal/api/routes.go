package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Gopher0727/Cloak/config"
)

// NewEngine 创建 gin 引擎并挂载全局中间件、健康检查与指标
func NewEngine(cfg *config.ServerConfig, mw *MiddlewareManager, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	r := gin.New()

	// 应用全局中间件
	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowOrigins) == 0 || (len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, TraceHeader)
	corsCfg.ExposeHeaders = []string{TraceHeader, "Retry-After"}

	r.Use(mw.Trace(), mw.Logger(), mw.Recovery(), mw.MaxConcurrency(cfg.MaxConcurrent), cors.New(corsCfg))

	// 健康检查
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return r
}
