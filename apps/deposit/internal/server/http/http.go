package http

import (
	"context"
	"net/http"
	"time"

	"fluxt.com/apps/deposit/internal/server/http/handler"
	"fluxt.com/pkg/middleware"
	"fluxt.com/pkg/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

type Config struct {
	Addr         string   `mapstructure:"addr"`
	RateLimit    float64  `mapstructure:"rate_limit"` // 每个 IP+路由 每秒请求数
	RateBurst    int      `mapstructure:"rate_burst"`
	AllowOrigins []string `mapstructure:"allow_origins"` // 运维面板跨域，为空不开
}

// NewRouter 运维接口 + /metrics
func NewRouter(ctx context.Context, serviceName string, c Config, h *handler.Deposit) *gin.Engine {
	if c.RateLimit <= 0 {
		c.RateLimit = 50
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 100
	}
	// 限流
	store := ratelimit.NewStore(rate.Limit(c.RateLimit), c.RateBurst, 10*time.Minute)
	store.StartJanitor(ctx, time.Minute)

	r := gin.New()
	// 监控
	p := ginprom.NewPrometheus("fluxt")
	p.Use(r)
	r.Use(
		otelgin.Middleware(serviceName),
		middleware.ReqId(),
		middleware.Recover(),
	)
	if len(c.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: c.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{"Content-Type", "X-Request-Id"},
			MaxAge:       12 * time.Hour,
		}))
	}
	r.Use(middleware.RateLimit(store))

	admin := r.Group("/admin/deposit")
	{
		admin.GET("/status", h.Status)
		admin.GET("/records", h.Records)
		admin.POST("/check/:owner", h.Check)
		admin.POST("/replay/:tx/:log", h.Replay)
		admin.POST("/addresses", h.CreateAddress)
		admin.POST("/start", h.Start)
		admin.POST("/stop", h.Stop)
	}
	return r
}

func NewServer(ctx context.Context, serviceName string, c Config, h *handler.Deposit) *http.Server {
	return &http.Server{
		Addr:           c.Addr,
		Handler:        NewRouter(ctx, serviceName, c, h),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Minute, // 手动检查会同步归集
		MaxHeaderBytes: 1 << 20,
	}
}
