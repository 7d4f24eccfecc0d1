package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"OpenMCP-Dispatch/internal/auth"
	"OpenMCP-Dispatch/internal/observability/metrics"
	"OpenMCP-Dispatch/internal/runtime"
	"OpenMCP-Dispatch/internal/storage/mysql"
	"OpenMCP-Dispatch/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Options 配置 API 服务。零值字段使用默认值或关闭对应功能。
type Options struct {
	Address string
	Auth    *auth.Service
	// Metrics 记录请求指标；Gatherer 非空时暴露 /metrics。
	Metrics  *metrics.Exporter
	Gatherer prom.Gatherer
	// Audit 非空时暴露 /api/v1/events 查询审计记录。
	Audit mysql.AuditRepository
	// RateLimit 为每秒允许的请求数，<=0 表示不限流。
	RateLimit       float64
	RateBurst       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Clock           func() time.Time
	NewID           func() string
}

// Server 负责暴露调度运行时的 REST 接口。
type Server struct {
	rt      *runtime.Runtime
	opts    Options
	limiter *rate.Limiter
	log     *slog.Logger
	handler http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(rt *runtime.Runtime, opts Options) *Server {
	if opts.Address == "" {
		opts.Address = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	s := &Server{rt: rt, opts: opts, log: opts.Logger}
	if s.log == nil {
		s.log = logger.Named("api")
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的 HTTP 处理链，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	guard := func(pattern, label string, h http.HandlerFunc, perms ...string) {
		var handler http.Handler = h
		handler = s.opts.Auth.Middleware(perms...)(handler)
		handler = s.rateLimit(handler)
		handler = s.opts.Metrics.Middleware(label, handler)
		mux.Handle(pattern, handler)
	}

	guard("POST /api/v1/tasks", "submit", s.handleSubmit, auth.PermSubmit)
	guard("GET /api/v1/health", "health", s.handleHealth, auth.PermRead)
	guard("GET /api/v1/stats", "stats", s.handleStats, auth.PermRead)
	guard("GET /api/v1/breakers", "breakers", s.handleBreakers, auth.PermRead)
	guard("POST /api/v1/breakers/{name}/reset", "breaker_reset", s.handleBreakerReset, auth.PermAdmin)
	guard("POST /api/v1/breakers/{name}/force", "breaker_force", s.handleBreakerForce, auth.PermAdmin)
	if s.opts.Audit != nil {
		guard("GET /api/v1/events", "events", s.handleEvents, auth.PermRead)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.opts.Gatherer))
	}
	return mux
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "请求过于频繁")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("address", s.opts.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
