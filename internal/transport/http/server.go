// Package httpapi 控制面 HTTP 接口：agent/manager 的生命周期、手动触发与历史查询。
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"

	"github.com/gin-gonic/gin"
)

const defaultAddr = ":8787"

// Server gin 封装，Start 阻塞到 ctx 取消。
type Server struct {
	addr   string
	router *gin.Engine
}

type ServerConfig struct {
	Addr     string
	Agents   AgentService
	Managers ManagerService
	History  HistoryReader
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Agents == nil || cfg.Managers == nil || cfg.History == nil {
		return nil, errors.New("http server requires agent, manager and history services")
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	return &Server{addr: cfg.Addr, router: newEngine(cfg)}, nil
}

func newEngine(cfg ServerConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	NewRouter(cfg.Agents, cfg.Managers, cfg.History).Register(engine.Group("/api"))
	return engine
}

// Handler 供测试直接驱动。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// requestLogger 以 DEBUG 记录每个请求。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("http api listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
