package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jan-miksik/heppy-market-sub000/internal/agent"
	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/manager"
	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"

	"github.com/gin-gonic/gin"
)

// AgentService *agent.Registry 实现。
type AgentService interface {
	List(ctx context.Context) ([]agent.View, error)
	Status(ctx context.Context, id string) (*agent.View, error)
	Create(ctx context.Context, req agent.CreateRequest) (*model.Agent, agent.Change, error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id, reason string) error
	Stop(ctx context.Context, id, reason string) error
	Trigger(ctx context.Context, id string) error
	Reset(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// ManagerService *manager.Registry 实现。
type ManagerService interface {
	List(ctx context.Context) ([]manager.View, error)
	Status(ctx context.Context, id string) (*manager.View, error)
	Create(ctx context.Context, req manager.CreateRequest) (*model.Manager, error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id, reason string) error
	Stop(ctx context.Context, id, reason string) error
	Trigger(ctx context.Context, id string) error
	Memory(ctx context.Context, id string) ([]byte, error)
	Logs(ctx context.Context, id string, limit int) ([]model.AuditLog, error)
	Delete(ctx context.Context, id string) error
}

// HistoryReader 只读历史查询。
type HistoryReader interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	RecentDecisions(ctx context.Context, agentID string, limit int) ([]model.Decision, error)
	RecentTrades(ctx context.Context, agentID string, limit int) ([]model.Trade, error)
	LatestPerformance(ctx context.Context, agentID string) (*model.Performance, error)
}

var (
	_ AgentService   = (*agent.Registry)(nil)
	_ ManagerService = (*manager.Registry)(nil)
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type Router struct {
	agents   AgentService
	managers ManagerService
	history  HistoryReader
}

func NewRouter(agents AgentService, managers ManagerService, history HistoryReader) *Router {
	return &Router{agents: agents, managers: managers, history: history}
}

func (r *Router) Register(group *gin.RouterGroup) {
	agents := group.Group("/agents")
	agents.GET("", r.listAgents)
	agents.POST("", r.createAgent)
	agents.GET("/:id", r.agentStatus)
	agents.DELETE("/:id", r.remove(r.agents.Delete))
	agents.POST("/:id/start", r.agentAction(func(ctx context.Context, id, _ string) error { return r.agents.Start(ctx, id) }))
	agents.POST("/:id/stop", r.agentAction(r.agents.Stop))
	agents.POST("/:id/pause", r.agentAction(r.agents.Pause))
	agents.POST("/:id/trigger", r.agentAction(func(ctx context.Context, id, _ string) error { return r.agents.Trigger(ctx, id) }))
	agents.POST("/:id/reset", r.agentAction(func(ctx context.Context, id, _ string) error { return r.agents.Reset(ctx, id) }))
	agents.GET("/:id/decisions", r.agentDecisions)
	agents.GET("/:id/trades", r.agentTrades)
	agents.GET("/:id/performance", r.agentPerformance)

	managers := group.Group("/managers")
	managers.GET("", r.listManagers)
	managers.POST("", r.createManager)
	managers.GET("/:id", r.managerStatus)
	managers.DELETE("/:id", r.remove(r.managers.Delete))
	managers.POST("/:id/start", r.managerAction(func(ctx context.Context, id, _ string) error { return r.managers.Start(ctx, id) }))
	managers.POST("/:id/stop", r.managerAction(r.managers.Stop))
	managers.POST("/:id/pause", r.managerAction(r.managers.Pause))
	managers.POST("/:id/trigger", r.managerAction(func(ctx context.Context, id, _ string) error { return r.managers.Trigger(ctx, id) }))
	managers.GET("/:id/logs", r.managerLogs)
	managers.GET("/:id/memory", r.managerMemory)
}

type createRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	ManagerID string         `json:"manager_id"`
	Params    map[string]any `json:"params"`
	Start     bool           `json:"start"`
}

type actionRequest struct {
	Reason string `json:"reason"`
}

// writeError 按哨兵错误映射状态码。
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrConflict), errors.Is(err, scheduler.ErrNotRunnable):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("HTTP %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}

func bindOptional(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		return errors.Join(store.ErrInvalidInput, err)
	}
	return nil
}

func (r *Router) listAgents(c *gin.Context) {
	views, err := r.agents.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": views})
}

func (r *Router) createAgent(c *gin.Context) {
	var req createRequest
	if err := bindOptional(c, &req); err != nil {
		writeError(c, err)
		return
	}
	a, change, err := r.agents.Create(c.Request.Context(), agent.CreateRequest{
		ID:        strings.TrimSpace(req.ID),
		Name:      req.Name,
		ManagerID: strings.TrimSpace(req.ManagerID),
		Params:    req.Params,
		Start:     req.Start,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": a, "config": change.Config, "ignored": change.Ignored, "model_substituted": change.ModelSubstituted})
}

func (r *Router) agentStatus(c *gin.Context) {
	view, err := r.agents.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type lifecycleFunc func(ctx context.Context, id, reason string) error

func (r *Router) agentAction(fn lifecycleFunc) gin.HandlerFunc {
	return r.lifecycle(fn, func(ctx context.Context, id string) (any, error) { return r.agents.Status(ctx, id) })
}

func (r *Router) managerAction(fn lifecycleFunc) gin.HandlerFunc {
	return r.lifecycle(fn, func(ctx context.Context, id string) (any, error) { return r.managers.Status(ctx, id) })
}

// lifecycle 执行指令后返回最新状态；trigger 返回 202，tick 在后台运行。
func (r *Router) lifecycle(fn lifecycleFunc, status func(context.Context, string) (any, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req actionRequest
		if err := bindOptional(c, &req); err != nil {
			writeError(c, err)
			return
		}
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "api"
		}
		ctx := c.Request.Context()
		id := c.Param("id")
		if err := fn(ctx, id, reason); err != nil {
			writeError(c, err)
			return
		}
		view, err := status(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		code := http.StatusOK
		if strings.HasSuffix(c.FullPath(), "/trigger") {
			code = http.StatusAccepted
		}
		c.JSON(code, view)
	}
}

func (r *Router) remove(fn func(ctx context.Context, id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (r *Router) requireAgent(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := r.history.GetAgent(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return "", false
	}
	return id, true
}

func (r *Router) agentDecisions(c *gin.Context) {
	id, ok := r.requireAgent(c)
	if !ok {
		return
	}
	rows, err := r.history.RecentDecisions(c.Request.Context(), id, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": rows})
}

func (r *Router) agentTrades(c *gin.Context) {
	id, ok := r.requireAgent(c)
	if !ok {
		return
	}
	rows, err := r.history.RecentTrades(c.Request.Context(), id, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": rows})
}

func (r *Router) agentPerformance(c *gin.Context) {
	id, ok := r.requireAgent(c)
	if !ok {
		return
	}
	perf, err := r.history.LatestPerformance(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"performance": nil})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"performance": perf})
}

func (r *Router) listManagers(c *gin.Context) {
	views, err := r.managers.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"managers": views})
}

func (r *Router) createManager(c *gin.Context) {
	var req createRequest
	if err := bindOptional(c, &req); err != nil {
		writeError(c, err)
		return
	}
	m, err := r.managers.Create(c.Request.Context(), manager.CreateRequest{
		ID:     strings.TrimSpace(req.ID),
		Name:   req.Name,
		Params: req.Params,
		Start:  req.Start,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"manager": m})
}

func (r *Router) managerStatus(c *gin.Context) {
	view, err := r.managers.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (r *Router) managerLogs(c *gin.Context) {
	rows, err := r.managers.Logs(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": rows})
}

func (r *Router) managerMemory(c *gin.Context) {
	raw, err := r.managers.Memory(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	c.JSON(http.StatusOK, gin.H{"memory": json.RawMessage(raw)})
}
