package livehttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/1NF3RM0/MyBot/internal/contract"
	"github.com/1NF3RM0/MyBot/internal/engine"
	"github.com/1NF3RM0/MyBot/internal/governor"
	"github.com/1NF3RM0/MyBot/internal/logger"

	"github.com/gin-gonic/gin"
)

// Controller 是 HTTP 层依赖的引擎控制面，engine.Engine 满足该接口。
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	EmergencyStop(ctx context.Context) ([]contract.SellReport, error)
	Status() engine.Status
	Strategies() []governor.StrategyView
	ToggleStrategy(id string) (governor.StrategyView, error)
	Metrics() engine.MetricsView
	Contracts() []contract.Contract
	Events() <-chan engine.Event
}

// Router 暴露控制与查询接口。
type Router struct {
	engine           Controller
	emergencyTimeout time.Duration
}

// NewRouter 构造 router。
func NewRouter(ctrl Controller, emergencyTimeout time.Duration) *Router {
	if emergencyTimeout <= 0 {
		emergencyTimeout = 30 * time.Second
	}
	return &Router{engine: ctrl, emergencyTimeout: emergencyTimeout}
}

// Register 将 /api 路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/control/start", r.handleStart)
	group.POST("/control/stop", r.handleStop)
	group.POST("/control/emergency-stop", r.handleEmergencyStop)
	group.GET("/status", r.handleStatus)
	group.GET("/strategies", r.handleStrategies)
	group.POST("/strategies/:id/toggle", r.handleToggle)
	group.GET("/metrics", r.handleMetrics)
	group.GET("/contracts", r.handleContracts)
	group.GET("/events", r.handleEvents)
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.engine.Start(c.Request.Context()); err != nil {
		if errors.Is(err, engine.ErrRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": r.engine.Status()})
			return
		}
		logger.Errorf("[api] start failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] engine start ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": r.engine.Status()})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.engine.Stop(); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": r.engine.Status()})
			return
		}
		logger.Errorf("[api] stop failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] engine stop ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": r.engine.Status()})
}

func (r *Router) handleEmergencyStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), r.emergencyTimeout)
	defer cancel()
	reports, err := r.engine.EmergencyStop(ctx)
	if err != nil {
		logger.Errorf("[api] emergency stop failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sold := 0
	for _, rep := range reports {
		if rep.Sold {
			sold++
		}
	}
	logger.Warnf("[api] emergency stop ip=%s sold=%d total=%d", c.ClientIP(), sold, len(reports))
	c.JSON(http.StatusOK, gin.H{
		"status":  r.engine.Status(),
		"reports": reports,
		"sold":    sold,
	})
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.engine.Status())
}

func (r *Router) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": r.engine.Strategies()})
}

func (r *Router) handleToggle(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "strategy id 必填"})
		return
	}
	view, err := r.engine.ToggleStrategy(id)
	if err != nil {
		if errors.Is(err, governor.ErrUnknownStrategy) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		logger.Errorf("[api] toggle failed ip=%s id=%s err=%v", c.ClientIP(), id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] strategy toggle ip=%s id=%s active=%v", c.ClientIP(), id, view.Active)
	c.JSON(http.StatusOK, gin.H{"strategy": view})
}

func (r *Router) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, r.engine.Metrics())
}

func (r *Router) handleContracts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"contracts": r.engine.Contracts()})
}

// handleEvents 以 SSE 推送引擎事件；事件通道只有一个消费端，多个客户端会分摊事件。
func (r *Router) handleEvents(c *gin.Context) {
	events := r.engine.Events()
	ctx := c.Request.Context()
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	logger.Infof("[api] events stream open ip=%s", c.ClientIP())
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
	logger.Infof("[api] events stream closed ip=%s", c.ClientIP())
}
