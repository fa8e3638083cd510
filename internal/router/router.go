// Package router 本地API：只监听本机，供桌面窗口调用。
package router

import (
	"fmt"
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/yunzuo/syncdesk/internal/config"
	"github.com/yunzuo/syncdesk/internal/database"
	"github.com/yunzuo/syncdesk/internal/scheduler"
	"github.com/yunzuo/syncdesk/internal/session"
	"github.com/yunzuo/syncdesk/internal/syncer"
	"github.com/yunzuo/syncdesk/internal/transfer"
	"github.com/yunzuo/syncdesk/websocket"
)

// Router 本地API依赖集合
type Router struct {
	cfg    *config.Store
	sched  *scheduler.Manager
	sync   *syncer.Syncer
	api    transfer.API
	sess   *session.Store
	bridge *websocket.Manager
	logs   *database.LogService
}

func New(cfg *config.Store, sched *scheduler.Manager, sync *syncer.Syncer,
	api transfer.API, sess *session.Store, bridge *websocket.Manager) *Router {
	return &Router{
		cfg:    cfg,
		sched:  sched,
		sync:   sync,
		api:    api,
		sess:   sess,
		bridge: bridge,
		logs:   database.NewLogService(),
	}
}

// InitRouter 创建gin engine并注册全部路由
func (r *Router) InitRouter() *gin.Engine {
	if r.cfg.App().Mode == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	// 创建不带默认中间件的engine
	g := gin.New()

	// 自定义日志中间件，跳过标记为"disable_log"的请求
	g.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		if param.Keys != nil {
			if noLog, exists := param.Keys["disable_log"]; exists && noLog == true {
				return ""
			}
		}
		return fmt.Sprintf("[SyncDesk] %v | %3d | %13v | %15s | %-7s %#v\n%s",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.StatusCode,
			param.Latency,
			param.ClientIP,
			param.Method,
			param.Path,
			param.ErrorMessage,
		)
	}))
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/ws"})))

	// CORS：窗口以自定义协议加载页面，Origin不固定
	g.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	g.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	g.GET("/ws", r.bridge.HandleWebSocket)

	api := g.Group("/api")
	{
		// 任务管理
		api.GET("/tasks", disableLog(), r.GetTasks)
		api.POST("/tasks", r.CreateTask)
		api.POST("/tasks/:id/pause", r.PauseTask)
		api.POST("/tasks/:id/resume", r.ResumeTask)
		api.POST("/tasks/:id/cancel", r.CancelTask)
		api.DELETE("/tasks/:id", r.RemoveTask)

		// 扫描与同步
		api.POST("/scan", r.Scan)
		api.POST("/sync", r.TriggerSync)

		// 设置
		api.GET("/settings", disableLog(), r.GetSettings)
		api.PUT("/settings", r.UpdateSettings)
		api.GET("/nodes", r.GetNodes)

		// 会话凭证（由宿主窗口在登录后写入）
		api.POST("/session", r.SetSession)
		api.GET("/session", disableLog(), r.GetSession)

		// 文件日志
		api.GET("/logs", r.GetFileLogs)
		api.DELETE("/logs/cleanup", r.CleanupLogs)

		// 运行状态
		api.GET("/status", disableLog(), r.GetStatus)
	}

	return g
}

// disableLog 标记请求不进入访问日志（高频轮询接口）
func disableLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("disable_log", true)
		c.Next()
	}
}
