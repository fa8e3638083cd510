package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/yunzuo/syncdesk/internal/types"
	"github.com/yunzuo/syncdesk/websocket"
)

// GetSettings 返回当前同步设置
func (r *Router) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, r.cfg.Sync())
}

// UpdateSettings 更新同步设置，落盘并广播给所有窗口
func (r *Router) UpdateSettings(c *gin.Context) {
	var sc types.SyncConfig
	if err := c.ShouldBindJSON(&sc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request data: " + err.Error()})
		return
	}
	if sc.SyncIntervalSec < 10 {
		sc.SyncIntervalSec = 10
	}
	if sc.MaxConcurrentUploads < 1 {
		sc.MaxConcurrentUploads = 1
	}
	if err := r.cfg.UpdateSync(sc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save config failed: " + err.Error()})
		return
	}
	// 设置变更推给所有窗口，悬浮窗无需重新拉取
	r.bridge.Broadcast(websocket.MsgSettingsSync, sc)
	c.JSON(http.StatusOK, gin.H{"message": "config updated successfully"})
}

// GetNodes 拉取可用加速节点列表
func (r *Router) GetNodes(c *gin.Context) {
	nodes, err := r.api.ListNodes(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// SetSession 宿主窗口登录后写入 bearer 凭证
func (r *Router) SetSession(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request data: " + err.Error()})
		return
	}
	r.sess.SetToken(req.Token)
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// GetSession 查询凭证状态
func (r *Router) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"hasToken": r.sess.Token() != "",
		"expired":  r.sess.Expired(),
	})
}

// GetStatus 运行状态：同步状态、活动任务数、窗口连接数、系统资源
func (r *Router) GetStatus(c *gin.Context) {
	state, lastRun := r.sync.State()

	status := gin.H{
		"syncState":   state,
		"activeTasks": r.sched.ActiveCount(),
		"windows":     r.bridge.ClientCount(),
	}
	if !lastRun.IsZero() {
		status["lastSync"] = lastRun.Format(time.RFC3339)
	}

	if info, err := host.Info(); err == nil {
		status["host"] = gin.H{
			"os":       info.OS,
			"platform": info.Platform,
			"uptime":   info.Uptime,
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory"] = gin.H{
			"total":       vm.Total,
			"available":   vm.Available,
			"usedPercent": vm.UsedPercent,
		}
	}
	if root := r.cfg.Sync().RootDir; root != "" {
		if usage, err := disk.Usage(root); err == nil {
			status["disk"] = gin.H{
				"total":       usage.Total,
				"free":        usage.Free,
				"usedPercent": usage.UsedPercent,
			}
		}
	}

	c.JSON(http.StatusOK, status)
}
