package router

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// GetFileLogs 分页查询文件传输日志
func (r *Router) GetFileLogs(c *gin.Context) {
	// 解析分页参数
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if pageSize > 200 {
		pageSize = 200
	}

	// 解析过滤参数
	operation := c.Query("operation")
	status := c.Query("status")

	logs, total, err := r.logs.GetFileLogs(page, pageSize, operation, status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":        logs,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// CleanupLogs 清理超过保留期的日志
func (r *Router) CleanupLogs(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", strconv.Itoa(r.cfg.App().Database.LogRetentionDays)))
	if days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid days parameter"})
		return
	}

	if err := r.logs.CleanOldLogs(days); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Old logs cleaned successfully"})
}
