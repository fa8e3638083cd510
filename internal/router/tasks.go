package router

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/yunzuo/syncdesk/internal/scanner"
	"github.com/yunzuo/syncdesk/internal/scheduler"
	"github.com/yunzuo/syncdesk/internal/types"
	"github.com/yunzuo/syncdesk/websocket"
)

// GetTasks 返回全部任务快照
func (r *Router) GetTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": r.sched.Tasks()})
}

// createTaskRequest 手动创建任务的参数
type createTaskRequest struct {
	Filename   string `json:"filename"`
	LocalPath  string `json:"localPath"`
	RemotePath string `json:"remotePath"`
	GroupCode  string `json:"groupCode" binding:"required"`
	FolderType string `json:"folderType" binding:"required"`
	Operation  string `json:"operation" binding:"required"`
	Filesize   int64  `json:"filesize"`
	StorageKey string `json:"storageKey"`
}

// CreateTask 手动入队一个上传或下载任务
func (r *Router) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request data: " + err.Error()})
		return
	}
	if req.Operation != types.OperationUpload && req.Operation != types.OperationDownload {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operation must be upload or download"})
		return
	}

	task := types.SyncTask{
		Filename:   req.Filename,
		LocalPath:  req.LocalPath,
		RemotePath: req.RemotePath,
		GroupCode:  req.GroupCode,
		FolderType: req.FolderType,
		Operation:  req.Operation,
		Filesize:   req.Filesize,
		StorageKey: req.StorageKey,
	}
	if task.Filename == "" && task.LocalPath != "" {
		task.Filename = filepath.Base(task.LocalPath)
	}
	if task.Operation == types.OperationUpload {
		info, err := os.Stat(task.LocalPath)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "local file not accessible: " + err.Error()})
			return
		}
		task.Filesize = info.Size()
	}
	if task.RemotePath == "" {
		task.RemotePath = task.GroupCode + "/" + task.FolderType + "/" + task.Filename
	}

	id, err := r.sched.Enqueue(task)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// PauseTask 暂停任务
func (r *Router) PauseTask(c *gin.Context) {
	r.taskTransition(c, r.sched.Pause)
}

// ResumeTask 恢复暂停的任务
func (r *Router) ResumeTask(c *gin.Context) {
	r.taskTransition(c, r.sched.Resume)
}

// CancelTask 取消任务
func (r *Router) CancelTask(c *gin.Context) {
	r.taskTransition(c, r.sched.Cancel)
}

// RemoveTask 从列表删除终态或暂停的任务
func (r *Router) RemoveTask(c *gin.Context) {
	r.taskTransition(c, r.sched.Remove)
}

func (r *Router) taskTransition(c *gin.Context, fn func(id string) error) {
	if err := fn(c.Param("id")); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, scheduler.ErrIllegalTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// Scan 扫描同步根目录并广播结果
func (r *Router) Scan(c *gin.Context) {
	root := r.cfg.Sync().RootDir
	if root == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sync root dir not configured"})
		return
	}
	groups, err := scanner.ScanRoot(root)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	r.bridge.Broadcast(websocket.MsgScanResult, groups)
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// TriggerSync 立即执行一轮同步（不等自动同步周期）
func (r *Router) TriggerSync(c *gin.Context) {
	groups, err := r.sync.SyncOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}
