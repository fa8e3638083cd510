package database

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/yunzuo/syncdesk/internal/types"
	"gorm.io/gorm/clause"
)

// LogService 文件日志与任务状态的持久化服务
type LogService struct{}

func NewLogService() *LogService {
	return &LogService{}
}

// CreateFileLog 写入一条传输终态日志
func (s *LogService) CreateFileLog(filename, operation, status string, size int64,
	groupCode, folderType, errorMessage string) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	entry := FileLog{
		Filename:     filename,
		Operation:    operation,
		Status:       status,
		Size:         size,
		GroupCode:    groupCode,
		FolderType:   folderType,
		ErrorMessage: errorMessage,
	}
	return DB.Create(&entry).Error
}

// GetFileLogs 分页查询文件日志，operation/status 为空表示不过滤
func (s *LogService) GetFileLogs(page, pageSize int, operation, status string) ([]FileLog, int64, error) {
	if DB == nil {
		return nil, 0, fmt.Errorf("database not initialized")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	query := DB.Model(&FileLog{})
	if operation != "" {
		query = query.Where("operation = ?", operation)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []FileLog
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&logs).Error
	return logs, total, err
}

// CleanOldLogs 清理超过保留期的文件日志
func (s *LogService) CleanOldLogs(days int) error {
	if DB == nil || days <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	result := DB.Unscoped().Where("created_at < ?", cutoff).Delete(&FileLog{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("database: cleaned %d old file logs", result.RowsAffected)
	}
	return nil
}

// ScheduleLogCleanup 启动每日日志清理任务
func ScheduleLogCleanup(retentionDays int) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	svc := NewLogService()
	go func() {
		// 启动时先清一次
		if err := svc.CleanOldLogs(retentionDays); err != nil {
			log.Printf("database: log cleanup failed: %v", err)
		}
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if err := svc.CleanOldLogs(retentionDays); err != nil {
				log.Printf("database: log cleanup failed: %v", err)
			}
		}
	}()
}

// SaveTaskState 保存任务断点状态（按 TaskID 覆盖）
func (s *LogService) SaveTaskState(task *types.SyncTask, doneParts []int) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	done, err := json.Marshal(doneParts)
	if err != nil {
		return err
	}
	rec := TaskRecord{
		TaskID:         task.ID,
		Filename:       task.Filename,
		LocalPath:      task.LocalPath,
		RemotePath:     task.RemotePath,
		GroupCode:      task.GroupCode,
		FolderType:     task.FolderType,
		Operation:      task.Operation,
		Status:         task.Status,
		Filesize:       task.Filesize,
		PartSize:       task.PartSize,
		TotalParts:     task.TotalParts,
		CompletedParts: task.CompletedParts,
		DoneParts:      string(done),
		UploadID:       task.UploadID,
		StorageKey:     task.StorageKey,
		ErrorMessage:   task.Error,
	}
	return DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

// DeleteTaskState 删除任务断点状态（任务被移除或取消后）
func (s *LogService) DeleteTaskState(taskID string) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	return DB.Unscoped().Where("task_id = ?", taskID).Delete(&TaskRecord{}).Error
}

// LoadResumableTasks 加载可恢复的任务：上次退出时处于活动或暂停状态的任务。
// 返回任务及其已完成分片序号。
func (s *LogService) LoadResumableTasks() ([]types.SyncTask, map[string][]int, error) {
	if DB == nil {
		return nil, nil, fmt.Errorf("database not initialized")
	}
	var records []TaskRecord
	err := DB.Where("status IN ?", []string{
		types.StatusPending, types.StatusUploading, types.StatusDownloading, types.StatusPaused,
	}).Order("created_at ASC").Find(&records).Error
	if err != nil {
		return nil, nil, err
	}

	tasks := make([]types.SyncTask, 0, len(records))
	done := make(map[string][]int, len(records))
	for _, rec := range records {
		var parts []int
		if rec.DoneParts != "" {
			if err := json.Unmarshal([]byte(rec.DoneParts), &parts); err != nil {
				log.Printf("database: bad done_parts for task %s: %v", rec.TaskID, err)
				parts = nil
			}
		}
		tasks = append(tasks, types.SyncTask{
			ID:             rec.TaskID,
			Filename:       rec.Filename,
			LocalPath:      rec.LocalPath,
			RemotePath:     rec.RemotePath,
			GroupCode:      rec.GroupCode,
			FolderType:     rec.FolderType,
			Operation:      rec.Operation,
			Filesize:       rec.Filesize,
			PartSize:       rec.PartSize,
			TotalParts:     rec.TotalParts,
			CompletedParts: len(parts),
			Status:         types.StatusPending,
			UploadID:       rec.UploadID,
			StorageKey:     rec.StorageKey,
			CreatedAt:      rec.CreatedAt.UnixMilli(),
			UpdatedAt:      time.Now().UnixMilli(),
		})
		done[rec.TaskID] = parts
	}
	return tasks, done, nil
}
