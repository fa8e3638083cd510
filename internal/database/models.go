package database

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel base model, contains common fields
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// FileLog 传输终态日志，任务到达 success/failed 时写入一次，此后不再修改
type FileLog struct {
	BaseModel
	Filename     string `json:"filename" gorm:"size:500"`
	Operation    string `json:"operation" gorm:"size:20;index"` // upload | download
	Status       string `json:"status" gorm:"size:20;index"`    // success | failed
	Size         int64  `json:"size"`
	GroupCode    string `json:"group_code" gorm:"size:50;index"`
	FolderType   string `json:"folder_type" gorm:"size:20"` // works | models | customer
	ErrorMessage string `json:"error_message" gorm:"type:text"`
}

// TaskRecord 任务断点状态，用于进程重启后恢复。
// 恢复时 completed parts 不变，只重传缺失的分片。
type TaskRecord struct {
	BaseModel
	TaskID         string `json:"task_id" gorm:"size:64;uniqueIndex"`
	Filename       string `json:"filename" gorm:"size:500"`
	LocalPath      string `json:"local_path" gorm:"size:1000"`
	RemotePath     string `json:"remote_path" gorm:"size:1000"`
	GroupCode      string `json:"group_code" gorm:"size:50"`
	FolderType     string `json:"folder_type" gorm:"size:20"`
	Operation      string `json:"operation" gorm:"size:20;index"`
	Status         string `json:"status" gorm:"size:20;index"`
	Filesize       int64  `json:"filesize"`
	PartSize       int64  `json:"part_size"`
	TotalParts     int    `json:"total_parts"`
	CompletedParts int    `json:"completed_parts"`
	DoneParts      string `json:"done_parts" gorm:"type:text"` // 已完成分片序号的JSON数组
	UploadID       string `json:"upload_id" gorm:"size:128"`
	StorageKey     string `json:"storage_key" gorm:"size:500"`
	ErrorMessage   string `json:"error_message" gorm:"type:text"`
}
