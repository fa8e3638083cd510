package types

// 应用程序配置
type AppConfig struct {
	Port      int            `yaml:"port"`       // 本地API监听端口
	ServerURL string         `yaml:"server_url"` // 远程API地址
	Mode      string         `yaml:"mode"`       // "dev" | "prod" | "test"
	Database  DatabaseConfig `yaml:"database"`
	Sync      SyncConfig     `yaml:"sync"`
}

// 数据库配置
type DatabaseConfig struct {
	Database         string `yaml:"database"`           // sqlite 文件路径
	LogRetentionDays int    `yaml:"log_retention_days"` // 文件日志保留天数
}

// 目录类别的同步规则
const (
	RuleBidirectional = "bidirectional" // 自动上传 + 自动下载
	RuleDownloadOnly  = "download_only" // 只自动下载
	RuleManualUpload  = "manual_upload" // 不参与自动同步，只能手动上传
)

// SyncConfig 同步策略配置，运行时可修改
type SyncConfig struct {
	RootDir              string            `yaml:"root_dir" json:"rootDir"`
	AutoSync             bool              `yaml:"auto_sync" json:"autoSync"`
	SyncIntervalSec      int               `yaml:"sync_interval_sec" json:"syncIntervalSec"`
	MaxConcurrentUploads int               `yaml:"max_concurrent_uploads" json:"maxConcurrentUploads"`
	PartSizeMB           int               `yaml:"part_size_mb" json:"partSizeMB"`
	AutoUpload           bool              `yaml:"auto_upload" json:"autoUpload"`
	AutoDownload         bool              `yaml:"auto_download" json:"autoDownload"`
	FolderRules          map[string]string `yaml:"folder_rules" json:"folderRules"`
	AccelerationNodeID   int               `yaml:"acceleration_node_id" json:"accelerationNodeId"`
	AccelerationNodeURL  string            `yaml:"acceleration_node_url" json:"accelerationNodeUrl"`
}

// RuleFor 目录类别的同步规则。未配置时使用项目目录约定：
// 作品文件双向、客户文件只下发、模型文件手动上传。
func (c SyncConfig) RuleFor(folderType string) string {
	if rule, ok := c.FolderRules[folderType]; ok && rule != "" {
		return rule
	}
	switch folderType {
	case "works":
		return RuleBidirectional
	case "customer":
		return RuleDownloadOnly
	}
	return RuleManualUpload
}

// PartSize 分片大小（字节）
func (c SyncConfig) PartSize() int64 {
	mb := c.PartSizeMB
	if mb <= 0 {
		mb = 10
	}
	return int64(mb) * 1024 * 1024
}

// 任务操作类型
const (
	OperationUpload   = "upload"
	OperationDownload = "download"
)

// 任务状态
const (
	StatusPending     = "pending"
	StatusUploading   = "uploading"
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// IsTerminal 任务是否已结束
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed || status == StatusCancelled
}

// IsActive 任务是否正在传输
func IsActive(status string) bool {
	return status == StatusUploading || status == StatusDownloading
}

// SyncTask 一个文件的上传/下载任务
type SyncTask struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	LocalPath string `json:"localPath"`
	// RemotePath 远程逻辑路径（group_code/folder_type/rel_path）
	RemotePath string `json:"remotePath"`
	GroupCode  string `json:"groupCode"`
	FolderType string `json:"folderType"` // works | models | customer
	Operation  string `json:"operation"`  // upload | download

	Filesize       int64 `json:"filesize"`
	PartSize       int64 `json:"partSize"`
	TotalParts     int   `json:"totalParts"`
	CompletedParts int   `json:"completedParts"`

	Status   string  `json:"status"`
	Progress float64 `json:"progress"` // 0-100
	Speed    int64   `json:"speed"`    // bytes/sec，派生值，不持久化
	Error    string  `json:"error,omitempty"`

	// 上传会话句柄，断点续传时复用
	UploadID   string `json:"uploadId,omitempty"`
	StorageKey string `json:"storageKey,omitempty"`

	CreatedAt int64 `json:"createdAt"` // unix 毫秒
	UpdatedAt int64 `json:"updatedAt"`
}

// LocalGroup 扫描发现的本地群目录
type LocalGroup struct {
	GroupCode   string `json:"groupCode"`
	GroupName   string `json:"groupName"`
	Path        string `json:"path"`
	HasWorks    bool   `json:"hasWorks"`
	HasModels   bool   `json:"hasModels"`
	HasCustomer bool   `json:"hasCustomer"`
}

// AccelerationNode 加速节点，由远程配置接口提供，引擎只读
type AccelerationNode struct {
	ID          int    `json:"id"`
	NodeName    string `json:"node_name"`
	EndpointURL string `json:"endpoint_url"`
	RegionCode  string `json:"region_code,omitempty"`
	IsDefault   bool   `json:"is_default"`
}

// RemoteFile 远程文件列表项
type RemoteFile struct {
	Filename   string `json:"filename"`
	Size       int64  `json:"filesize"`
	RemotePath string `json:"remote_path"`
	StorageKey string `json:"storage_key,omitempty"`
}
