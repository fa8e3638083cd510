package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/yunzuo/syncdesk/internal/types"
	"gopkg.in/yaml.v2"
)

// DefaultAppConfig 默认应用配置
func DefaultAppConfig() *types.AppConfig {
	return &types.AppConfig{
		Port: 9120,
		Mode: "prod",
		Database: types.DatabaseConfig{
			Database:         "syncdesk.db",
			LogRetentionDays: 90,
		},
		Sync: types.SyncConfig{
			AutoSync:             false,
			SyncIntervalSec:      300,
			MaxConcurrentUploads: 3,
			PartSizeMB:           10,
			AutoUpload:           true,
			AutoDownload:         true,
			FolderRules: map[string]string{
				"works":    types.RuleBidirectional,
				"customer": types.RuleDownloadOnly,
				"models":   types.RuleManualUpload,
			},
		},
	}
}

// Store 持有当前配置。同步设置可在运行时修改，
// 调度器每个准入周期都重新读取快照，而不是启动时缓存。
type Store struct {
	mu   sync.RWMutex
	path string
	app  *types.AppConfig
}

// Load 加载配置文件，不存在时写出默认配置
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.app = DefaultAppConfig()
		if saveErr := s.save(); saveErr != nil {
			log.Printf("config: failed to save default config: %v", saveErr)
		} else {
			log.Printf("config: created default config at %s", path)
		}
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	app := DefaultAppConfig()
	if err := yaml.Unmarshal(data, app); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	s.app = app
	return s, nil
}

// Reload 重新读取配置文件（fsnotify 热加载入口）
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	app := DefaultAppConfig()
	if err := yaml.Unmarshal(data, app); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	s.mu.Lock()
	s.app = app
	s.mu.Unlock()
	return nil
}

// App 返回应用配置副本
func (s *Store) App() types.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.app
}

// Sync 返回当前同步配置快照
func (s *Store) Sync() types.SyncConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.app.Sync
}

// UpdateSync 更新同步配置并落盘
func (s *Store) UpdateSync(sc types.SyncConfig) error {
	s.mu.Lock()
	s.app.Sync = sc
	s.mu.Unlock()
	return s.Save()
}

// Save 保存当前配置到文件（先写临时文件再改名）
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.save()
}

func (s *Store) save() error {
	data, err := yaml.Marshal(s.app)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("保存配置文件失败: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Path 配置文件路径
func (s *Store) Path() string {
	return s.path
}
