// Package syncer 自动同步：定期扫描本地群目录，对比远程文件列表，
// 按设置把差异转成上传/下载任务交给调度器。
package syncer

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yunzuo/syncdesk/internal/config"
	"github.com/yunzuo/syncdesk/internal/scanner"
	"github.com/yunzuo/syncdesk/internal/scheduler"
	"github.com/yunzuo/syncdesk/internal/transfer"
	"github.com/yunzuo/syncdesk/internal/types"
	"github.com/yunzuo/syncdesk/websocket"
)

// 同步状态
const (
	StateIdle    = "idle"
	StateSyncing = "syncing"
	StateError   = "error"
)

// 自动同步覆盖的目录类别。每个类别的方向由其同步规则决定
// （作品双向、客户只下发、模型手动），手动任务不受此限制。
var folderTypes = []string{"works", "customer", "models"}

// Syncer 驱动周期同步，同一时间只允许一轮在跑
type Syncer struct {
	cfg    *config.Store
	api    transfer.API
	sched  *scheduler.Manager
	bridge *websocket.Manager

	mu      sync.Mutex
	running bool
	state   string
	lastRun time.Time
}

func NewSyncer(cfg *config.Store, api transfer.API, sched *scheduler.Manager, bridge *websocket.Manager) *Syncer {
	return &Syncer{
		cfg:    cfg,
		api:    api,
		sched:  sched,
		bridge: bridge,
		state:  StateIdle,
	}
}

// Start 自动同步循环。间隔每轮都重新读取配置，改设置后下一轮生效。
func (s *Syncer) Start(ctx context.Context) {
	go func() {
		for {
			interval := time.Duration(s.cfg.Sync().SyncIntervalSec) * time.Second
			if interval < 10*time.Second {
				interval = 10 * time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			if !s.cfg.Sync().AutoSync {
				continue
			}
			if _, err := s.SyncOnce(ctx); err != nil {
				log.Printf("syncer: auto sync failed: %v", err)
			}
		}
	}()
}

// State 当前同步状态和上次完成时间
func (s *Syncer) State() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastRun
}

// SyncOnce 执行一轮同步并返回扫描到的群目录。
// 已有一轮在跑时直接返回，不排队。
func (s *Syncer) SyncOnce(ctx context.Context) ([]types.LocalGroup, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, nil
	}
	s.running = true
	s.state = StateSyncing
	s.mu.Unlock()

	s.bridge.Broadcast(websocket.MsgSyncStatus, StateSyncing)
	groups, err := s.sweep(ctx)

	s.mu.Lock()
	s.running = false
	s.lastRun = time.Now()
	if err != nil {
		s.state = StateError
	} else {
		s.state = StateIdle
	}
	state := s.state
	s.mu.Unlock()

	s.bridge.Broadcast(websocket.MsgSyncStatus, state)
	if groups != nil {
		s.bridge.Broadcast(websocket.MsgScanResult, groups)
	}
	return groups, err
}

func (s *Syncer) sweep(ctx context.Context) ([]types.LocalGroup, error) {
	sc := s.cfg.Sync()
	if sc.RootDir == "" {
		return nil, nil
	}
	groups, err := scanner.ScanRoot(sc.RootDir)
	if err != nil {
		return nil, err
	}

	for _, group := range groups {
		if ctx.Err() != nil {
			return groups, ctx.Err()
		}
		if err := s.syncGroup(ctx, group, sc); err != nil {
			// 单个群失败不中断整轮
			log.Printf("syncer: group %s: %v", group.GroupCode, err)
		}
	}
	return groups, nil
}

func (s *Syncer) syncGroup(ctx context.Context, group types.LocalGroup, sc types.SyncConfig) error {
	for _, folderType := range folderTypes {
		rule := sc.RuleFor(folderType)
		if sc.AutoUpload && rule == types.RuleBidirectional {
			if err := s.sweepUploads(ctx, group, folderType); err != nil {
				return err
			}
		}
		if sc.AutoDownload && (rule == types.RuleBidirectional || rule == types.RuleDownloadOnly) {
			if err := s.sweepDownloads(ctx, group, folderType); err != nil {
				return err
			}
		}
	}
	return nil
}

// sweepUploads 本地有、远端没有的文件入队上传
func (s *Syncer) sweepUploads(ctx context.Context, group types.LocalGroup, folderType string) error {
	localDir := filepath.Join(group.Path, scanner.FolderTypeDir(folderType))
	localFiles, err := scanner.ListFiles(localDir)
	if err != nil {
		return err
	}
	if len(localFiles) == 0 {
		return nil
	}

	remoteFiles, err := s.api.ListRemoteFiles(ctx, group.GroupCode, folderType)
	if err != nil {
		return err
	}
	remoteSet := make(map[string]bool, len(remoteFiles))
	for _, rf := range remoteFiles {
		remoteSet[rf.Filename] = true
	}

	for _, name := range localFiles {
		if remoteSet[name] {
			continue
		}
		localPath := filepath.Join(localDir, name)
		info, err := os.Stat(localPath)
		if err != nil || info.IsDir() {
			continue
		}
		s.enqueue(types.SyncTask{
			Filename:   name,
			LocalPath:  localPath,
			RemotePath: group.GroupCode + "/" + folderType + "/" + name,
			GroupCode:  group.GroupCode,
			FolderType: folderType,
			Operation:  types.OperationUpload,
			Filesize:   info.Size(),
		})
	}
	return nil
}

// sweepDownloads 远端有、本地没有的文件入队下载
func (s *Syncer) sweepDownloads(ctx context.Context, group types.LocalGroup, folderType string) error {
	localDir := filepath.Join(group.Path, scanner.FolderTypeDir(folderType))
	localFiles, err := scanner.ListFiles(localDir)
	if err != nil {
		return err
	}
	localSet := make(map[string]bool, len(localFiles))
	for _, name := range localFiles {
		localSet[name] = true
	}

	remoteFiles, err := s.api.ListRemoteFiles(ctx, group.GroupCode, folderType)
	if err != nil {
		return err
	}
	for _, rf := range remoteFiles {
		if localSet[rf.Filename] {
			continue
		}
		s.enqueue(types.SyncTask{
			Filename:   rf.Filename,
			LocalPath:  filepath.Join(localDir, rf.Filename),
			RemotePath: rf.RemotePath,
			GroupCode:  group.GroupCode,
			FolderType: folderType,
			Operation:  types.OperationDownload,
			Filesize:   rf.Size,
			StorageKey: rf.StorageKey,
		})
	}
	return nil
}

func (s *Syncer) enqueue(task types.SyncTask) {
	if _, err := s.sched.Enqueue(task); err != nil {
		log.Printf("syncer: enqueue %s %s: %v", task.Operation, task.Filename, err)
	}
}
