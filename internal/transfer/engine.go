package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yunzuo/syncdesk/internal/types"
)

// 分片重试策略：最多3次，指数退避，1s起步
const (
	defaultPartWorkers = 3
	defaultMaxAttempts = 3
	defaultBackoffBase = 1 * time.Second
)

// Task 引擎视角的一次传输。字段由调度器填充，
// Done 是已确认分片的序号集合（1起），恢复时只传缺失分片。
type Task struct {
	ID         string
	Filename   string
	LocalPath  string
	RemotePath string
	GroupCode  string
	FolderType string
	Operation  string

	Filesize   int64
	PartSize   int64
	TotalParts int

	UploadID   string
	StorageKey string

	Done map[int]bool
}

// Observer 接收引擎回报的持久化进度。
// PartCompleted 只在分片被远端确认（上传）或落盘（下载）后调用，绝不提前。
type Observer interface {
	Initialized(uploadID, storageKey string, partSize int64, totalParts int)
	PartCompleted(partNumber int, size int64)
	BytesTransferred(n int64)
}

// Engine 分片传输引擎。无共享可变状态，可被多个任务并发使用；
// 每个任务的分片并发由 partWorkers 限制，总并发由调度器控制。
type Engine struct {
	api         API
	scratchRoot string
	partWorkers int
	maxAttempts int
	backoffBase time.Duration
}

func NewEngine(api API, scratchRoot string) *Engine {
	return &Engine{
		api:         api,
		scratchRoot: scratchRoot,
		partWorkers: defaultPartWorkers,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
}

// TotalParts 分片总数 = ceil(filesize / partSize)
func TotalParts(filesize, partSize int64) int {
	if partSize <= 0 {
		return 0
	}
	return int((filesize + partSize - 1) / partSize)
}

// Run 执行一次传输，阻塞到终态。返回 nil 表示成功；
// 暂停/取消由调度器通过 ctx 终止，错误分类为 cancelled。
func (e *Engine) Run(ctx context.Context, t *Task, obs Observer) error {
	switch t.Operation {
	case types.OperationUpload:
		return e.runUpload(ctx, t, obs)
	case types.OperationDownload:
		return e.runDownload(ctx, t, obs)
	default:
		return NewError(KindFatal, fmt.Errorf("未知操作类型: %s", t.Operation))
	}
}

func (e *Engine) runUpload(ctx context.Context, t *Task, obs Observer) error {
	file, err := os.Open(t.LocalPath)
	if err != nil {
		return NewError(KindFatal, fmt.Errorf("打开本地文件失败: %w", err))
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return NewError(KindFatal, err)
	}
	if t.Filesize > 0 && info.Size() != t.Filesize {
		// 本地文件在排队期间被改写，旧的分片状态已无意义
		return NewError(KindFatal,
			fmt.Errorf("本地文件大小已变化: %d -> %d", t.Filesize, info.Size()))
	}
	t.Filesize = info.Size()

	// 没有会话句柄说明是新传输（或恢复时init未完成），先初始化
	if t.UploadID == "" {
		var result *InitUploadResult
		err := e.withRetry(ctx, "init upload", func() error {
			r, err := e.api.InitUpload(ctx, InitUploadRequest{
				GroupCode:  t.GroupCode,
				FolderType: t.FolderType,
				RelPath:    t.RemotePath,
				Filename:   t.Filename,
				Filesize:   t.Filesize,
				PartSize:   t.PartSize,
			})
			result = r
			return err
		})
		if err != nil {
			return err
		}
		t.UploadID = result.UploadID
		t.StorageKey = result.StorageKey
		if result.PartSize > 0 {
			t.PartSize = result.PartSize
		}
		if result.TotalParts > 0 {
			t.TotalParts = result.TotalParts
		} else {
			t.TotalParts = TotalParts(t.Filesize, t.PartSize)
		}
		obs.Initialized(t.UploadID, t.StorageKey, t.PartSize, t.TotalParts)
	}

	err = e.runParts(ctx, e.pendingParts(t), func(pctx context.Context, part int) error {
		offset := int64(part-1) * t.PartSize
		length := t.PartSize
		if remaining := t.Filesize - offset; remaining < length {
			length = remaining
		}
		if length <= 0 {
			return NewError(KindFatal,
				fmt.Errorf("分片越界: part=%d offset=%d filesize=%d", part, offset, t.Filesize))
		}

		buf := make([]byte, length)
		if _, err := file.ReadAt(buf, offset); err != nil && err != io.EOF {
			return NewError(KindFatal, fmt.Errorf("读取分片 %d 失败: %w", part, err))
		}

		if err := e.withRetry(pctx, fmt.Sprintf("upload part %d", part), func() error {
			return e.api.UploadPart(pctx, t.UploadID, part, buf)
		}); err != nil {
			return err
		}
		obs.PartCompleted(part, length)
		obs.BytesTransferred(length)
		return nil
	})
	if err != nil {
		return err
	}

	// 全部分片确认后才提交，绝不提前
	return e.withRetry(ctx, "complete upload", func() error {
		return e.api.CompleteUpload(ctx, t.UploadID)
	})
}

func (e *Engine) runDownload(ctx context.Context, t *Task, obs Observer) error {
	var meta *FileMetadata
	err := e.withRetry(ctx, "fetch metadata", func() error {
		m, err := e.api.FetchMetadata(ctx, t.RemotePath)
		meta = m
		return err
	})
	if err != nil {
		return err
	}

	// 远端为准：排队后远程文件被替换时按新大小重新计算
	if t.Filesize != meta.Filesize {
		t.Filesize = meta.Filesize
		t.TotalParts = 0
	}
	if t.TotalParts == 0 {
		t.TotalParts = TotalParts(t.Filesize, t.PartSize)
		obs.Initialized("", "", t.PartSize, t.TotalParts)
	}

	scratch := e.ScratchDir(t.ID)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return NewError(KindFatal, err)
	}

	err = e.runParts(ctx, e.pendingParts(t), func(pctx context.Context, part int) error {
		offset := int64(part-1) * t.PartSize
		length := t.PartSize
		if remaining := t.Filesize - offset; remaining < length {
			length = remaining
		}

		var data []byte
		if err := e.withRetry(pctx, fmt.Sprintf("download part %d", part), func() error {
			d, err := e.api.DownloadPart(pctx, t.RemotePath, offset, length)
			data = d
			return err
		}); err != nil {
			return err
		}

		// 先写临时文件再改名，分片要么完整存在要么不存在
		partPath := e.partPath(scratch, part)
		tmp := partPath + ".tmp"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return NewError(KindFatal, err)
		}
		if err := os.Rename(tmp, partPath); err != nil {
			return NewError(KindFatal, err)
		}
		obs.PartCompleted(part, length)
		obs.BytesTransferred(length)
		return nil
	})
	if err != nil {
		return err
	}

	return e.assemble(t, scratch, meta)
}

// assemble splices verified parts into the final file. The file only
// appears under its final name after the integrity check passes.
func (e *Engine) assemble(t *Task, scratch string, meta *FileMetadata) error {
	tmpPath := filepath.Join(scratch, "assembled.tmp")
	out, err := os.Create(tmpPath)
	if err != nil {
		return NewError(KindFatal, err)
	}

	hasher := sha256.New()
	var written int64
	for part := 1; part <= t.TotalParts; part++ {
		data, err := os.ReadFile(e.partPath(scratch, part))
		if err != nil {
			out.Close()
			return NewError(KindIntegrity, fmt.Errorf("分片 %d 缺失: %w", part, err))
		}
		if _, err := out.Write(data); err != nil {
			out.Close()
			return NewError(KindFatal, err)
		}
		hasher.Write(data)
		written += int64(len(data))
	}
	if err := out.Close(); err != nil {
		return NewError(KindFatal, err)
	}

	if written != t.Filesize {
		os.Remove(tmpPath)
		return NewError(KindIntegrity,
			fmt.Errorf("文件大小不符: got %d want %d", written, t.Filesize))
	}
	if meta.SHA256 != "" {
		if sum := hex.EncodeToString(hasher.Sum(nil)); sum != meta.SHA256 {
			os.Remove(tmpPath)
			return NewError(KindIntegrity, fmt.Errorf("校验和不符"))
		}
	}

	if err := os.MkdirAll(filepath.Dir(t.LocalPath), 0755); err != nil {
		return NewError(KindFatal, err)
	}
	if err := os.Rename(tmpPath, t.LocalPath); err != nil {
		return NewError(KindFatal, err)
	}
	e.DiscardScratch(t.ID)
	return nil
}

// Discard 丢弃任务的部分产物：取消上传会话、删除本地碎片。
// 取消的下载不能在最终路径留下半个文件（assemble 前本来就不会出现）。
func (e *Engine) Discard(ctx context.Context, t *Task) {
	if t.Operation == types.OperationUpload && t.UploadID != "" {
		if err := e.api.AbortUpload(ctx, t.UploadID); err != nil {
			log.Printf("transfer: abort upload %s failed: %v", t.UploadID, err)
		}
	}
	e.DiscardScratch(t.ID)
}

// ScratchDir 任务专属的下载缓存目录，按任务ID隔离
func (e *Engine) ScratchDir(taskID string) string {
	return filepath.Join(e.scratchRoot, taskID)
}

// DiscardScratch 删除任务的缓存目录
func (e *Engine) DiscardScratch(taskID string) {
	if err := os.RemoveAll(e.ScratchDir(taskID)); err != nil {
		log.Printf("transfer: remove scratch for %s failed: %v", taskID, err)
	}
}

func (e *Engine) partPath(scratch string, part int) string {
	return filepath.Join(scratch, fmt.Sprintf("part_%05d", part))
}

// pendingParts 尚未完成的分片序号，升序
func (e *Engine) pendingParts(t *Task) []int {
	parts := make([]int, 0, t.TotalParts)
	for p := 1; p <= t.TotalParts; p++ {
		if !t.Done[p] {
			parts = append(parts, p)
		}
	}
	return parts
}

// runParts 以受限并发执行分片操作，首个错误终止其余分片
func (e *Engine) runParts(ctx context.Context, parts []int, fn func(ctx context.Context, part int) error) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, e.partWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, part := range parts {
		if cctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(cctx, p); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}(part)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return NewError(KindCancelled, err)
	}
	return nil
}

// withRetry 按瞬时错误重试，指数退避。auth/integrity/cancel 不重试。
func (e *Engine) withRetry(ctx context.Context, desc string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt == e.maxAttempts {
			break
		}
		delay := e.backoffBase << (attempt - 1)
		log.Printf("transfer: %s failed (attempt %d/%d), retrying in %v: %v",
			desc, attempt, e.maxAttempts, delay, err)
		select {
		case <-ctx.Done():
			return NewError(KindCancelled, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}
