// Package scheduler 任务调度：准入控制、全局并发上限、状态机与断点恢复。
// 任务集合是唯一的共享可变状态，所有变更都在 Manager.mu 内完成；
// 任务更新的广播也在锁内发出，保证同一任务的事件按产生顺序投递。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/yunzuo/syncdesk/internal/config"
	"github.com/yunzuo/syncdesk/internal/transfer"
	"github.com/yunzuo/syncdesk/internal/types"
	"github.com/yunzuo/syncdesk/websocket"
)

// ErrIllegalTransition 非法状态转换（如恢复一个已成功的任务）
var ErrIllegalTransition = errors.New("illegal task state transition")

// ErrTaskNotFound 任务不存在
var ErrTaskNotFound = errors.New("task not found")

// Store 断点状态与终态日志的持久化接口，由 database 包实现
type Store interface {
	SaveTaskState(task *types.SyncTask, doneParts []int) error
	DeleteTaskState(taskID string) error
	CreateFileLog(filename, operation, status string, size int64,
		groupCode, folderType, errorMessage string) error
}

// runState 活动任务的运行句柄。暂停后恢复会创建新的 runState，
// 旧运行的收尾以指针比较识别并丢弃。
type runState struct {
	cancel context.CancelFunc
	pause  bool // 置位表示这次中断是暂停而不是取消
}

type taskState struct {
	task  types.SyncTask
	done  map[int]bool
	run   *runState
	speed speedWindow
}

// Manager 拥有任务集合并驱动执行
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*taskState
	order []string // FIFO 准入顺序
	seq   int

	cfg    *config.Store
	engine *transfer.Engine
	bridge *websocket.Manager
	store  Store

	kick chan struct{}
	wg   sync.WaitGroup
}

func NewManager(cfg *config.Store, engine *transfer.Engine, bridge *websocket.Manager, store Store) *Manager {
	return &Manager{
		tasks:  make(map[string]*taskState),
		cfg:    cfg,
		engine: engine,
		bridge: bridge,
		store:  store,
		kick:   make(chan struct{}, 1),
	}
}

// Restore 从持久化状态恢复上次退出时未完成的任务。
// 恢复的任务回到 pending，completed parts 保持不变，只重传缺失分片。
func (m *Manager) Restore(load func() ([]types.SyncTask, map[string][]int, error)) error {
	tasks, doneParts, err := load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range tasks {
		done := make(map[int]bool, len(doneParts[task.ID]))
		for _, p := range doneParts[task.ID] {
			done[p] = true
		}
		task.CompletedParts = len(done)
		if task.TotalParts > 0 {
			task.Progress = 100 * float64(task.CompletedParts) / float64(task.TotalParts)
		}
		m.tasks[task.ID] = &taskState{task: task, done: done}
		m.order = append(m.order, task.ID)
	}
	if len(tasks) > 0 {
		log.Printf("scheduler: restored %d resumable tasks", len(tasks))
	}
	return nil
}

// Start 启动准入循环和进度广播循环，ctx 取消后停止接收新任务并等待在跑任务退出
func (m *Manager) Start(ctx context.Context) {
	go m.dispatchLoop(ctx)
	go m.publishLoop(ctx)
}

// Wait 等待所有在跑任务退出
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Enqueue 将任务加入队列。同一 (本地路径, 操作) 已有未结束任务时
// 不重复入队，返回已存在任务的ID。
func (m *Manager) Enqueue(task types.SyncTask) (string, error) {
	m.mu.Lock()

	for _, id := range m.order {
		st := m.tasks[id]
		if st.task.LocalPath == task.LocalPath &&
			st.task.Operation == task.Operation &&
			!types.IsTerminal(st.task.Status) {
			m.mu.Unlock()
			return id, nil
		}
	}

	if task.ID == "" {
		m.seq++
		task.ID = fmt.Sprintf("%d-%04d", time.Now().UnixMilli(), m.seq)
	}
	if task.PartSize <= 0 {
		task.PartSize = m.cfg.Sync().PartSize()
	}
	if task.TotalParts == 0 && task.Filesize > 0 {
		task.TotalParts = transfer.TotalParts(task.Filesize, task.PartSize)
	}
	task.Status = types.StatusPending
	task.CompletedParts = 0
	task.Progress = 0
	now := time.Now().UnixMilli()
	task.CreatedAt = now
	task.UpdatedAt = now

	st := &taskState{task: task, done: make(map[int]bool)}
	m.tasks[task.ID] = st
	m.order = append(m.order, task.ID)
	m.persistLocked(st)
	m.bridge.Broadcast(websocket.MsgTaskUpdate, st.task)
	m.mu.Unlock()

	m.kickDispatch()
	return task.ID, nil
}

// Pause 暂停任务。活动任务的在跑分片会被中断，已确认分片不受影响。
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	switch {
	case st.task.Status == types.StatusPending:
		st.task.Status = types.StatusPaused
	case types.IsActive(st.task.Status):
		st.task.Status = types.StatusPaused
		if st.run != nil {
			st.run.pause = true
			st.run.cancel()
		}
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrIllegalTransition, st.task.Status)
	}
	st.task.Speed = 0
	st.speed.reset()
	st.task.UpdatedAt = time.Now().UnixMilli()
	m.persistLocked(st)
	m.bridge.Broadcast(websocket.MsgTaskUpdate, st.task)
	m.mu.Unlock()
	return nil
}

// Resume 恢复暂停的任务：回到队尾按 pending 重新竞争并发额度，
// 不会立即开始执行。被暂停打断的旧运行从此作废，其收尾被忽略。
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if st.task.Status != types.StatusPaused {
		m.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrIllegalTransition, st.task.Status)
	}
	st.task.Status = types.StatusPending
	st.run = nil
	st.task.UpdatedAt = time.Now().UnixMilli()
	m.requeueLocked(id)
	m.persistLocked(st)
	m.bridge.Broadcast(websocket.MsgTaskUpdate, st.task)
	m.mu.Unlock()

	m.kickDispatch()
	return nil
}

// Cancel 取消任务并丢弃部分产物（远端未提交的上传、本地碎片）。终态任务不可取消。
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if types.IsTerminal(st.task.Status) {
		m.mu.Unlock()
		return fmt.Errorf("%w: cancel from %s", ErrIllegalTransition, st.task.Status)
	}

	if types.IsActive(st.task.Status) && st.run != nil {
		// 在跑任务：中断后由 runTask 收尾
		st.run.pause = false
		st.run.cancel()
		m.mu.Unlock()
		return nil
	}

	st.task.Status = types.StatusCancelled
	st.run = nil
	st.task.Speed = 0
	st.task.UpdatedAt = time.Now().UnixMilli()
	tt := m.transferTaskLocked(st)
	m.bridge.Broadcast(websocket.MsgTaskUpdate, st.task)
	m.mu.Unlock()

	m.engine.Discard(context.Background(), &tt)
	if err := m.store.DeleteTaskState(id); err != nil {
		log.Printf("scheduler: delete task state %s: %v", id, err)
	}
	return nil
}

// Remove 从可见任务列表删除，只允许终态或暂停的任务；文件日志不受影响
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if !types.IsTerminal(st.task.Status) && st.task.Status != types.StatusPaused {
		m.mu.Unlock()
		return fmt.Errorf("%w: remove from %s", ErrIllegalTransition, st.task.Status)
	}
	needDiscard := st.task.Status == types.StatusPaused
	tt := m.transferTaskLocked(st)
	delete(m.tasks, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if needDiscard {
		m.engine.Discard(context.Background(), &tt)
	}
	if err := m.store.DeleteTaskState(id); err != nil {
		log.Printf("scheduler: delete task state %s: %v", id, err)
	}
	m.broadcastTaskList()
	return nil
}

// Tasks 返回任务快照，按入队顺序
func (m *Manager) Tasks() []types.SyncTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]types.SyncTask, 0, len(m.order))
	for _, id := range m.order {
		st := m.tasks[id]
		task := st.task
		if types.IsActive(task.Status) {
			task.Speed = st.speed.rate(now)
		}
		out = append(out, task)
	}
	return out
}

// ActiveCount 当前处于活动状态的任务数
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked()
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, st := range m.tasks {
		if types.IsActive(st.task.Status) {
			n++
		}
	}
	return n
}

func (m *Manager) kickDispatch() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
		case <-ticker.C:
		}
		m.admit(ctx)
	}
}

// admit 准入：在并发上限内按FIFO提升 pending 任务。
// 上限每个周期都从配置重新读取，上传下载共用同一预算。
func (m *Manager) admit(ctx context.Context) {
	budget := m.cfg.Sync().MaxConcurrentUploads
	if budget <= 0 {
		budget = 3
	}

	for {
		m.mu.Lock()
		if m.activeCountLocked() >= budget {
			m.mu.Unlock()
			return
		}
		var st *taskState
		for _, id := range m.order {
			if m.tasks[id].task.Status == types.StatusPending {
				st = m.tasks[id]
				break
			}
		}
		if st == nil {
			m.mu.Unlock()
			return
		}

		if st.task.Operation == types.OperationDownload {
			if err := m.checkDiskSpace(st.task.Filesize); err != nil {
				st.task.Status = types.StatusFailed
				st.task.Error = err.Error()
				st.task.UpdatedAt = time.Now().UnixMilli()
				m.persistLocked(st)
				m.bridge.Broadcast(websocket.MsgTaskUpdate, st.task)
				snapshot := st.task
				m.mu.Unlock()
				m.writeFileLog(snapshot)
				continue
			}
		}

		if st.task.Operation == types.OperationUpload {
			st.task.Status = types.StatusUploading
		} else {
			st.task.Status = types.StatusDownloading
		}
		st.task.UpdatedAt = time.Now().UnixMilli()
		st.speed.reset()
		rctx, cancel := context.WithCancel(ctx)
		run := &runState{cancel: cancel}
		st.run = run
		id := st.task.ID
		m.persistLocked(st)
		m.bridge.Broadcast(websocket.MsgTaskUpdate, st.task)
		m.mu.Unlock()

		m.wg.Add(1)
		go m.runTask(rctx, id, run)
	}
}

// checkDiskSpace 下载前确认同步目录所在盘有足够剩余空间
func (m *Manager) checkDiskSpace(need int64) error {
	root := m.cfg.Sync().RootDir
	if root == "" || need <= 0 {
		return nil
	}
	usage, err := disk.Usage(root)
	if err != nil {
		// 查询失败不阻塞下载
		return nil
	}
	if usage.Free < uint64(need) {
		return fmt.Errorf("磁盘剩余空间不足: 需要 %d 字节，剩余 %d 字节", need, usage.Free)
	}
	return nil
}

func (m *Manager) runTask(ctx context.Context, id string, run *runState) {
	defer m.wg.Done()

	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok || st.run != run {
		m.mu.Unlock()
		return
	}
	tt := m.transferTaskLocked(st)
	m.mu.Unlock()

	err := m.engine.Run(ctx, &tt, &taskObserver{m: m, id: id})
	m.finishTask(id, run, &tt, err)
	m.kickDispatch()
}

// finishTask 任务收尾：根据错误分类落终态，暂停则回到 paused。
// 只接受当前运行的收尾；暂停后恢复的任务会换新 runState，
// 被取代的旧运行迟到的返回在这里被丢弃。
func (m *Manager) finishTask(id string, run *runState, tt *transfer.Task, err error) {
	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok || st.run != run {
		m.mu.Unlock()
		return
	}
	paused := run.pause
	st.run = nil
	st.task.Speed = 0
	st.speed.reset()
	st.task.UpdatedAt = time.Now().UnixMilli()

	var terminal bool
	var discard bool
	var deleteState bool

	switch {
	case err == nil:
		st.task.Status = types.StatusSuccess
		st.task.CompletedParts = st.task.TotalParts
		st.task.Progress = 100
		st.task.Error = ""
		terminal = true
		deleteState = true
	case transfer.KindOf(err) == transfer.KindCancelled && paused:
		// 暂停：冻结进度，等待恢复
		st.task.Status = types.StatusPaused
		m.persistLocked(st)
	case transfer.KindOf(err) == transfer.KindCancelled:
		st.task.Status = types.StatusCancelled
		terminal = true
		discard = true
		deleteState = true
	default:
		st.task.Status = types.StatusFailed
		st.task.Error = err.Error()
		if transfer.KindOf(err) == transfer.KindIntegrity {
			// 校验失败的半成品不保留
			discard = true
		}
		terminal = true
		m.persistLocked(st)
	}
	m.bridge.Broadcast(websocket.MsgTaskUpdate, st.task)
	snapshot := st.task
	m.mu.Unlock()

	if discard {
		m.engine.Discard(context.Background(), tt)
	}
	if deleteState {
		if derr := m.store.DeleteTaskState(id); derr != nil {
			log.Printf("scheduler: delete task state %s: %v", id, derr)
		}
	}
	if terminal && snapshot.Status != types.StatusCancelled {
		m.writeFileLog(snapshot)
	}
	if terminal {
		log.Printf("scheduler: task %s (%s %s) -> %s", id, snapshot.Operation, snapshot.Filename, snapshot.Status)
	}
}

// writeFileLog 写入一条不可变的终态日志（取消不算失败，不记录）
func (m *Manager) writeFileLog(task types.SyncTask) {
	err := m.store.CreateFileLog(task.Filename, task.Operation, task.Status,
		task.Filesize, task.GroupCode, task.FolderType, task.Error)
	if err != nil {
		log.Printf("scheduler: write file log for %s: %v", task.ID, err)
	}
}

// publishLoop 定期广播活动任务的进度与速度
func (m *Manager) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		now := time.Now()
		for _, id := range m.order {
			st := m.tasks[id]
			if types.IsActive(st.task.Status) {
				task := st.task
				task.Speed = st.speed.rate(now)
				m.bridge.Broadcast(websocket.MsgTaskUpdate, task)
			}
		}
		m.mu.Unlock()
	}
}

func (m *Manager) broadcastTaskList() {
	m.bridge.Broadcast(websocket.MsgTaskList, m.Tasks())
}

// requeueLocked 将任务移到FIFO队尾
func (m *Manager) requeueLocked(id string) {
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			m.order = append(m.order, id)
			return
		}
	}
}

// transferTaskLocked 构造引擎任务副本（含已完成分片集合的拷贝）
func (m *Manager) transferTaskLocked(st *taskState) transfer.Task {
	done := make(map[int]bool, len(st.done))
	for p := range st.done {
		done[p] = true
	}
	return transfer.Task{
		ID:         st.task.ID,
		Filename:   st.task.Filename,
		LocalPath:  st.task.LocalPath,
		RemotePath: st.task.RemotePath,
		GroupCode:  st.task.GroupCode,
		FolderType: st.task.FolderType,
		Operation:  st.task.Operation,
		Filesize:   st.task.Filesize,
		PartSize:   st.task.PartSize,
		TotalParts: st.task.TotalParts,
		UploadID:   st.task.UploadID,
		StorageKey: st.task.StorageKey,
		Done:       done,
	}
}

func (m *Manager) persistLocked(st *taskState) {
	done := make([]int, 0, len(st.done))
	for p := range st.done {
		done = append(done, p)
	}
	sort.Ints(done)
	if err := m.store.SaveTaskState(&st.task, done); err != nil {
		log.Printf("scheduler: persist task %s: %v", st.task.ID, err)
	}
}

// taskObserver 把引擎回报的进度并入任务集合，所有变更经 Manager.mu。
// 终态任务不再接受回报（被取代的运行可能迟到）。
type taskObserver struct {
	m  *Manager
	id string
}

// Initialized 上传会话建立或分片几何确定后同步回任务
func (o *taskObserver) Initialized(uploadID, storageKey string, partSize int64, totalParts int) {
	o.m.mu.Lock()
	st, ok := o.m.tasks[o.id]
	if !ok || types.IsTerminal(st.task.Status) {
		o.m.mu.Unlock()
		return
	}
	if uploadID != "" {
		st.task.UploadID = uploadID
		st.task.StorageKey = storageKey
	}
	if partSize > 0 {
		st.task.PartSize = partSize
	}
	if totalParts > 0 {
		st.task.TotalParts = totalParts
	}
	st.task.UpdatedAt = time.Now().UnixMilli()
	o.m.persistLocked(st)
	o.m.mu.Unlock()
}

// PartCompleted 分片持久化完成：计数、进度、落盘、锁内广播
func (o *taskObserver) PartCompleted(partNumber int, size int64) {
	o.m.mu.Lock()
	st, ok := o.m.tasks[o.id]
	if !ok || types.IsTerminal(st.task.Status) {
		o.m.mu.Unlock()
		return
	}
	if !st.done[partNumber] {
		st.done[partNumber] = true
		st.task.CompletedParts = len(st.done)
		if st.task.TotalParts > 0 {
			st.task.Progress = 100 * float64(st.task.CompletedParts) / float64(st.task.TotalParts)
		}
	}
	st.task.UpdatedAt = time.Now().UnixMilli()
	o.m.persistLocked(st)
	o.m.bridge.Broadcast(websocket.MsgTaskUpdate, st.task)
	o.m.mu.Unlock()
}

func (o *taskObserver) BytesTransferred(n int64) {
	o.m.mu.Lock()
	if st, ok := o.m.tasks[o.id]; ok && !types.IsTerminal(st.task.Status) {
		st.speed.add(n, time.Now())
	}
	o.m.mu.Unlock()
}
