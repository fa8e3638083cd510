package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yunzuo/syncdesk/internal/config"
	"github.com/yunzuo/syncdesk/internal/transfer"
	"github.com/yunzuo/syncdesk/internal/types"
	"github.com/yunzuo/syncdesk/websocket"
)

// memStore 内存版持久化，记录调用
type memStore struct {
	mu      sync.Mutex
	saved   map[string][]int
	deleted []string
	logs    []string
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string][]int)}
}

func (s *memStore) SaveTaskState(task *types.SyncTask, doneParts []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[task.ID] = append([]int(nil), doneParts...)
	return nil
}

func (s *memStore) DeleteTaskState(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, taskID)
	return nil
}

func (s *memStore) CreateFileLog(filename, operation, status string, size int64,
	groupCode, folderType, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, operation+":"+status+":"+filename)
	return nil
}

// stubAPI 可控的远程接口：release 关闭前分片上传一直阻塞
type stubAPI struct {
	release chan struct{}
}

func (a *stubAPI) InitUpload(ctx context.Context, req transfer.InitUploadRequest) (*transfer.InitUploadResult, error) {
	return &transfer.InitUploadResult{
		UploadID:   "u-" + req.Filename,
		StorageKey: "sk-" + req.Filename,
		PartSize:   req.PartSize,
		TotalParts: transfer.TotalParts(req.Filesize, req.PartSize),
	}, nil
}

func (a *stubAPI) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return transfer.NewError(transfer.KindCancelled, ctx.Err())
		}
	}
	return nil
}

func (a *stubAPI) CompleteUpload(ctx context.Context, uploadID string) error { return nil }
func (a *stubAPI) AbortUpload(ctx context.Context, uploadID string) error    { return nil }

func (a *stubAPI) FetchMetadata(ctx context.Context, remotePath string) (*transfer.FileMetadata, error) {
	return &transfer.FileMetadata{}, nil
}

func (a *stubAPI) DownloadPart(ctx context.Context, remotePath string, offset, length int64) ([]byte, error) {
	return make([]byte, length), nil
}

func (a *stubAPI) ListNodes(ctx context.Context) ([]types.AccelerationNode, error) {
	return nil, nil
}

func (a *stubAPI) ListRemoteFiles(ctx context.Context, groupCode, folderType string) ([]types.RemoteFile, error) {
	return nil, nil
}

func testManager(t *testing.T, api transfer.API, budget int) (*Manager, *memStore) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "app.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	sc := cfg.Sync()
	sc.MaxConcurrentUploads = budget
	if err := cfg.UpdateSync(sc); err != nil {
		t.Fatal(err)
	}
	store := newMemStore()
	engine := transfer.NewEngine(api, filepath.Join(dir, "scratch"))
	return NewManager(cfg, engine, websocket.NewManager(), store), store
}

func uploadTask(t *testing.T, dir, name string, size int) types.SyncTask {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	return types.SyncTask{
		Filename:   name,
		LocalPath:  path,
		GroupCode:  "Q2025122001",
		FolderType: "works",
		Operation:  types.OperationUpload,
		Filesize:   int64(size),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func taskByID(m *Manager, id string) (types.SyncTask, bool) {
	for _, task := range m.Tasks() {
		if task.ID == id {
			return task, true
		}
	}
	return types.SyncTask{}, false
}

func TestEnqueueDeduplicates(t *testing.T) {
	m, _ := testManager(t, &stubAPI{}, 3)
	dir := t.TempDir()
	task := uploadTask(t, dir, "a.bin", 100)

	id1, err := m.Enqueue(task)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := m.Enqueue(task)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("duplicate enqueue created new task: %s vs %s", id1, id2)
	}

	// 不同操作不算重复
	down := task
	down.Operation = types.OperationDownload
	id3, err := m.Enqueue(down)
	if err != nil {
		t.Fatal(err)
	}
	if id3 == id1 {
		t.Error("download task deduplicated against upload task")
	}
	if len(m.Tasks()) != 2 {
		t.Errorf("task count = %d, want 2", len(m.Tasks()))
	}
}

func TestEnqueueComputesPartGeometry(t *testing.T) {
	m, store := testManager(t, &stubAPI{}, 3)
	dir := t.TempDir()

	id, err := m.Enqueue(uploadTask(t, dir, "a.bin", 25_000_000))
	if err != nil {
		t.Fatal(err)
	}
	task, ok := taskByID(m, id)
	if !ok {
		t.Fatal("task not found")
	}
	if task.PartSize != 10*1024*1024 {
		t.Errorf("PartSize = %d, want config default 10MB", task.PartSize)
	}
	if task.TotalParts != 3 {
		t.Errorf("TotalParts = %d, want 3", task.TotalParts)
	}
	if task.Status != types.StatusPending || task.CompletedParts != 0 {
		t.Errorf("initial task state = %+v", task)
	}

	store.mu.Lock()
	_, persisted := store.saved[id]
	store.mu.Unlock()
	if !persisted {
		t.Error("enqueued task was not persisted")
	}
}

func TestAdmitRespectsSharedBudget(t *testing.T) {
	api := &stubAPI{release: make(chan struct{})}
	m, _ := testManager(t, api, 2)
	dir := t.TempDir()

	var ids []string
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		id, err := m.Enqueue(uploadTask(t, dir, name, 100))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.admit(ctx)

	if got := m.ActiveCount(); got != 2 {
		t.Fatalf("ActiveCount = %d, want budget of 2", got)
	}
	third, _ := taskByID(m, ids[2])
	if third.Status != types.StatusPending {
		t.Errorf("third task status = %s, want pending while budget is full", third.Status)
	}

	// 放行后全部跑完，空出的额度给第三个任务
	close(api.release)
	waitFor(t, func() bool {
		for _, id := range ids[:2] {
			if task, _ := taskByID(m, id); task.Status != types.StatusSuccess {
				return false
			}
		}
		return true
	}, "first two tasks did not finish")

	m.admit(ctx)
	waitFor(t, func() bool {
		task, _ := taskByID(m, ids[2])
		return task.Status == types.StatusSuccess
	}, "third task did not finish after budget freed up")
}

func TestPauseResumeRoundTrip(t *testing.T) {
	m, store := testManager(t, &stubAPI{}, 3)
	dir := t.TempDir()

	id, err := m.Enqueue(uploadTask(t, dir, "a.bin", 25_000_000))
	if err != nil {
		t.Fatal(err)
	}

	// 模拟两个分片已确认
	obs := &taskObserver{m: m, id: id}
	obs.Initialized("u-1", "sk-1", 10*1024*1024, 3)
	obs.PartCompleted(1, 10*1024*1024)
	obs.PartCompleted(3, 5*1024*1024)

	if err := m.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	task, _ := taskByID(m, id)
	if task.Status != types.StatusPaused {
		t.Fatalf("status = %s, want paused", task.Status)
	}
	if task.CompletedParts != 2 || task.TotalParts != 3 {
		t.Errorf("pause lost progress: completed=%d total=%d", task.CompletedParts, task.TotalParts)
	}

	if err := m.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	task, _ = taskByID(m, id)
	if task.Status != types.StatusPending {
		t.Errorf("status after resume = %s, want pending", task.Status)
	}
	if task.CompletedParts != 2 {
		t.Errorf("resume lost completed parts: %d", task.CompletedParts)
	}
	if task.UploadID != "u-1" {
		t.Errorf("resume lost upload session: %q", task.UploadID)
	}

	store.mu.Lock()
	done := store.saved[id]
	store.mu.Unlock()
	if len(done) != 2 || done[0] != 1 || done[1] != 3 {
		t.Errorf("persisted done parts = %v, want [1 3]", done)
	}
}

func TestIllegalTransitions(t *testing.T) {
	m, _ := testManager(t, &stubAPI{}, 3)
	dir := t.TempDir()

	id, err := m.Enqueue(uploadTask(t, dir, "a.bin", 100))
	if err != nil {
		t.Fatal(err)
	}

	// pending 状态不能 resume，也不能 remove
	if err := m.Resume(id); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Resume(pending) = %v, want ErrIllegalTransition", err)
	}
	if err := m.Remove(id); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Remove(pending) = %v, want ErrIllegalTransition", err)
	}

	if err := m.Pause("no-such-task"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Pause(missing) = %v, want ErrTaskNotFound", err)
	}
}

func TestCancelPendingTask(t *testing.T) {
	m, store := testManager(t, &stubAPI{}, 3)
	dir := t.TempDir()

	id, err := m.Enqueue(uploadTask(t, dir, "a.bin", 100))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	task, _ := taskByID(m, id)
	if task.Status != types.StatusCancelled {
		t.Errorf("status = %s, want cancelled", task.Status)
	}
	// 终态任务不能再取消
	if err := m.Cancel(id); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Cancel(cancelled) = %v, want ErrIllegalTransition", err)
	}

	store.mu.Lock()
	deleted := len(store.deleted)
	logged := len(store.logs)
	store.mu.Unlock()
	if deleted != 1 {
		t.Errorf("task state deletions = %d, want 1", deleted)
	}
	// 取消不算失败，不写文件日志
	if logged != 0 {
		t.Errorf("file logs = %d, want 0 for cancel", logged)
	}
}

func TestRemoveTerminalTask(t *testing.T) {
	m, _ := testManager(t, &stubAPI{}, 3)
	dir := t.TempDir()

	id, err := m.Enqueue(uploadTask(t, dir, "a.bin", 100))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(id); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := taskByID(m, id); ok {
		t.Error("task still listed after remove")
	}
	if err := m.Remove(id); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Remove(removed) = %v, want ErrTaskNotFound", err)
	}
}

func TestRestorePopulatesDoneParts(t *testing.T) {
	m, _ := testManager(t, &stubAPI{}, 3)

	load := func() ([]types.SyncTask, map[string][]int, error) {
		return []types.SyncTask{{
				ID:         "restored-1",
				Filename:   "a.bin",
				Operation:  types.OperationUpload,
				Filesize:   25_000_000,
				PartSize:   10 * 1024 * 1024,
				TotalParts: 3,
				Status:     types.StatusPending,
				UploadID:   "u-old",
			}}, map[string][]int{
				"restored-1": {1, 2},
			}, nil
	}
	if err := m.Restore(load); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	task, ok := taskByID(m, "restored-1")
	if !ok {
		t.Fatal("restored task not listed")
	}
	if task.CompletedParts != 2 || task.TotalParts != 3 {
		t.Errorf("restored progress: completed=%d total=%d", task.CompletedParts, task.TotalParts)
	}
	if task.Progress < 66 || task.Progress > 67 {
		t.Errorf("restored Progress = %f, want ~66.67 for 2/3 parts", task.Progress)
	}
	if task.UploadID != "u-old" {
		t.Errorf("restored UploadID = %q", task.UploadID)
	}
}

// laggardAPI 第一次分片上传无视取消、阻塞到 gate 关闭，之后的调用立即成功。
// 用来制造一个在暂停恢复之后才返回的陈旧运行。
type laggardAPI struct {
	stubAPI
	mu     sync.Mutex
	calls  int
	aborts int
	gate   chan struct{}
}

func (a *laggardAPI) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	a.mu.Lock()
	a.calls++
	first := a.calls == 1
	a.mu.Unlock()
	if first {
		<-a.gate
		return transfer.NewError(transfer.KindCancelled, context.Canceled)
	}
	return nil
}

func (a *laggardAPI) AbortUpload(ctx context.Context, uploadID string) error {
	a.mu.Lock()
	a.aborts++
	a.mu.Unlock()
	return nil
}

func (a *laggardAPI) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestStaleRunCompletionIsIgnoredAfterResume(t *testing.T) {
	api := &laggardAPI{gate: make(chan struct{})}
	m, store := testManager(t, api, 1)
	dir := t.TempDir()

	id, err := m.Enqueue(uploadTask(t, dir, "a.bin", 100))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.admit(ctx)
	waitFor(t, func() bool { return api.callCount() >= 1 }, "first run never reached the remote")

	// 第一次运行的分片调用还挂着，此时暂停再恢复并重新准入
	if err := m.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := m.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	m.admit(ctx)
	waitFor(t, func() bool {
		task, _ := taskByID(m, id)
		return task.Status == types.StatusSuccess
	}, "second run did not finish")

	// 第一次运行此刻才返回，它的取消结果必须被丢弃
	close(api.gate)
	time.Sleep(100 * time.Millisecond)

	task, _ := taskByID(m, id)
	if task.Status != types.StatusSuccess {
		t.Fatalf("status = %s, stale run clobbered the resumed task", task.Status)
	}
	api.mu.Lock()
	aborts := api.aborts
	api.mu.Unlock()
	if aborts != 0 {
		t.Errorf("AbortUpload calls = %d, stale run discarded the live session", aborts)
	}
	store.mu.Lock()
	deleted := len(store.deleted)
	store.mu.Unlock()
	if deleted != 1 {
		t.Errorf("task state deletions = %d, want only the success cleanup", deleted)
	}
}

func TestTaskUpdatesDeliveredInOrder(t *testing.T) {
	m, _ := testManager(t, &stubAPI{}, 3)
	dir := t.TempDir()

	id, err := m.Enqueue(uploadTask(t, dir, "a.bin", 100))
	if err != nil {
		t.Fatal(err)
	}
	obs := &taskObserver{m: m, id: id}
	obs.Initialized("u-1", "sk-1", 1, 40)

	sub, ch := m.bridge.Subscribe()
	defer m.bridge.Unsubscribe(sub)

	// 两个并发回报方，各确认一半分片
	var wg sync.WaitGroup
	for _, parts := range [][2]int{{1, 20}, {21, 40}} {
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for p := lo; p <= hi; p++ {
				obs.PartCompleted(p, 1)
			}
		}(parts[0], parts[1])
	}
	wg.Wait()

	last := -1
	for i := 0; i < 40; i++ {
		select {
		case msg := <-ch:
			task, ok := msg.Data.(types.SyncTask)
			if !ok {
				t.Fatalf("unexpected message payload %T", msg.Data)
			}
			if task.CompletedParts < last {
				t.Fatalf("completedParts went backwards in the stream: %d -> %d", last, task.CompletedParts)
			}
			last = task.CompletedParts
		case <-time.After(time.Second):
			t.Fatalf("only %d of 40 updates delivered", i)
		}
	}
	if last != 40 {
		t.Errorf("final update completedParts = %d, want 40", last)
	}
}

func TestProgressIsMonotone(t *testing.T) {
	m, _ := testManager(t, &stubAPI{}, 3)
	dir := t.TempDir()

	id, err := m.Enqueue(uploadTask(t, dir, "a.bin", 25_000_000))
	if err != nil {
		t.Fatal(err)
	}
	obs := &taskObserver{m: m, id: id}
	obs.Initialized("u-1", "sk-1", 10*1024*1024, 3)

	var last float64
	for _, part := range []int{2, 2, 1, 3} { // 重复确认不能回退
		obs.PartCompleted(part, 1)
		task, _ := taskByID(m, id)
		if task.Progress < last {
			t.Fatalf("progress went backwards: %f -> %f", last, task.Progress)
		}
		last = task.Progress
	}
	task, _ := taskByID(m, id)
	if task.CompletedParts != 3 || task.Progress != 100 {
		t.Errorf("final progress: completed=%d progress=%f", task.CompletedParts, task.Progress)
	}
}
