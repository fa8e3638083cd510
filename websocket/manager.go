// Package websocket 窗口间事件通道。
// 主窗口、悬浮窗、日志页都通过这里接收任务与设置变更，
// 传输逻辑不感知任何订阅者。
package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 事件类型
const (
	MsgTaskList        = "task_list"        // 任务列表快照
	MsgTaskUpdate      = "task_update"      // 单个任务状态/进度变化
	MsgSyncStatus      = "sync_status"      // idle | syncing | error
	MsgSettingsSync    = "settings_sync"    // 设置变更广播
	MsgRequestSettings = "request_settings" // 悬浮窗请求重发当前设置
	MsgScanResult      = "scan_result"      // 目录扫描结果
)

// Message 广播消息
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Manager 管理WebSocket连接和进程内订阅者。
// 订阅/退订与广播可并发进行；同一任务的更新按产生顺序投递。
type Manager struct {
	clientsMux sync.RWMutex
	clients    map[*websocket.Conn]bool

	subsMux sync.RWMutex
	subs    map[int]chan Message
	nextSub int

	// 收到 request_settings 时回调，由启动代码注册
	onRequestSettings func()
}

const subscriberBuffer = 256

func NewManager() *Manager {
	return &Manager{
		clients: make(map[*websocket.Conn]bool),
		subs:    make(map[int]chan Message),
	}
}

// OnRequestSettings 注册设置重发回调
func (m *Manager) OnRequestSettings(fn func()) {
	m.onRequestSettings = fn
}

// Subscribe 注册一个进程内订阅者，返回订阅ID和只读通道
func (m *Manager) Subscribe() (int, <-chan Message) {
	m.subsMux.Lock()
	defer m.subsMux.Unlock()
	m.nextSub++
	id := m.nextSub
	ch := make(chan Message, subscriberBuffer)
	m.subs[id] = ch
	return id, ch
}

// Unsubscribe 退订并关闭通道
func (m *Manager) Unsubscribe(id int) {
	m.subsMux.Lock()
	defer m.subsMux.Unlock()
	if ch, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(ch)
	}
}

// Broadcast 向所有窗口和订阅者投递一条消息
func (m *Manager) Broadcast(msgType string, data interface{}) {
	msg := Message{Type: msgType, Timestamp: time.Now(), Data: data}

	m.subsMux.RLock()
	for id, ch := range m.subs {
		select {
		case ch <- msg:
		default:
			// 订阅者长时间不消费时丢弃本条，保持后续消息的顺序
			log.Printf("websocket: subscriber %d buffer full, dropping %s", id, msgType)
		}
	}
	m.subsMux.RUnlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	m.clientsMux.RLock()
	var failed []*websocket.Conn
	for conn := range m.clients {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			failed = append(failed, conn)
		}
	}
	m.clientsMux.RUnlock()

	for _, conn := range failed {
		m.removeClient(conn)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 只服务本机UI窗口
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket gin处理器：升级连接并进入读循环
func (m *Manager) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket: upgrade failed: %v", err)
		return
	}

	m.clientsMux.Lock()
	m.clients[conn] = true
	m.clientsMux.Unlock()

	go m.readLoop(conn)
}

// readLoop 处理窗口发来的控制消息（目前只有 request_settings）
func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.removeClient(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == MsgRequestSettings && m.onRequestSettings != nil {
			m.onRequestSettings()
		}
	}
}

func (m *Manager) removeClient(conn *websocket.Conn) {
	m.clientsMux.Lock()
	if m.clients[conn] {
		delete(m.clients, conn)
		conn.Close()
	}
	m.clientsMux.Unlock()
}

// ClientCount 当前连接的窗口数
func (m *Manager) ClientCount() int {
	m.clientsMux.RLock()
	defer m.clientsMux.RUnlock()
	return len(m.clients)
}
