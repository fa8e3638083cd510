package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yunzuo/syncdesk/internal/config"
	"github.com/yunzuo/syncdesk/internal/database"
	"github.com/yunzuo/syncdesk/internal/pidfile"
	"github.com/yunzuo/syncdesk/internal/router"
	"github.com/yunzuo/syncdesk/internal/scheduler"
	"github.com/yunzuo/syncdesk/internal/session"
	"github.com/yunzuo/syncdesk/internal/syncer"
	"github.com/yunzuo/syncdesk/internal/transfer"
	"github.com/yunzuo/syncdesk/websocket"
)

// 构建时通过 -ldflags 注入
var Version = "dev"

var (
	ip                 = flag.String("ip", "127.0.0.1", "ip the local api should listen on")
	port               = flag.Int("port", 0, "port the local api should listen on (0 = use config value)")
	configPath         = flag.String("config", "app.yaml", "path to the app config file")
	serverURL          = flag.String("server", "", "remote api base url (overrides config)")
	scratchDir         = flag.String("scratch", "", "directory for partially downloaded files")
	verbose            = flag.Bool("verbose", true, "show verbose output")
	logPath            = flag.String("logfile", "", "send log output to a file")
	pidPath            = flag.String("pidfile", "", "create PID file at the given path")
	justDisplayVersion = flag.Bool("version", false, "display version and quit")
)

func main() {
	flag.Parse()

	if *justDisplayVersion {
		fmt.Println("syncdesk version " + Version)
		os.Exit(0)
	}

	log.SetPrefix("[SyncDesk] ")
	log.SetFlags(log.Ldate | log.Ltime)

	if *logPath != "" {
		file, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			log.Fatalf("error opening log file %q: %v", *logPath, err)
		}
		log.SetOutput(file)
	} else if !*verbose {
		log.SetOutput(io.Discard)
	}

	log.Println("version " + Version + " starting")

	// 防止同一台机器起两个实例
	if *pidPath != "" {
		pidFile, err := pidfile.New(*pidPath)
		if err != nil {
			log.Fatalf("error creating pidfile: %v", err)
		}
		defer func() {
			if nerr := pidFile.Remove(); nerr != nil {
				log.Print(nerr)
			}
		}()
	}

	// 加载配置，不存在时写出默认配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	appCfg := cfg.App()

	remote := appCfg.ServerURL
	if *serverURL != "" {
		remote = *serverURL
	}
	if remote == "" {
		log.Fatalf("remote server url not configured (set server_url in %s or use -server)", *configPath)
	}

	finalPort := appCfg.Port
	if *port != 0 {
		finalPort = *port
	}

	// 初始化数据库并启动日志清理
	if err := database.InitDatabase(&appCfg.Database); err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer database.CloseDB()
	database.ScheduleLogCleanup(appCfg.Database.LogRetentionDays)

	scratch := *scratchDir
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "syncdesk-parts")
	}

	sess := session.NewStore()
	client := transfer.NewClient(remote, cfg.Sync, sess)
	engine := transfer.NewEngine(client, scratch)
	bridge := websocket.NewManager()
	logSvc := database.NewLogService()

	sched := scheduler.NewManager(cfg, engine, bridge, logSvc)
	if err := sched.Restore(logSvc.LoadResumableTasks); err != nil {
		log.Printf("failed to restore tasks: %v", err)
	}

	autoSync := syncer.NewSyncer(cfg, client, sched, bridge)

	// 悬浮窗上线后主动要设置
	bridge.OnRequestSettings(func() {
		bridge.Broadcast(websocket.MsgSettingsSync, cfg.Sync())
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	autoSync.Start(ctx)
	watchConfig(ctx, cfg, bridge)

	r := router.New(cfg, sched, autoSync, client, sess, bridge)
	svr := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", *ip, finalPort),
		Handler: r.InitRouter(),
	}

	go func() {
		log.Printf("serving local api on http://%s", svr.Addr)
		if err := svr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svr.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	// 等在跑任务收尾（断点状态已随分片确认落盘）
	sched.Wait()
	log.Println("stopped")
}

// watchConfig 监听配置文件变更，热加载并广播给所有窗口。
// 编辑器保存往往触发多个事件，用短延迟去抖。
func watchConfig(ctx context.Context, cfg *config.Store, bridge *websocket.Manager) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("config watcher unavailable: %v", err)
		return
	}
	if err := watcher.Add(cfg.Path()); err != nil {
		log.Printf("cannot watch config file: %v", err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		reload := func() {
			if err := cfg.Reload(); err != nil {
				log.Printf("config reload failed: %v", err)
				return
			}
			log.Println("config reloaded")
			bridge.Broadcast(websocket.MsgSettingsSync, cfg.Sync())
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// 原子保存是 rename，重新挂 watch
				if event.Op&fsnotify.Rename != 0 {
					_ = watcher.Add(cfg.Path())
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watcher error: %v", err)
			}
		}
	}()
}
