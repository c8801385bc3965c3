package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/rabbit-keeper/internal/api"
	"github.com/hewenyu/rabbit-keeper/internal/config"
	"github.com/hewenyu/rabbit-keeper/internal/maintenance"
	"github.com/hewenyu/rabbit-keeper/internal/monitor"
	"github.com/hewenyu/rabbit-keeper/internal/notify"
	"github.com/hewenyu/rabbit-keeper/internal/rabbit"
	"github.com/hewenyu/rabbit-keeper/internal/store/etcd"
	namespacestore "github.com/hewenyu/rabbit-keeper/internal/store/namespace"
	queuestatestore "github.com/hewenyu/rabbit-keeper/internal/store/queuestate"
)

var configFile string

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	logger.Info("rabbit-keeper启动",
		zap.String("etcd_endpoints", fmt.Sprintf("%v", cfg.Etcd.Endpoints)),
		zap.String("rabbit_management_url", cfg.Rabbit.ManagementURL),
		zap.String("vhost", cfg.Rabbit.Vhost),
		zap.Int("api_port", cfg.API.Port),
	)

	// 初始化etcd客户端
	etcdClient, err := etcd.NewClient(&cfg.Etcd)
	if err != nil {
		logger.Error("连接etcd失败", zap.Error(err))
		os.Exit(1)
	}
	defer etcdClient.Close()

	// 初始化存储、Broker客户端和通知客户端
	namespaces := namespacestore.NewEtcdStore(etcdClient)
	queueStates := queuestatestore.NewEtcdStore(etcdClient)
	broker := rabbit.NewClient(cfg.Rabbit.ManagementURL, cfg.Rabbit.Username, cfg.Rabbit.Password)
	notifier := notify.NewHTTPNotifier(cfg.Notify.BaseURL, cfg.Notify.Token)

	// 初始化生命周期管理器和巡检器
	manager := maintenance.NewManager(namespaces, broker, cfg, logger)
	sweeper := monitor.NewSweeper(namespaces, queueStates, broker, notifier, cfg, logger)

	// 启动管理API服务
	server := api.NewServer(api.NewHandler(manager, namespaces, broker, cfg), cfg, logger)
	if err := server.Start(); err != nil {
		logger.Error("启动管理API服务失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// 后台任务：轮换、过期清理、巡检各自按配置的间隔运行
	go runEvery(ctx, cfg.Schedule.RotateInterval, func(now time.Time) {
		count, err := manager.Rotate(ctx, now)
		if err != nil {
			logger.Error("凭证轮换出现失败", zap.Int("rotated", count), zap.Error(err))
			return
		}
		if count > 0 {
			logger.Info("凭证轮换完成", zap.Int("rotated", count))
		}
	})

	go runEvery(ctx, cfg.Schedule.ExpireInterval, func(now time.Time) {
		count, err := manager.Expire(ctx, now)
		if err != nil {
			logger.Error("过期清理出现失败", zap.Int("expired", count), zap.Error(err))
			return
		}
		if count > 0 {
			logger.Info("过期清理完成", zap.Int("expired", count))
		}
	})

	go runEvery(ctx, cfg.Schedule.MonitorInterval, func(now time.Time) {
		if err := sweeper.Sweep(ctx, now); err != nil {
			logger.Error("巡检出现失败", zap.Error(err))
		}
	})

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭管理API服务失败", zap.Error(err))
	}
}

// runEvery 按固定间隔运行fn直到ctx被取消。
// 每一轮都是有界的一次性任务；一轮失败不影响下一轮。
func runEvery(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}
