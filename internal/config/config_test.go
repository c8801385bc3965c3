package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	// 从默认位置加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载默认配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证默认值
	assert.Equal(t, []string{"localhost:2379"}, config.Etcd.Endpoints, "etcd端点应为默认值")
	assert.Equal(t, "http://localhost:15672/api", config.Rabbit.ManagementURL, "管理API地址应为默认值")
	assert.Equal(t, "/", config.Rabbit.Vhost, "虚拟主机应为默认值")
	assert.Equal(t, 5671, config.Rabbit.AMQPPort, "AMQP端口应为5671")
	assert.Equal(t, "queue/", config.App.QueuePrefix, "队列前缀应为默认值")
	assert.Equal(t, "exchange/", config.App.ExchangePrefix, "交换机前缀应为默认值")
	assert.Equal(t, time.Hour, config.App.RotationInterval, "轮换间隔应为1小时")
	assert.Equal(t, 24*time.Hour, config.App.DefaultClaimLifetime, "默认claim有效期应为24小时")
	assert.Equal(t, 5000, config.Monitor.AlertThreshold, "告警阈值应为默认值")
	assert.Equal(t, 20000, config.Monitor.DeleteThreshold, "删除阈值应为默认值")
	assert.Equal(t, 72*time.Hour, config.Monitor.ConnectionMaxLifetime, "连接最长存活时间应为72小时")
	assert.Equal(t, 10, config.Monitor.Concurrency, "巡检并发度应为默认值")
	assert.Equal(t, 5*time.Minute, config.Schedule.RotateInterval, "轮换调度间隔应为默认值")
	assert.Equal(t, 10*time.Minute, config.Schedule.MonitorInterval, "巡检调度间隔应为默认值")
	assert.Equal(t, 8080, config.API.Port, "管理API端口应为8080")
	assert.Equal(t, "info", config.Log.Level, "日志级别应为info")
}

func TestLoadConfigFromFile(t *testing.T) {
	content := `
rabbit:
  management_url: http://rabbit.internal:15672/api
  vhost: tenants
app:
  username_prefix: "amq-"
  rotation_interval: 30m
monitor:
  alert_threshold: 100
  delete_threshold: 200
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err, "无法加载配置文件")

	assert.Equal(t, "http://rabbit.internal:15672/api", config.Rabbit.ManagementURL)
	assert.Equal(t, "tenants", config.Rabbit.Vhost)
	assert.Equal(t, "amq-", config.App.UsernamePrefix)
	assert.Equal(t, 30*time.Minute, config.App.RotationInterval)
	assert.Equal(t, 100, config.Monitor.AlertThreshold)
	assert.Equal(t, 200, config.Monitor.DeleteThreshold)

	// 确认文件未覆盖的键仍为默认值
	assert.Equal(t, "queue/", config.App.QueuePrefix, "队列前缀不应被配置文件影响")
	assert.Equal(t, 10, config.Monitor.Concurrency, "巡检并发度不应被配置文件影响")
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	// 设置环境变量
	t.Setenv("RABBIT_KEEPER_RABBIT_USERNAME", "keeper")
	t.Setenv("RABBIT_KEEPER_MONITOR_CONCURRENCY", "3")

	// 加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证环境变量覆盖
	assert.Equal(t, "keeper", config.Rabbit.Username, "环境变量应正确覆盖管理API用户名")
	assert.Equal(t, 3, config.Monitor.Concurrency, "环境变量应正确覆盖巡检并发度")

	// 确认其他值不受影响
	assert.Equal(t, 8080, config.API.Port, "管理API端口不应被环境变量影响")
}

func TestLoadConfigWithMissingFile(t *testing.T) {
	// 尝试从不存在的文件加载配置
	config, err := LoadConfig("non_existent_file.yaml")

	// 应该返回错误
	assert.Error(t, err, "从不存在的文件加载配置应该失败")

	// 不应该返回配置对象
	assert.Nil(t, config, "加载不存在的配置文件应该返回nil配置")
}
