package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EtcdConfig etcd客户端配置
type EtcdConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RabbitConfig RabbitMQ管理API及AMQP入口配置
type RabbitConfig struct {
	ManagementURL string `mapstructure:"management_url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	Vhost         string `mapstructure:"vhost"`
	AMQPHost      string `mapstructure:"amqp_host"`
	AMQPPort      int    `mapstructure:"amqp_port"`
}

// AppConfig 命名空间生命周期相关配置
type AppConfig struct {
	// NamespacePrefix 要求所有命名空间名称携带的前缀，空表示不要求
	NamespacePrefix string `mapstructure:"namespace_prefix"`
	// UsernamePrefix Broker用户名前缀
	UsernamePrefix string `mapstructure:"username_prefix"`
	// QueuePrefix 租户队列命名前缀
	QueuePrefix string `mapstructure:"queue_prefix"`
	// ExchangePrefix 租户交换机命名前缀
	ExchangePrefix string `mapstructure:"exchange_prefix"`
	// UserTags 创建Broker用户时附加的标签
	UserTags []string `mapstructure:"user_tags"`
	// RotationInterval 凭证轮换间隔
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	// DefaultClaimLifetime claim未指定过期时间时的默认有效期
	DefaultClaimLifetime time.Duration `mapstructure:"default_claim_lifetime"`
}

// MonitorConfig 巡检相关配置
type MonitorConfig struct {
	// AlertThreshold 队列消息数超过该值进入warning状态
	AlertThreshold int `mapstructure:"alert_threshold"`
	// DeleteThreshold 队列消息数超过该值进入danger状态并被删除
	DeleteThreshold int `mapstructure:"delete_threshold"`
	// ConnectionMaxLifetime 连接最长存活时间，超过即被终止
	ConnectionMaxLifetime time.Duration `mapstructure:"connection_max_lifetime"`
	// QueueStateRetention 队列状态记录的保留时长，超过即被回收
	QueueStateRetention time.Duration `mapstructure:"queue_state_retention"`
	// Concurrency 单轮巡检中并发Broker调用上限
	Concurrency int `mapstructure:"concurrency"`
}

// ScheduleConfig 后台任务调度间隔配置
type ScheduleConfig struct {
	RotateInterval  time.Duration `mapstructure:"rotate_interval"`
	ExpireInterval  time.Duration `mapstructure:"expire_interval"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// NotifyConfig 通知服务配置
type NotifyConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// APIConfig 管理API服务配置
type APIConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	Port          int    `mapstructure:"port"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config 应用程序配置结构
type Config struct {
	Etcd     EtcdConfig     `mapstructure:"etcd"`
	Rabbit   RabbitConfig   `mapstructure:"rabbit"`
	App      AppConfig      `mapstructure:"app"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	API      APIConfig      `mapstructure:"api"`
	Log      LogConfig      `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 设置配置文件名和路径
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/rabbit-keeper")
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 如果找不到配置文件，仅使用默认值和环境变量；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("RABBIT_KEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// etcd默认配置
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.request_timeout", "10s")

	// RabbitMQ默认配置
	v.SetDefault("rabbit.management_url", "http://localhost:15672/api")
	v.SetDefault("rabbit.username", "guest")
	v.SetDefault("rabbit.password", "guest")
	v.SetDefault("rabbit.vhost", "/")
	v.SetDefault("rabbit.amqp_host", "localhost")
	v.SetDefault("rabbit.amqp_port", 5671)

	// 生命周期默认配置
	v.SetDefault("app.namespace_prefix", "")
	v.SetDefault("app.username_prefix", "")
	v.SetDefault("app.queue_prefix", "queue/")
	v.SetDefault("app.exchange_prefix", "exchange/")
	v.SetDefault("app.user_tags", []string{"rabbit-keeper"})
	v.SetDefault("app.rotation_interval", "1h")
	v.SetDefault("app.default_claim_lifetime", "24h")

	// 巡检默认配置
	v.SetDefault("monitor.alert_threshold", 5000)
	v.SetDefault("monitor.delete_threshold", 20000)
	v.SetDefault("monitor.connection_max_lifetime", "72h")
	v.SetDefault("monitor.queue_state_retention", "24h")
	v.SetDefault("monitor.concurrency", 10)

	// 调度默认配置
	v.SetDefault("schedule.rotate_interval", "5m")
	v.SetDefault("schedule.expire_interval", "5m")
	v.SetDefault("schedule.monitor_interval", "10m")

	// 通知服务默认配置
	v.SetDefault("notify.base_url", "")
	v.SetDefault("notify.token", "")

	// 管理API默认配置
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}
