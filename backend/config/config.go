package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		// 多个地址走 cluster，一个地址走单机
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Collab struct {
		RingCap       int           `mapstructure:"ringCap"`
		SnapshotEvery uint64        `mapstructure:"snapshotEvery"`
		OpLogKeep     int64         `mapstructure:"opLogKeep"`
		SubmitTimeout time.Duration `mapstructure:"submitTimeout"`
		MaxSemaphore  int64         `mapstructure:"maxSemaphore"`
		EnableCORS    bool          `mapstructure:"enableCors"`
	} `mapstructure:"collab"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("auth.jwtSecret", "dev-secret")
	v.SetDefault("collab.ringCap", 1024)
	v.SetDefault("collab.snapshotEvery", 200)
	v.SetDefault("collab.opLogKeep", 5000)
	v.SetDefault("collab.submitTimeout", 200*time.Millisecond)
	v.SetDefault("collab.maxSemaphore", 100)
}

// Load 读取 collabConfig.yaml；环境变量优先，例如 KAFKA_TOPIC 覆盖 kafka.topic。
// 不传 paths 时兼容从项目根目录或 backend 目录启动。
func Load(paths ...string) (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
