// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// UploadConfig 存储分片上传会话的配置。
// 字节数量类字段在 YAML 中使用人类可读写法（如 "10MB"、"5GB"），
// 由 go-units 解析后填充到对应的 *Bytes 字段。
type UploadConfig struct {
	ChunkSize          string `mapstructure:"chunk_size"`
	MaxObjectSize      string `mapstructure:"max_object_size"`
	LargeSizeThreshold string `mapstructure:"large_size_threshold"`
	IdleTimeoutMinutes int    `mapstructure:"idle_timeout_minutes"`
	// 大文件会话的空闲超时，单个分片上传本身就可能耗时数十秒
	LargeIdleTimeoutMinutes int    `mapstructure:"large_idle_timeout_minutes"`
	ScratchDir              string `mapstructure:"scratch_dir"`
	Compact                 bool   `mapstructure:"compact"`
	CompactMaxRetries       int    `mapstructure:"compact_max_retries"`

	ChunkSizeBytes          int64 `mapstructure:"-"`
	MaxObjectSizeBytes      int64 `mapstructure:"-"`
	LargeSizeThresholdBytes int64 `mapstructure:"-"`
}

// IdleTimeout 根据文件总大小返回该会话适用的空闲超时时长。
func (c UploadConfig) IdleTimeout(totalSize int64) time.Duration {
	if totalSize >= c.LargeSizeThresholdBytes {
		return time.Duration(c.LargeIdleTimeoutMinutes) * time.Minute
	}
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// StreamConfig 存储范围流式读取的配置。
type StreamConfig struct {
	// 开区间 Range 请求 (bytes=start-) 单次返回的最大窗口
	DefaultWindow      string `mapstructure:"default_window"`
	DefaultWindowBytes int64  `mapstructure:"-"`
}

// ReaperConfig 存储过期会话清理任务的配置。
type ReaperConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
	BatchSize       int `mapstructure:"batch_size"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}

	if err := parseSizes(&Conf); err != nil {
		panic(fmt.Errorf("解析配置中的字节大小失败: %w", err))
	}
}

// parseSizes 将人类可读的字节大小字符串解析为数值字段。
func parseSizes(c *Config) error {
	pairs := []struct {
		raw  string
		dst  *int64
		name string
	}{
		{c.Upload.ChunkSize, &c.Upload.ChunkSizeBytes, "upload.chunk_size"},
		{c.Upload.MaxObjectSize, &c.Upload.MaxObjectSizeBytes, "upload.max_object_size"},
		{c.Upload.LargeSizeThreshold, &c.Upload.LargeSizeThresholdBytes, "upload.large_size_threshold"},
		{c.Stream.DefaultWindow, &c.Stream.DefaultWindowBytes, "stream.default_window"},
	}
	for _, p := range pairs {
		if p.raw == "" {
			continue
		}
		n, err := units.RAMInBytes(p.raw)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", p.name, p.raw, err)
		}
		*p.dst = n
	}
	return nil
}
