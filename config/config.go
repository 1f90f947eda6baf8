package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 保存控制台服务的全部配置
type Config struct {
	HTTPAddr  string
	SessionID string // 持久化时使用的会话标识，一台机器通常只有一个

	// 存储后端: minio | memory
	StorageBackend string
	// 快照后端: redis | local | memory
	SnapshotBackend string

	// MinIO 配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	MinioPrefix    string

	// Redis 配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MySQL 配置（资源台账，可选）
	DBEnabled  bool
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// 播放相关
	SampleRate       int
	PolyphonyLimit   int
	WinDialogueLimit int
	SaveDebounce     time.Duration
	SnapshotMaxAge   time.Duration
	RestoreDelay     time.Duration

	// 拖放目录，空字符串表示不启用
	DropDir string
	// 前端静态文件目录
	WebDir string

	// 鉴权，AuthSecret 为空时不启用
	AuthSecret        string
	AdminPasswordHash string
	TokenTTL          time.Duration

	// 日志
	LogLevel  string
	LogFile   string
	LogFormat string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("session_id", "default")
	v.SetDefault("storage_backend", "minio")
	v.SetDefault("snapshot_backend", "redis")

	v.SetDefault("minio_endpoint", "127.0.0.1:9000")
	v.SetDefault("minio_access_key", "")
	v.SetDefault("minio_secret_key", "")
	v.SetDefault("minio_bucket", "audiodeck")
	v.SetDefault("minio_region", "us-east-1")
	v.SetDefault("minio_use_ssl", false)
	v.SetDefault("minio_prefix", "deck")

	v.SetDefault("redis_host", "127.0.0.1")
	v.SetDefault("redis_port", "6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("db_enabled", false)
	v.SetDefault("db_host", "127.0.0.1")
	v.SetDefault("db_port", "3306")
	v.SetDefault("db_user", "root")
	v.SetDefault("db_name", "audiodeck")

	v.SetDefault("sample_rate", 44100)
	v.SetDefault("polyphony_limit", 32)
	v.SetDefault("win_dialogue_limit", 8)
	v.SetDefault("save_debounce", "500ms")
	v.SetDefault("snapshot_max_age", "24h")
	v.SetDefault("restore_delay", "100ms")

	v.SetDefault("drop_dir", "")
	v.SetDefault("web_dir", "web")
	v.SetDefault("token_ttl", "12h")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", filepath.Join("logs", "audiodeck.log"))
	v.SetDefault("log_format", "json")
}

// Load loads configuration from .env, an optional audiodeck.yaml and the environment.
// 优先级: 环境变量 > 配置文件 > 默认值
func Load() *Config {
	// godotenv.Load() 不会覆盖已经存在的环境变量
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on existing environment variables and defaults.")
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("audiodeck")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".audiodeck"))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("读取配置文件失败，使用环境变量和默认值: %v", err)
		}
	} else {
		log.Printf("Using config file: %s", v.ConfigFileUsed())
	}

	return &Config{
		HTTPAddr:        v.GetString("http_addr"),
		SessionID:       v.GetString("session_id"),
		StorageBackend:  strings.ToLower(v.GetString("storage_backend")),
		SnapshotBackend: strings.ToLower(v.GetString("snapshot_backend")),

		MinioEndpoint:  v.GetString("minio_endpoint"),
		MinioAccessKey: v.GetString("minio_access_key"),
		MinioSecretKey: v.GetString("minio_secret_key"),
		MinioBucket:    v.GetString("minio_bucket"),
		MinioRegion:    v.GetString("minio_region"),
		MinioUseSSL:    v.GetBool("minio_use_ssl"),
		MinioPrefix:    v.GetString("minio_prefix"),

		RedisHost:     v.GetString("redis_host"),
		RedisPort:     v.GetString("redis_port"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       getEnvInt("REDIS_DB", v.GetInt("redis_db")),

		DBEnabled:  v.GetBool("db_enabled"),
		DBHost:     v.GetString("db_host"),
		DBPort:     v.GetString("db_port"),
		DBUser:     v.GetString("db_user"),
		DBPassword: os.Getenv("DB_PASSWORD"), // 密码不提供默认值
		DBName:     v.GetString("db_name"),

		SampleRate:       v.GetInt("sample_rate"),
		PolyphonyLimit:   v.GetInt("polyphony_limit"),
		WinDialogueLimit: v.GetInt("win_dialogue_limit"),
		SaveDebounce:     v.GetDuration("save_debounce"),
		SnapshotMaxAge:   v.GetDuration("snapshot_max_age"),
		RestoreDelay:     v.GetDuration("restore_delay"),

		DropDir: v.GetString("drop_dir"),
		WebDir:  v.GetString("web_dir"),

		AuthSecret:        getEnv("AUTH_SECRET", v.GetString("auth_secret")),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", v.GetString("admin_password_hash")),
		TokenTTL:          v.GetDuration("token_ttl"),

		LogLevel:  v.GetString("log_level"),
		LogFile:   v.GetString("log_file"),
		LogFormat: v.GetString("log_format"),
	}
}

// Validate 检查互相依赖的配置项
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "minio", "memory":
	default:
		return &Error{Field: "storage_backend", Message: "must be minio or memory"}
	}
	switch c.SnapshotBackend {
	case "redis", "local", "memory":
	default:
		return &Error{Field: "snapshot_backend", Message: "must be redis, local or memory"}
	}
	if c.StorageBackend == "minio" && c.MinioEndpoint == "" {
		return &Error{Field: "minio_endpoint", Message: "required for the minio backend"}
	}
	if c.PolyphonyLimit <= 0 {
		return &Error{Field: "polyphony_limit", Message: "must be positive"}
	}
	if c.WinDialogueLimit <= 0 {
		return &Error{Field: "win_dialogue_limit", Message: "must be positive"}
	}
	if c.SaveDebounce <= 0 {
		return &Error{Field: "save_debounce", Message: "must be positive"}
	}
	if c.SnapshotMaxAge <= 0 {
		return &Error{Field: "snapshot_max_age", Message: "must be positive"}
	}
	if c.AuthSecret != "" && c.AdminPasswordHash == "" {
		return &Error{Field: "admin_password_hash", Message: "required when auth_secret is set"}
	}
	return nil
}

// Error 表示一个配置项错误
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Field + ": " + e.Message
}
